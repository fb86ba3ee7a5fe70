package session

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratum-relay/relay/internal/config"
	"github.com/stratum-relay/relay/internal/jsonx"
	"github.com/stratum-relay/relay/internal/relay"
	"github.com/stratum-relay/relay/internal/upstream"
)

// Session owns the relay state of one browser connection. Commands and
// bridged upstream events are funnelled through one mailbox and applied by a
// single goroutine, so the controller and its registry need no locks.
type Session struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	ctrl    *relay.Controller
	log     *slog.Logger
	mailbox chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	endOnce  sync.Once
	hashrate atomic.Uint64
	commands atomic.Uint64
}

// New creates the session and starts its loop. The loop greets the browser
// before handling any command.
func New(id, remoteAddr string, cfg *config.Config, factory upstream.Factory, out relay.Outbound, log *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:          id,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		log:         log.With("session", id),
		mailbox:     make(chan func(), cfg.Relay.MailboxSize),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	s.ctrl = relay.NewController(id, cfg, factory, out, log)
	s.ctrl.SetWatcher(func(key relay.SlotKey, client upstream.Client) {
		go relay.Bridge(s.ctx, key, client, s.postEvent)
	})
	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.done)
	s.ctrl.Greet()
	for {
		select {
		case fn := <-s.mailbox:
			fn()
		case <-s.ctx.Done():
			s.ctrl.End()
			return
		}
	}
}

func (s *Session) post(fn func()) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.mailbox <- fn:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) postEvent(se relay.SlotEvent) bool {
	return s.post(func() { s.ctrl.HandleEvent(se) })
}

// Dispatch queues an inbound command. Commands are applied in the order they
// are dispatched. Returns false once the session has ended.
func (s *Session) Dispatch(cmd relay.Command) bool {
	s.commands.Add(1)
	return s.post(func() { s.handle(cmd) })
}

// End tears the session down and waits until every slot has been vacated.
// Safe to call more than once and from any goroutine except the loop itself.
func (s *Session) End() {
	s.endOnce.Do(s.cancel)
	<-s.done
}

// Done is closed once the session loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) handle(cmd relay.Command) {
	var err error
	switch cmd.Type {
	case relay.CmdStartFixed:
		err = s.ctrl.StartFixed(cmd.Slot)
	case relay.CmdStopFixed:
		err = s.ctrl.StopFixed(cmd.Slot)
	case relay.CmdSubmitFixed:
		var work upstream.Work
		if err = decodePayload(cmd.Payload, &work); err != nil {
			s.ctrl.Reject(fmt.Errorf("%s: %w", cmd.Type, err))
			return
		}
		err = s.ctrl.SubmitFixed(cmd.Slot, work)
	case relay.CmdStartMain:
		var req relay.StartRequest
		if err = decodePayload(cmd.Payload, &req); err != nil {
			err = fmt.Errorf("%w: %v", relay.ErrInvalidStartRequest, err)
			s.ctrl.Reject(err)
			return
		}
		err = s.ctrl.StartMain(req)
	case relay.CmdStopMain:
		var req relay.StopRequest
		if err = decodePayload(cmd.Payload, &req); err != nil {
			s.ctrl.Reject(fmt.Errorf("%s: %w", cmd.Type, err))
			return
		}
		worker := req.WorkerName
		if worker == "" {
			worker = cmd.Slot
		}
		err = s.ctrl.StopMain(worker)
	case relay.CmdSubmitMain:
		var work upstream.Work
		if err = decodePayload(cmd.Payload, &work); err != nil {
			s.ctrl.Reject(fmt.Errorf("%s: %w", cmd.Type, err))
			return
		}
		if work.WorkerName() == "" && cmd.Slot != "" {
			if work == nil {
				work = upstream.Work{}
			}
			work[upstream.WorkerNameKey] = cmd.Slot
		}
		err = s.ctrl.SubmitMain(work)
	case relay.CmdHashrate:
		var rate float64
		if err = decodePayload(cmd.Payload, &rate); err != nil || math.IsNaN(rate) || rate < 0 {
			s.log.Debug("ignoring malformed hashrate", "payload", string(cmd.Payload))
			return
		}
		s.hashrate.Store(math.Float64bits(rate))
	default:
		err = fmt.Errorf("%w: %q", relay.ErrUnknownCommand, cmd.Type)
		s.ctrl.Reject(err)
	}
	if err != nil {
		s.log.Debug("command failed", "type", cmd.Type, "slot", cmd.Slot, "error", err)
	}
}

func decodePayload(raw jsonx.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return jsonx.UnmarshalNumbers(raw, v)
}

// Hashrate is the last rate the browser reported.
func (s *Session) Hashrate() float64 {
	return math.Float64frombits(s.hashrate.Load())
}

// Snapshot returns the session's current state. Slot data is read on the
// session loop; if the loop is gone or ctx expires the slots are omitted.
func (s *Session) Snapshot(ctx context.Context) *State {
	st := &State{
		ID:          s.ID,
		RemoteAddr:  s.RemoteAddr,
		ConnectedAt: s.ConnectedAt,
		Hashrate:    s.Hashrate(),
		Commands:    s.commands.Load(),
	}
	reply := make(chan []relay.SlotInfo, 1)
	if !s.post(func() { reply <- s.ctrl.Registry().Snapshot() }) {
		return st
	}
	select {
	case st.Slots = <-reply:
	case <-ctx.Done():
	case <-s.done:
	}
	return st
}
