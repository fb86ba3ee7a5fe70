package relay

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/stratum-relay/relay/internal/config"
	"github.com/stratum-relay/relay/internal/upstream"
)

// Outbound is the transport side of one session. Send must not block; Close
// terminates the connection, after which the transport ends the session.
type Outbound interface {
	Send(msg Message)
	Close()
}

// Controller applies start/stop/submit commands and upstream events to one
// session's Registry. Like the Registry it is confined to a single goroutine.
type Controller struct {
	session  string
	cfg      *config.Config
	registry *Registry
	factory  upstream.Factory
	out      Outbound
	log      *slog.Logger
	watch    func(SlotKey, upstream.Client)
	now      func() time.Time
	ended    bool
}

func NewController(session string, cfg *config.Config, factory upstream.Factory, out Outbound, log *slog.Logger) *Controller {
	return &Controller{
		session:  session,
		cfg:      cfg,
		registry: NewRegistry(cfg),
		factory:  factory,
		out:      out,
		log:      log.With("session", session),
		now:      time.Now,
	}
}

// SetWatcher installs the hook that starts bridging a newly created client's
// events. It must be set before the first start command.
func (c *Controller) SetWatcher(fn func(SlotKey, upstream.Client)) {
	c.watch = fn
}

func (c *Controller) Registry() *Registry {
	return c.registry
}

func (c *Controller) Ended() bool {
	return c.ended
}

// Greet announces every fee slot's algorithm, then that main workers may
// start.
func (c *Controller) Greet() {
	for _, fs := range c.cfg.FeeSlots {
		c.out.Send(Message{Type: MsgSlotInit, Slot: fs.ID, Payload: SlotInitPayload{Slot: fs.ID, Algo: fs.Algo}})
	}
	c.out.Send(Message{Type: MsgCanStart})
}

func (c *Controller) StartFixed(id string) error {
	if c.ended {
		return ErrSessionEnded
	}
	fs, err := c.registry.resolveFixed(id)
	if err != nil {
		c.report(err)
		return err
	}
	key := FixedKey(fs.ID)
	if _, ok := c.registry.get(key); ok {
		err := fmt.Errorf("%w: %s", ErrSlotRunning, fs.ID)
		c.report(err)
		return err
	}
	return c.open(key, fs.Stratum.Worker, upstream.Config{
		Version:       c.cfg.Relay.ProtocolVersion,
		Algo:          fs.Algo,
		Server:        fs.Stratum.Server,
		Port:          fs.Stratum.Port,
		Worker:        fs.Stratum.Worker,
		Password:      fs.Stratum.Password,
		AutoReconnect: true,
	})
}

func (c *Controller) StopFixed(id string) error {
	if c.ended {
		return ErrSessionEnded
	}
	fs, err := c.registry.resolveFixed(id)
	if err != nil {
		c.report(err)
		return err
	}
	if c.registry.vacate(FixedKey(fs.ID)) {
		c.log.Info("fee slot stopped", "slot", fs.ID)
	}
	return nil
}

// SubmitFixed forwards work to a fee slot under the slot's configured worker.
// Work for an idle fee slot is dropped without telling the browser.
func (c *Controller) SubmitFixed(id string, work upstream.Work) error {
	if c.ended {
		return ErrSessionEnded
	}
	fs, err := c.registry.resolveFixed(id)
	if err != nil {
		c.report(err)
		return err
	}
	s, ok := c.registry.get(FixedKey(fs.ID))
	if !ok {
		c.log.Debug("dropping work for idle fee slot", "slot", fs.ID)
		return fmt.Errorf("%w: %s", ErrSlotNotFound, fs.ID)
	}
	c.submit(s, work)
	return nil
}

// StartMain validates req and opens a dynamic slot keyed by the resolved
// worker name. A malformed request ends the session.
func (c *Controller) StartMain(req StartRequest) error {
	if c.ended {
		return ErrSessionEnded
	}
	if err := req.validate(); err != nil {
		c.fail(err)
		return err
	}
	worker := req.Worker()
	key := DynamicKey(worker)
	if _, ok := c.registry.get(key); ok {
		err := fmt.Errorf("%w: %s", ErrSlotRunning, worker)
		c.report(err)
		return err
	}
	version := req.Version
	if version == "" {
		version = c.cfg.Relay.ProtocolVersion
	}
	return c.open(key, worker, upstream.Config{
		Version:       version,
		Algo:          req.Algo,
		Server:        req.Stratum.Server,
		Port:          int(req.Stratum.Port),
		Worker:        req.Stratum.Worker,
		Password:      req.Stratum.Password,
		AutoReconnect: true,
	})
}

// StopMain stops one worker's slot, or every dynamic slot when worker is
// empty. Stopping an idle worker is not an error.
func (c *Controller) StopMain(worker string) error {
	if c.ended {
		return ErrSessionEnded
	}
	if worker != "" {
		if c.registry.vacate(DynamicKey(worker)) {
			c.log.Info("worker stopped", "worker", worker)
		}
		return nil
	}
	for key := range c.registry.slots {
		if key.Kind == SlotDynamic && c.registry.vacate(key) {
			c.log.Info("worker stopped", "worker", key.ID)
		}
	}
	return nil
}

// SubmitMain routes work by its worker_name field.
func (c *Controller) SubmitMain(work upstream.Work) error {
	if c.ended {
		return ErrSessionEnded
	}
	worker := work.WorkerName()
	s, ok := c.registry.get(DynamicKey(worker))
	if !ok {
		err := fmt.Errorf("%w: main worker %q", ErrSlotNotFound, worker)
		c.report(err)
		return err
	}
	c.submit(s, work)
	return nil
}

// HandleEvent relays one upstream event. Events from a handle that no longer
// occupies its slot are dropped.
func (c *Controller) HandleEvent(se SlotEvent) {
	if !c.registry.owns(se.Key, se.Client) {
		c.log.Debug("dropping event from stale upstream", "slot", se.Key.String(), "kind", se.Event.Kind.String())
		return
	}

	c.out.Send(bridgeMessage(se.Key, se.Event))

	switch se.Event.Kind {
	case upstream.KindConnect:
		c.log.Info("upstream connected", "slot", se.Key.String())
	case upstream.KindClose:
		c.log.Info("upstream connection closed", "slot", se.Key.String())
	case upstream.KindError:
		c.log.Warn("upstream error", "slot", se.Key.String(), "error", se.Event.ErrorMessage())
	case upstream.KindSubscribe:
		c.log.Debug("upstream subscribed", "slot", se.Key.String(), "info", se.Event.Payload)
	case upstream.KindAuthorizeSuccess:
		c.log.Info("worker authorized", "slot", se.Key.String())
	case upstream.KindAuthorizeFail:
		err := fmt.Errorf("%w: %s", ErrUpstreamAuth, se.Key.ID)
		if se.Key.Kind == SlotDynamic {
			c.fail(err)
			return
		}
		c.report(err)
	}
}

// Reject reports a command that failed before reaching the controller, such
// as an undecodable payload. Fatal errors end the session.
func (c *Controller) Reject(err error) {
	if c.ended {
		return
	}
	if IsFatal(err) {
		c.fail(err)
		return
	}
	c.report(err)
}

// End shuts down every slot. Calling it again is a no-op.
func (c *Controller) End() int {
	if c.ended {
		return 0
	}
	c.ended = true
	n := c.registry.vacateAll()
	c.log.Info("session ended", "slots_closed", n)
	return n
}

func (c *Controller) open(key SlotKey, worker string, cfg upstream.Config) error {
	client := c.factory.Open(cfg)
	s := &slot{
		key:       key,
		worker:    worker,
		algo:      cfg.Algo,
		client:    client,
		startedAt: c.now(),
	}
	if err := c.registry.occupy(s); err != nil {
		client.Shutdown()
		c.report(err)
		return err
	}
	if c.watch != nil {
		c.watch(key, client)
	}
	c.log.Info("upstream started", "slot", key.String(), "addr", cfg.Addr(), "algo", cfg.Algo)
	return nil
}

func (c *Controller) submit(s *slot, work upstream.Work) {
	w := work.Clone()
	w[upstream.WorkerNameKey] = s.worker
	s.client.Submit(w)
}

func (c *Controller) report(err error) {
	c.log.Debug("command rejected", "error", err)
	c.out.Send(errorMessage(err.Error()))
}

// fail reports err, tears the session down and closes the connection.
func (c *Controller) fail(err error) {
	c.log.Warn("closing session", "error", err)
	c.out.Send(errorMessage(err.Error()))
	c.End()
	c.out.Close()
}
