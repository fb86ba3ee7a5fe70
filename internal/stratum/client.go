// Package stratum implements the upstream client contract over stratum v1:
// newline-delimited JSON-RPC on a plain TCP connection.
package stratum

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/jpillora/backoff"
	"github.com/stratum-relay/relay/internal/config"
	"github.com/stratum-relay/relay/internal/jsonx"
	"github.com/stratum-relay/relay/internal/upstream"
)

const (
	eventBuffer  = 64
	submitBuffer = 64
	maxLineSize  = 1 << 20
)

var (
	errAuthorize = errors.New("worker failed to authorize")
	errReconnect = errors.New("pool requested reconnect")
)

// Factory opens stratum clients sharing one set of transport settings.
type Factory struct {
	opts config.UpstreamConfig
	log  *slog.Logger

	// minRetry is the first reconnect delay; zero uses the backoff default.
	minRetry time.Duration
}

func NewFactory(opts config.UpstreamConfig, log *slog.Logger) *Factory {
	return &Factory{opts: opts, log: log}
}

// Open starts a client in the background. Dial failures surface as error
// events.
func (f *Factory) Open(cfg upstream.Config) upstream.Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		opts:     f.opts,
		log:      f.log.With("upstream", cfg.Addr(), "worker", cfg.Worker),
		minRetry: f.minRetry,
		events:   make(chan upstream.Event, eventBuffer),
		submits:  make(chan upstream.Work, submitBuffer),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	go c.run()
	return c
}

// Client is one stratum connection, re-dialled with backoff while
// AutoReconnect is set. Everything below the exported methods runs on the
// client's own goroutine.
type Client struct {
	cfg      upstream.Config
	opts     config.UpstreamConfig
	log      *slog.Logger
	minRetry time.Duration

	events  chan upstream.Event
	submits chan upstream.Work
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once

	nextID     uint64
	pending    map[uint64]string
	extranonce SubscribeInfo
	difficulty float64
}

func (c *Client) Events() <-chan upstream.Event {
	return c.events
}

// Submit queues a share. It never blocks; shares are dropped when the queue
// is full or the client has shut down.
func (c *Client) Submit(work upstream.Work) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.submits <- work:
	default:
		c.log.Warn("submit queue full, dropping share", "job_id", work.String("job_id"))
	}
}

// Shutdown stops the client. Events is closed once the connection goroutine
// has exited.
func (c *Client) Shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
	})
}

func (c *Client) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) emit(ev upstream.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Client) run() {
	defer close(c.events)
	b := &backoff.Backoff{Min: c.minRetry, Max: c.opts.MaxRetryInterval, Jitter: true}
	for {
		err := c.connect(b)
		if c.stopped() {
			return
		}
		if errors.Is(err, errAuthorize) {
			c.log.Warn("not reconnecting after authorize failure")
			return
		}
		if !c.cfg.AutoReconnect {
			return
		}
		d := b.Duration()
		c.log.Info("reconnecting", "attempt", int(b.Attempt()), "delay", d, "error", err)
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-c.done:
			t.Stop()
			return
		}
	}
}

// connect runs one connection from dial to close.
func (c *Client) connect(b *backoff.Backoff) error {
	d := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := d.DialContext(c.ctx, "tcp", c.cfg.Addr())
	if err != nil {
		err = fmt.Errorf("dial %s: %w", c.cfg.Addr(), err)
		if !c.stopped() {
			c.emit(upstream.Event{Kind: upstream.KindError, Err: err})
		}
		return err
	}
	c.log.Debug("connected")
	c.emit(upstream.Event{Kind: upstream.KindConnect})

	err = c.serve(conn, b)
	conn.Close()

	if err != nil && !c.stopped() && !errors.Is(err, errAuthorize) && !errors.Is(err, io.EOF) {
		c.emit(upstream.Event{Kind: upstream.KindError, Err: err})
	}
	c.emit(upstream.Event{Kind: upstream.KindClose})
	return err
}

func (c *Client) serve(conn net.Conn, b *backoff.Backoff) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go c.readLoop(conn, lines, readErr, stop)

	c.pending = make(map[uint64]string)
	c.extranonce = SubscribeInfo{}
	authorized := false

	agent := c.opts.UserAgent
	if c.cfg.Version != "" {
		agent += "/" + c.cfg.Version
	}
	if err := c.call(conn, methodSubscribe, agent); err != nil {
		return err
	}

	// Shares submitted before authorize are held here and flushed once the
	// worker is authorized.
	backlog := queue.New()
	for {
		select {
		case <-c.done:
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			ok, err := c.handle(conn, line)
			if err != nil {
				return err
			}
			if ok && !authorized {
				authorized = true
				b.Reset()
				for backlog.Length() > 0 {
					if err := c.submit(conn, backlog.Remove().(upstream.Work)); err != nil {
						return err
					}
				}
			}
		case work := <-c.submits:
			if !authorized {
				if backlog.Length() >= submitBuffer {
					backlog.Remove()
					c.log.Warn("dropping oldest share queued before authorize")
				}
				backlog.Add(work)
				continue
			}
			if err := c.submit(conn, work); err != nil {
				return err
			}
		}
	}
}

func (c *Client) readLoop(conn net.Conn, lines chan<- []byte, errc chan<- error, stop <-chan struct{}) {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxLineSize)
	for {
		if c.opts.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		if !sc.Scan() {
			err := sc.Err()
			if err == nil {
				err = io.EOF
			} else {
				err = fmt.Errorf("read: %w", err)
			}
			errc <- err
			return
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		select {
		case lines <- append([]byte(nil), line...):
		case <-stop:
			return
		}
	}
}

func (c *Client) call(conn net.Conn, method string, params ...any) error {
	c.nextID++
	req := request{ID: c.nextID, Method: method, Params: params}
	if req.Params == nil {
		req.Params = []any{}
	}
	data, err := jsonx.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	if c.opts.DialTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.opts.DialTimeout))
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}
	c.pending[req.ID] = method
	return nil
}

// submit sends a share under the authorized worker.
func (c *Client) submit(conn net.Conn, work upstream.Work) error {
	return c.call(conn, methodSubmit,
		c.cfg.Worker,
		work.String("job_id"),
		work.String("extranonce2"),
		work.String("ntime"),
		work.String("nonce"),
	)
}

// handle processes one line from the pool and reports whether it was a
// successful authorize response.
func (c *Client) handle(conn net.Conn, line []byte) (bool, error) {
	var m message
	if err := jsonx.Unmarshal(line, &m); err != nil {
		c.log.Warn("ignoring malformed line", "error", err)
		return false, nil
	}
	if id, ok := m.responseID(); ok {
		return c.handleResponse(conn, id, &m)
	}

	switch m.Method {
	case methodSetDifficulty:
		diff, err := parseDifficulty(m.Params)
		if err != nil {
			c.log.Warn("ignoring difficulty", "error", err)
			return false, nil
		}
		c.difficulty = diff
		c.emit(upstream.Event{Kind: upstream.KindDifficulty, Payload: diff})
	case methodNotify:
		job, err := parseNotify(m.Params)
		if err != nil {
			c.log.Warn("ignoring job", "error", err)
			return false, nil
		}
		job.Extranonce1 = c.extranonce.Extranonce1
		job.Extranonce2Size = c.extranonce.Extranonce2Size
		job.Difficulty = c.difficulty
		job.Algo = c.cfg.Algo
		c.emit(upstream.Event{Kind: upstream.KindWork, Payload: job})
	case methodSetExtranonce:
		var params []jsonx.RawMessage
		if err := jsonx.Unmarshal(m.Params, &params); err != nil || len(params) < 2 {
			c.log.Warn("ignoring set_extranonce", "params", string(m.Params))
			return false, nil
		}
		info, err := parseExtranonce(params[0], params[1])
		if err != nil {
			c.log.Warn("ignoring set_extranonce", "error", err)
			return false, nil
		}
		c.extranonce = info
		c.emit(upstream.Event{Kind: upstream.KindSubscribe, Payload: info})
	case methodReconnect:
		return false, errReconnect
	default:
		c.log.Debug("ignoring notification", "method", m.Method)
	}
	return false, nil
}

func (c *Client) handleResponse(conn net.Conn, id uint64, m *message) (bool, error) {
	method, ok := c.pending[id]
	if !ok {
		c.log.Debug("response to unknown request", "id", id)
		return false, nil
	}
	delete(c.pending, id)

	switch method {
	case methodSubscribe:
		if m.failed() {
			return false, fmt.Errorf("subscribe rejected: %s", m.Error)
		}
		info, err := parseSubscribeResult(m.Result)
		if err != nil {
			return false, err
		}
		c.extranonce = info
		c.emit(upstream.Event{Kind: upstream.KindSubscribe, Payload: info})
		return false, c.call(conn, methodAuthorize, c.cfg.Worker, c.cfg.Password)
	case methodAuthorize:
		if m.failed() || !isTrue(m.Result) {
			c.emit(upstream.Event{Kind: upstream.KindAuthorizeFail})
			return false, errAuthorize
		}
		c.log.Info("authorized")
		c.emit(upstream.Event{Kind: upstream.KindAuthorizeSuccess})
		return true, nil
	case methodSubmit:
		res := upstream.SubmitResult{Error: decodeAny(m.Error), Result: decodeAny(m.Result)}
		kind := upstream.KindSubmitSuccess
		if m.failed() || !isTrue(m.Result) {
			kind = upstream.KindSubmitFail
		}
		c.emit(upstream.Event{Kind: kind, Payload: res})
	}
	return false, nil
}

func isTrue(raw jsonx.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "true"
}
