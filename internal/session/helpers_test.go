package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stratum-relay/relay/internal/config"
	"github.com/stratum-relay/relay/internal/logging"
	"github.com/stratum-relay/relay/internal/relay"
	"github.com/stratum-relay/relay/internal/upstream"
)

type fakeClient struct {
	mu        sync.Mutex
	cfg       upstream.Config
	submitted []upstream.Work
	shutdowns int
	events    chan upstream.Event
}

func (f *fakeClient) Submit(work upstream.Work) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, work)
}

func (f *fakeClient) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
}

func (f *fakeClient) Events() <-chan upstream.Event { return f.events }

func (f *fakeClient) Submitted() []upstream.Work {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstream.Work(nil), f.submitted...)
}

func (f *fakeClient) Shutdowns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns
}

type fakeFactory struct {
	mu      sync.Mutex
	clients []*fakeClient
}

func (f *fakeFactory) Open(cfg upstream.Config) upstream.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeClient{cfg: cfg, events: make(chan upstream.Event, 16)}
	f.clients = append(f.clients, c)
	return c
}

func (f *fakeFactory) Clients() []*fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeClient(nil), f.clients...)
}

type recordingOutbound struct {
	mu     sync.Mutex
	msgs   []relay.Message
	closed int
}

func (o *recordingOutbound) Send(msg relay.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
}

func (o *recordingOutbound) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed++
}

func (o *recordingOutbound) Types() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.msgs))
	for _, m := range o.msgs {
		out = append(out, m.Type)
	}
	return out
}

func (o *recordingOutbound) Closed() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.FeeSlots = []config.FeeSlot{{
		ID:      "dev1",
		Algo:    "minotaurx",
		Stratum: config.Stratum{Server: "fee.pool.example", Port: 7019, Worker: "wallet"},
	}}
	return cfg
}

func newTestSession(t *testing.T) (*Session, *fakeFactory, *recordingOutbound) {
	t.Helper()
	factory := &fakeFactory{}
	out := &recordingOutbound{}
	s := New("sess-1", "10.0.0.1:5555", testConfig(), factory, out, logging.Discard())
	t.Cleanup(s.End)
	return s, factory, out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// flush waits until every command dispatched so far has been applied.
func flush(t *testing.T, s *Session) {
	t.Helper()
	done := make(chan struct{})
	if !s.post(func() { close(done) }) {
		return
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session loop did not drain")
	}
}

func cmd(typ, slot, payload string) relay.Command {
	c := relay.Command{Type: typ, Slot: slot}
	if payload != "" {
		c.Payload = []byte(payload)
	}
	return c
}
