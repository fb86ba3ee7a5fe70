package relay

import (
	"sync"

	"github.com/stratum-relay/relay/internal/config"
	"github.com/stratum-relay/relay/internal/logging"
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
	msgs   []Message
	closed int
}

func (o *recordingOutbound) Send(msg Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
}

func (o *recordingOutbound) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed++
}

func (o *recordingOutbound) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Message(nil), o.msgs...)
}

func (o *recordingOutbound) Types() []string {
	var out []string
	for _, m := range o.Messages() {
		out = append(out, m.Type)
	}
	return out
}

func (o *recordingOutbound) Closed() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *recordingOutbound) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = nil
}

func testConfig(feeIDs ...string) *config.Config {
	cfg := config.Default()
	for _, id := range feeIDs {
		cfg.FeeSlots = append(cfg.FeeSlots, config.FeeSlot{
			ID:   id,
			Algo: "algo-" + id,
			Stratum: config.Stratum{
				Server:   id + ".pool.example",
				Port:     7019,
				Worker:   "wallet-" + id,
				Password: "c=RVN",
			},
		})
	}
	return cfg
}

func newTestController(feeIDs ...string) (*Controller, *fakeFactory, *recordingOutbound) {
	factory := &fakeFactory{}
	out := &recordingOutbound{}
	c := NewController("test", testConfig(feeIDs...), factory, out, logging.Discard())
	return c, factory, out
}

func mainRequest(server string, port int, worker string) StartRequest {
	return StartRequest{
		Stratum: StartStratum{Server: server, Port: Port(port), Worker: worker},
		Version: "v1",
		Algo:    "x",
	}
}
