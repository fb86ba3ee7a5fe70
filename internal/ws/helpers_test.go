package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stratum-relay/relay/internal/config"
	"github.com/stratum-relay/relay/internal/jsonx"
	"github.com/stratum-relay/relay/internal/logging"
	"github.com/stratum-relay/relay/internal/session"
	"github.com/stratum-relay/relay/internal/status"
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

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.FeeSlots = []config.FeeSlot{{
		ID:      "dev1",
		Algo:    "minotaurx",
		Stratum: config.Stratum{Server: "fee.pool.example", Port: 7019, Worker: "wallet"},
	}}
	return cfg
}

type testRelay struct {
	srv     *httptest.Server
	server  *Server
	store   *session.Store
	factory *fakeFactory
}

func newTestRelay(t *testing.T, cfg *config.Config) *testRelay {
	t.Helper()
	store := session.NewStore()
	factory := &fakeFactory{}
	s := NewServer(cfg, store, factory, status.NewCollector(time.Now()), logging.Discard())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testRelay{srv: srv, server: s, store: store, factory: factory}
}

func (tr *testRelay) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(tr.srv.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func (tr *testRelay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(tr.wsURL(""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame struct {
	Type    string           `json:"type"`
	Slot    string           `json:"slot"`
	Payload jsonx.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame
	if err := jsonx.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return f
}

// expectFrame reads frames until one of type typ arrives.
func expectFrame(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		if f := readFrame(t, conn); f.Type == typ {
			return f
		}
	}
	t.Fatalf("no %s frame", typ)
	return frame{}
}

func writeFrame(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// dialTestWS creates a test HTTP server that upgrades to WebSocket and returns
// the server-side connection.
func dialTestWS(t *testing.T) (*httptest.Server, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	select {
	case serverConn := <-connCh:
		return srv, serverConn
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil
	}
}
