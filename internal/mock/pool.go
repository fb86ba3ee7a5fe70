// Package mock provides an in-process upstream that behaves like a stratum
// pool, for running the relay and a browser miner without a real pool.
package mock

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/stratum-relay/relay/internal/upstream"
)

// Patterns are picked from the worker name: a worker containing one of
// these substrings gets that behaviour, anything else is "steady".
const (
	PatternSteady  = "steady"
	PatternFlaky   = "flaky"
	PatternReject  = "reject"
	PatternBadAuth = "badauth"
)

// flakyDropEvery is the number of jobs after which a flaky pool drops the
// connection.
const flakyDropEvery = 3

type Factory struct {
	tick time.Duration
	log  *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewFactory returns a factory whose pools issue a job every tick.
func NewFactory(tick time.Duration, log *slog.Logger) *Factory {
	return &Factory{
		tick: tick,
		log:  log,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (f *Factory) Open(cfg upstream.Config) upstream.Client {
	f.mu.Lock()
	extranonce := fmt.Sprintf("%08x", f.rng.Uint32())
	f.mu.Unlock()

	p := &Pool{
		cfg:        cfg,
		pattern:    patternFor(cfg.Worker),
		tick:       f.tick,
		log:        f.log.With("mock_pool", cfg.Addr(), "worker", cfg.Worker),
		extranonce: extranonce,
		events:     make(chan upstream.Event, 64),
		submits:    make(chan upstream.Work, 64),
		done:       make(chan struct{}),
	}
	go p.run()
	return p
}

func patternFor(worker string) string {
	w := strings.ToLower(worker)
	for _, p := range []string{PatternBadAuth, PatternReject, PatternFlaky} {
		if strings.Contains(w, p) {
			return p
		}
	}
	return PatternSteady
}

// Pool is one simulated upstream connection.
type Pool struct {
	cfg        upstream.Config
	pattern    string
	tick       time.Duration
	log        *slog.Logger
	extranonce string

	events  chan upstream.Event
	submits chan upstream.Work
	done    chan struct{}
	once    sync.Once

	jobs       int
	difficulty float64
}

func (p *Pool) Events() <-chan upstream.Event { return p.events }

func (p *Pool) Submit(work upstream.Work) {
	select {
	case <-p.done:
	case p.submits <- work:
	default:
		p.log.Warn("mock submit queue full")
	}
}

func (p *Pool) Shutdown() {
	p.once.Do(func() { close(p.done) })
}

func (p *Pool) emit(ev upstream.Event) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.done:
		return false
	}
}

func (p *Pool) run() {
	defer close(p.events)
	for {
		if !p.session() {
			return
		}
		if !p.cfg.AutoReconnect {
			return
		}
		select {
		case <-time.After(p.tick):
		case <-p.done:
			return
		}
	}
}

// session plays one connection. It reports whether the pool should
// reconnect.
func (p *Pool) session() bool {
	p.emit(upstream.Event{Kind: upstream.KindConnect})
	p.emit(upstream.Event{Kind: upstream.KindSubscribe, Payload: map[string]any{
		"extranonce1":      p.extranonce,
		"extranonce2_size": 4,
	}})
	if p.pattern == PatternBadAuth {
		p.emit(upstream.Event{Kind: upstream.KindAuthorizeFail})
		p.emit(upstream.Event{Kind: upstream.KindClose})
		return false
	}
	p.emit(upstream.Event{Kind: upstream.KindAuthorizeSuccess})
	p.difficulty = 1
	p.emit(upstream.Event{Kind: upstream.KindDifficulty, Payload: p.difficulty})

	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	issued := 0
	p.newJob()
	for {
		select {
		case <-p.done:
			return false
		case work := <-p.submits:
			p.answer(work)
		case <-ticker.C:
			issued++
			if p.pattern == PatternFlaky && issued%flakyDropEvery == 0 {
				p.emit(upstream.Event{Kind: upstream.KindError, Err: fmt.Errorf("mock pool %s dropped the connection", p.cfg.Addr())})
				p.emit(upstream.Event{Kind: upstream.KindClose})
				return true
			}
			if issued%5 == 0 {
				p.difficulty *= 2
				p.emit(upstream.Event{Kind: upstream.KindDifficulty, Payload: p.difficulty})
			}
			p.newJob()
		}
	}
}

func (p *Pool) newJob() {
	p.jobs++
	p.emit(upstream.Event{Kind: upstream.KindWork, Payload: map[string]any{
		"job_id":           fmt.Sprintf("mock-%d", p.jobs),
		"prevhash":         strings.Repeat("0", 64),
		"ntime":            fmt.Sprintf("%08x", time.Now().Unix()),
		"clean_jobs":       p.jobs == 1,
		"extranonce1":      p.extranonce,
		"extranonce2_size": 4,
		"difficulty":       p.difficulty,
		"algo":             p.cfg.Algo,
	}})
}

func (p *Pool) answer(work upstream.Work) {
	jobID := work.String("job_id")
	if p.pattern == PatternReject || jobID == "" {
		p.emit(upstream.Event{Kind: upstream.KindSubmitFail, Payload: upstream.SubmitResult{
			Error:  []any{23, "Low difficulty share", nil},
			Result: nil,
		}})
		return
	}
	p.emit(upstream.Event{Kind: upstream.KindSubmitSuccess, Payload: upstream.SubmitResult{Result: true}})
}
