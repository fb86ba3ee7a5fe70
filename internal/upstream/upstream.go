// Package upstream defines the contract between the relay and an upstream
// mining-protocol client: a factory, a handle with submit/shutdown, and a
// stream of typed lifecycle events.
package upstream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stratum-relay/relay/internal/jsonx"
)

// Config is the merged configuration handed to a Factory.
type Config struct {
	Version       string
	Algo          string
	Server        string
	Port          int
	Worker        string
	Password      string
	AutoReconnect bool
}

func (c Config) Addr() string {
	return c.Server + ":" + strconv.Itoa(c.Port)
}

// Work is a share payload as sent by the browser. It is an arbitrary JSON
// object; the relay only touches the worker_name key.
type Work map[string]any

const WorkerNameKey = "worker_name"

// WorkerName returns the worker_name field when it is a non-empty string.
func (w Work) WorkerName() string {
	s, _ := w[WorkerNameKey].(string)
	return s
}

// String returns field k rendered as a string, accepting JSON numbers.
func (w Work) String(k string) string {
	switch v := w[k].(type) {
	case nil:
		return ""
	case string:
		return v
	case jsonx.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Clone returns a shallow copy so annotation never mutates the caller's map.
func (w Work) Clone() Work {
	out := make(Work, len(w)+1)
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Client is one live upstream connection.
//
// Submit and Shutdown must not block on network I/O; results arrive on
// Events. Shutdown must be safe to call more than once. Events is closed once
// the client has fully stopped.
type Client interface {
	Submit(work Work)
	Shutdown()
	Events() <-chan Event
}

// Factory creates upstream clients. Connection failures are reported through
// the returned client's events, never as a synchronous error.
type Factory interface {
	Open(cfg Config) Client
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(cfg Config) Client

func (f FactoryFunc) Open(cfg Config) Client { return f(cfg) }

// Kind classifies upstream events.
type Kind int

const (
	KindConnect Kind = iota
	KindClose
	KindError
	KindDifficulty
	KindWork
	KindSubmitSuccess
	KindSubmitFail
	KindSubscribe
	KindAuthorizeSuccess
	KindAuthorizeFail
)

var kindNames = map[Kind]string{
	KindConnect:          "connect",
	KindClose:            "close",
	KindError:            "error",
	KindDifficulty:       "difficulty",
	KindWork:             "work",
	KindSubmitSuccess:    "shared",
	KindSubmitFail:       "failed",
	KindSubscribe:        "subscribe",
	KindAuthorizeSuccess: "authorized",
	KindAuthorizeFail:    "unauthorized",
}

// String is the wire suffix used for outbound messages ("dev1-work").
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return jsonx.Marshal(k.String())
}

// Event is one upstream notification. Payload depends on Kind:
//
//	KindError          Err
//	KindDifficulty     float64
//	KindWork           any JSON-encodable job
//	KindSubmitSuccess  SubmitResult
//	KindSubmitFail     SubmitResult
//	KindSubscribe      any JSON-encodable subscribe info
type Event struct {
	Kind    Kind
	Payload any
	Err     error
}

// SubmitResult mirrors the (error, result) pair of a share submission.
type SubmitResult struct {
	Error  any `json:"error"`
	Result any `json:"result"`
}

// ErrorMessage returns the human readable text of an error event.
func (e Event) ErrorMessage() string {
	if e.Err == nil {
		return "unknown upstream error"
	}
	return strings.TrimSpace(e.Err.Error())
}
