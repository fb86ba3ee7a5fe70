package stratum

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/stratum-relay/relay/internal/jsonx"
)

const (
	methodSubscribe     = "mining.subscribe"
	methodAuthorize     = "mining.authorize"
	methodSubmit        = "mining.submit"
	methodSetDifficulty = "mining.set_difficulty"
	methodNotify        = "mining.notify"
	methodSetExtranonce = "mining.set_extranonce"
	methodReconnect     = "client.reconnect"
)

// request is an outgoing JSON-RPC call. Params is always an array on the
// stratum v1 wire.
type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// message is anything the pool sends: a response when ID is set and Method
// is empty, a notification otherwise.
type message struct {
	ID     jsonx.RawMessage `json:"id"`
	Method string           `json:"method"`
	Params jsonx.RawMessage `json:"params"`
	Result jsonx.RawMessage `json:"result"`
	Error  jsonx.RawMessage `json:"error"`
}

func init() {
	jsonx.Pretouch(reflect.TypeOf(request{}), reflect.TypeOf(message{}), reflect.TypeOf(Job{}))
}

// responseID returns the numeric id of a response. Notifications carry a
// null id and report false.
func (m *message) responseID() (uint64, bool) {
	if m.Method != "" || len(m.ID) == 0 {
		return 0, false
	}
	raw := strings.Trim(string(m.ID), `"`)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// failed reports whether the response carries a non-null error.
func (m *message) failed() bool {
	return len(m.Error) > 0 && string(m.Error) != "null"
}

// SubscribeInfo is the extranonce assignment from mining.subscribe or
// mining.set_extranonce.
type SubscribeInfo struct {
	Extranonce1     string `json:"extranonce1"`
	Extranonce2Size int    `json:"extranonce2_size"`
}

// Job is a mining.notify job together with the connection state a miner
// needs to build shares for it.
type Job struct {
	JobID           string   `json:"job_id"`
	PrevHash        string   `json:"prevhash"`
	Coinb1          string   `json:"coinb1"`
	Coinb2          string   `json:"coinb2"`
	MerkleBranch    []string `json:"merkle_branch"`
	Version         string   `json:"version"`
	NBits           string   `json:"nbits"`
	NTime           string   `json:"ntime"`
	CleanJobs       bool     `json:"clean_jobs"`
	Extranonce1     string   `json:"extranonce1"`
	Extranonce2Size int      `json:"extranonce2_size"`
	Difficulty      float64  `json:"difficulty"`
	Algo            string   `json:"algo"`
}

// parseSubscribeResult reads [subscriptions, extranonce1, extranonce2_size].
func parseSubscribeResult(raw jsonx.RawMessage) (SubscribeInfo, error) {
	var fields []jsonx.RawMessage
	if err := jsonx.Unmarshal(raw, &fields); err != nil {
		return SubscribeInfo{}, fmt.Errorf("subscribe result: %w", err)
	}
	if len(fields) < 3 {
		return SubscribeInfo{}, fmt.Errorf("subscribe result: want 3 fields, got %d", len(fields))
	}
	return parseExtranonce(fields[1], fields[2])
}

func parseExtranonce(en1, size jsonx.RawMessage) (SubscribeInfo, error) {
	var info SubscribeInfo
	if err := jsonx.Unmarshal(en1, &info.Extranonce1); err != nil {
		return info, fmt.Errorf("extranonce1: %w", err)
	}
	if err := jsonx.Unmarshal(size, &info.Extranonce2Size); err != nil {
		return info, fmt.Errorf("extranonce2_size: %w", err)
	}
	return info, nil
}

// parseNotify decodes mining.notify params:
// [job_id, prevhash, coinb1, coinb2, merkle_branch, version, nbits, ntime, clean_jobs].
func parseNotify(raw jsonx.RawMessage) (Job, error) {
	var params []jsonx.RawMessage
	if err := jsonx.Unmarshal(raw, &params); err != nil {
		return Job{}, fmt.Errorf("notify params: %w", err)
	}
	if len(params) < 9 {
		return Job{}, fmt.Errorf("notify params: want 9 fields, got %d", len(params))
	}
	var job Job
	targets := []any{
		&job.JobID, &job.PrevHash, &job.Coinb1, &job.Coinb2, &job.MerkleBranch,
		&job.Version, &job.NBits, &job.NTime, &job.CleanJobs,
	}
	for i, dst := range targets {
		if err := jsonx.Unmarshal(params[i], dst); err != nil {
			return Job{}, fmt.Errorf("notify param %d: %w", i, err)
		}
	}
	return job, nil
}

// parseDifficulty reads the first element of mining.set_difficulty params.
func parseDifficulty(raw jsonx.RawMessage) (float64, error) {
	var params []float64
	if err := jsonx.Unmarshal(raw, &params); err != nil {
		return 0, fmt.Errorf("set_difficulty params: %w", err)
	}
	if len(params) == 0 || params[0] <= 0 {
		return 0, fmt.Errorf("set_difficulty params: no positive difficulty")
	}
	return params[0], nil
}

// decodeAny turns a raw JSON value into a plain Go value for event payloads.
func decodeAny(raw jsonx.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := jsonx.UnmarshalNumbers(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
