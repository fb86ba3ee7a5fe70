package stratum

import (
	"testing"

	"github.com/stratum-relay/relay/internal/jsonx"
)

func TestResponseID(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		wantID uint64
		wantOK bool
	}{
		{"numeric", `{"id":7,"result":true}`, 7, true},
		{"string", `{"id":"8","result":true}`, 8, true},
		{"null", `{"id":null,"method":"mining.notify","params":[]}`, 0, false},
		{"notification with id", `{"id":3,"method":"mining.set_difficulty","params":[1]}`, 0, false},
		{"garbage", `{"id":"abc","result":true}`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m message
			if err := jsonx.Unmarshal([]byte(tt.line), &m); err != nil {
				t.Fatal(err)
			}
			id, ok := m.responseID()
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("responseID() = %d, %v; want %d, %v", id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestParseNotify(t *testing.T) {
	tests := []struct {
		name    string
		params  string
		wantErr bool
	}{
		{"valid", `["j","p","c1","c2",[],"v","b","t",false]`, false},
		{"extra fields", `["j","p","c1","c2",["m"],"v","b","t",true,"x"]`, false},
		{"short", `["j","p"]`, true},
		{"wrong type", `["j","p","c1","c2","notalist","v","b","t",false]`, true},
		{"not array", `{}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := parseNotify(jsonx.RawMessage(tt.params))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && job.JobID != "j" {
				t.Errorf("JobID = %q", job.JobID)
			}
		})
	}
}

func TestParseSubscribeResult(t *testing.T) {
	info, err := parseSubscribeResult(jsonx.RawMessage(`[[["mining.notify","x"]],"abcd",8]`))
	if err != nil {
		t.Fatal(err)
	}
	if info.Extranonce1 != "abcd" || info.Extranonce2Size != 8 {
		t.Errorf("info = %+v", info)
	}
	if _, err := parseSubscribeResult(jsonx.RawMessage(`["abcd"]`)); err == nil {
		t.Error("short result should fail")
	}
}

func TestParseDifficulty(t *testing.T) {
	if d, err := parseDifficulty(jsonx.RawMessage(`[16]`)); err != nil || d != 16 {
		t.Errorf("parseDifficulty = %v, %v", d, err)
	}
	for _, bad := range []string{`[]`, `[0]`, `["x"]`} {
		if _, err := parseDifficulty(jsonx.RawMessage(bad)); err == nil {
			t.Errorf("parseDifficulty(%s) should fail", bad)
		}
	}
}

func TestMessageFailed(t *testing.T) {
	var ok, bad message
	jsonx.Unmarshal([]byte(`{"id":1,"result":true,"error":null}`), &ok)
	jsonx.Unmarshal([]byte(`{"id":1,"result":null,"error":[21,"stale",null]}`), &bad)
	if ok.failed() {
		t.Error("null error should not count as failed")
	}
	if !bad.failed() {
		t.Error("error array should count as failed")
	}
}
