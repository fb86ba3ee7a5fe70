package jsonx

import "testing"

func TestUnmarshalNumbersKeepsPrecision(t *testing.T) {
	var m map[string]any
	if err := UnmarshalNumbers([]byte(`{"nonce":18446744073709551615,"job":1}`), &m); err != nil {
		t.Fatalf("UnmarshalNumbers: %v", err)
	}
	n, ok := m["nonce"].(Number)
	if !ok {
		t.Fatalf("nonce decoded as %T, want Number", m["nonce"])
	}
	if n.String() != "18446744073709551615" {
		t.Errorf("nonce = %s, want 18446744073709551615", n)
	}

	out, err := Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != `{"job":1,"nonce":18446744073709551615}` {
		t.Errorf("Marshal = %s", out)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	var v struct{ A int }
	if err := Unmarshal([]byte(`{"A":`), &v); err == nil {
		t.Fatal("expected error for truncated input")
	}
}
