package wire

import (
	"encoding/json"
	"testing"
)

func TestPeekType(t *testing.T) {
	typ, err := PeekType([]byte(`{"type":"relay_request","target":"romana","payload":{"a":1}}`))
	if err != nil {
		t.Fatalf("peek failed: %v", err)
	}
	if typ != TypeRelayRequest {
		t.Fatalf("type = %q, want %q", typ, TypeRelayRequest)
	}
}

func TestPeekTypeRejectsMalformed(t *testing.T) {
	for _, data := range []string{``, `not json`, `{}`, `{"type":""}`, `[1,2]`} {
		if _, err := PeekType([]byte(data)); err == nil {
			t.Errorf("PeekType(%q) accepted a typeless frame", data)
		}
	}
}

func TestRelayAckOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(&RelayAck{Type: TypeRelayAck, Success: true, Reply: json.RawMessage(`1`)})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"type":"relay_ack","success":true,"reply":1}`
	if string(data) != want {
		t.Fatalf("ack = %s, want %s", data, want)
	}
}
