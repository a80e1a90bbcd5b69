package amqp

import (
	"errors"
	"testing"
)

func TestErrUnmarshalIsPermanent(t *testing.T) {
	base := errors.New("unexpected end of JSON input")
	err := errUnmarshal{base}

	if _, permanent := any(err).(errUnmarshal); !permanent {
		t.Fatalf("errUnmarshal must be detectable by type assertion")
	}
	if err.Error() != base.Error() {
		t.Fatalf("errUnmarshal must preserve the cause, got %q", err.Error())
	}

	// An ordinary handler error is transient and must requeue.
	transient := errors.New("store unavailable")
	if _, permanent := any(transient).(errUnmarshal); permanent {
		t.Fatalf("plain errors must not be treated as permanent")
	}
}

func TestExportMessageRoundTrip(t *testing.T) {
	msg := NewExportMessage(3, 17)
	body, err := msg.ToJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := ExportMessageFromJSON(body)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.GroupID != 3 || got.TxID != 17 {
		t.Fatalf("round trip lost keys: %+v", got)
	}

	if _, err := ExportMessageFromJSON([]byte("{not json")); err == nil {
		t.Fatalf("expected error for malformed body")
	}
}
