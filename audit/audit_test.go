package audit

import (
	"bytes"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestLogSinkWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(log.New(&buf, "", 0))
	s.Write(Record{
		Timestamp:     time.Now(),
		Event:         EventAuthFailure,
		ClientAddress: "198.51.100.7",
	})
	line := strings.TrimSpace(buf.String())
	line = strings.TrimPrefix(line, "audit ")
	var got map[string]any
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("not a JSON line: %q", buf.String())
	}
	if got["eventType"] != EventAuthFailure || got["clientAddress"] != "198.51.100.7" {
		t.Fatalf("record = %v", got)
	}
}

func TestMemorySinkKeepsNewest(t *testing.T) {
	s := NewMemorySink(3)
	for i := 0; i < 5; i++ {
		s.Write(Record{Event: EventSensitiveOp, RequestID: strconv.Itoa(i)})
	}
	recs := s.Records()
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3", len(recs))
	}
	if recs[0].RequestID != "2" || recs[2].RequestID != "4" {
		t.Fatalf("window = %v..%v, want 2..4", recs[0].RequestID, recs[2].RequestID)
	}
}

func TestTeeFansOut(t *testing.T) {
	a := NewMemorySink(10)
	b := NewMemorySink(10)
	Tee(a, b).Write(Record{Event: EventAuthSuccess})
	if a.Len() != 1 || b.Len() != 1 {
		t.Fatalf("lens = %d/%d, want 1/1", a.Len(), b.Len())
	}
}
