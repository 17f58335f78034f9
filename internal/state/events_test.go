package state

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestEvents_AppendAndPage(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 7; i++ {
		if err := s.AppendEvent("run", map[string]any{
			"event": "stage_started",
			"n":     i,
		}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	page, err := s.ReadEvents("run", 0, 3)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(page.Events) != 3 || page.NextSeq != 3 || page.Total != 7 {
		t.Fatalf("page = %d events nextSeq=%d total=%d", len(page.Events), page.NextSeq, page.Total)
	}
	if page.Events[0]["n"] != float64(0) {
		t.Fatalf("first event n = %v", page.Events[0]["n"])
	}

	page, err = s.ReadEvents("run", page.NextSeq, 10)
	if err != nil {
		t.Fatalf("ReadEvents second page: %v", err)
	}
	if len(page.Events) != 4 || page.NextSeq != 7 {
		t.Fatalf("second page = %d events nextSeq=%d", len(page.Events), page.NextSeq)
	}
	if page.Events[0]["n"] != float64(3) {
		t.Fatalf("second page starts at n = %v", page.Events[0]["n"])
	}
}

func TestEvents_EmptyCategory(t *testing.T) {
	s := newStore(t)
	page, err := s.ReadEvents("never-written", 0, 10)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(page.Events) != 0 || page.Total != 0 {
		t.Fatalf("page = %+v", page)
	}
}

func TestEvents_RecordsCarryTimestampAndID(t *testing.T) {
	s := newStore(t)
	if err := s.AppendEvent("run", map[string]any{"event": "run_started"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	page, err := s.ReadEvents("run", 0, 1)
	if err != nil || len(page.Events) != 1 {
		t.Fatalf("ReadEvents: %v (%d events)", err, len(page.Events))
	}
	rec := page.Events[0]
	if rec["ts"] == nil || rec["id"] == nil || rec["event"] != "run_started" {
		t.Fatalf("record = %v", rec)
	}
	id, _ := rec["id"].(string)
	if len(id) != len("ev_")+16 {
		t.Fatalf("id = %q", id)
	}
}

func TestEvents_MalformedLineAdvancesCursor(t *testing.T) {
	s := newStore(t)
	if err := s.AppendEvent("run", map[string]any{"event": "a"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	path := filepath.Join(s.Dir(), "events", "run.ndjson")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fmt.Fprintln(f, "{not json")
	f.Close()
	if err := s.AppendEvent("run", map[string]any{"event": "b"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	page, err := s.ReadEvents("run", 0, 10)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(page.Events) != 2 || page.NextSeq != 3 || page.Total != 3 {
		t.Fatalf("events=%d nextSeq=%d total=%d", len(page.Events), page.NextSeq, page.Total)
	}
}

func TestEvents_LimitClampedToMaxPage(t *testing.T) {
	s := newStore(t)
	if err := s.AppendEvent("run", map[string]any{"event": "x"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if _, err := s.ReadEvents("run", 0, 1<<30); err != nil {
		t.Fatalf("huge limit rejected: %v", err)
	}
}
