package state

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
)

// MaxEventPage bounds one page of the event log.
const MaxEventPage = 500

// EventPage is one window into a category's append-only log. NextSeq is the
// cursor for the following page; Total is the current line count.
type EventPage struct {
	Events  []map[string]any `json:"events"`
	NextSeq int              `json:"nextSeq"`
	Total   int              `json:"totalLines"`
}

// AppendEvent appends one record to a category's ndjson log. The record gets
// a UTC timestamp and a content-derived id; fields must carry an "event" key
// naming the event type.
func (s *Store) AppendEvent(category string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		rec[k] = v
	}
	if _, ok := rec["event"]; !ok {
		rec["event"] = "unknown"
	}
	rec["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	rec["id"] = eventID(category, rec)

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("state: marshal event: %w", err)
	}
	path := filepath.Join(s.dir, "events", sanitizeName(category)+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

// ReadEvents pages through a category's log. afterSeq is the 0-based count
// of lines the caller has already consumed; limit is clamped to MaxEventPage.
func (s *Store) ReadEvents(category string, afterSeq, limit int) (EventPage, error) {
	if afterSeq < 0 {
		afterSeq = 0
	}
	if limit <= 0 || limit > MaxEventPage {
		limit = MaxEventPage
	}
	page := EventPage{Events: []map[string]any{}, NextSeq: afterSeq}

	path := filepath.Join(s.dir, "events", sanitizeName(category)+".ndjson")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return page, nil
		}
		return page, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if lineNo >= afterSeq && len(page.Events) < limit {
			// Malformed lines still advance the cursor so a follower can
			// never wedge on them.
			page.NextSeq = lineNo + 1
			var rec map[string]any
			if err := json.Unmarshal(line, &rec); err == nil {
				page.Events = append(page.Events, rec)
			}
		}
		lineNo++
	}
	if err := sc.Err(); err != nil {
		return page, err
	}
	page.Total = lineNo
	return page, nil
}

// eventID derives a short stable id from the record content.
func eventID(category string, rec map[string]any) string {
	h := blake3.New()
	h.Write([]byte(category))
	if b, err := json.Marshal(rec); err == nil {
		h.Write(b)
	}
	sum := h.Sum(nil)
	return "ev_" + hex.EncodeToString(sum[:8])
}
