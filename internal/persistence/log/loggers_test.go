package log

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func TestJSONLZstdWriter_RotatesHourlyAndReadsBack(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w := NewJSONLZstdWriter(dir, "events", func() time.Time { return now })

	if err := w.Write(map[string]int{"n": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Write(map[string]int{"n": 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := w.Write(map[string]int{"n": 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := Files(dir, "events")
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) != 2 || filepath.Base(files[0]) != "events-2026-03-01-10.jsonl.zst" {
		t.Fatalf("files: %v", files)
	}

	var got []int
	for _, f := range files {
		err := ReadLines(f, func(line []byte) error {
			var v struct{ N int }
			if err := json.Unmarshal(line, &v); err != nil {
				return err
			}
			got = append(got, v.N)
			return nil
		})
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("lines: %v", got)
	}
}

func TestJSONLZstdWriter_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	now := func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	for i := 0; i < 2; i++ {
		w := NewJSONLZstdWriter(dir, "events", now)
		if err := w.Write(map[string]int{"n": i}); err != nil {
			t.Fatalf("write: %v", err)
		}
		_ = w.Close()
	}
	files, _ := Files(dir, "events")
	n := 0
	if err := ReadLines(files[0], func([]byte) error { n++; return nil }); err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 2 {
		t.Fatalf("lines across frames: %d", n)
	}
}

func TestEventLogger_WritesAndCountsDrops(t *testing.T) {
	dir := t.TempDir()
	l := NewEventLogger(dir, 8, nil)
	l.Record(Event{At: 1, Kind: EventCorrection, SessionID: "s", Op: "sync", ServerVersion: 3, Warnings: 1,
		Resources: []CorrectedResource{{ID: "iron-ore", Claimed: "1,000", Corrected: "11"}}})
	l.Record(Event{At: 2, Kind: EventReset, SessionID: "s", Op: "sync", ServerVersion: 4})
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	l.Record(Event{Kind: EventConflict})

	st := l.Stats()
	if st.Written != 2 || st.Dropped != 0 || st.QueueCapacity != 8 {
		t.Fatalf("stats: %+v", st)
	}

	files, _ := Files(EventsDir(dir), "events")
	var kinds []string
	for _, f := range files {
		_ = ReadLines(f, func(line []byte) error {
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				return err
			}
			kinds = append(kinds, ev.Kind)
			return nil
		})
	}
	if len(kinds) != 2 || kinds[0] != EventCorrection || kinds[1] != EventReset {
		t.Fatalf("events: %v", kinds)
	}

	full := &EventLogger{ch: make(chan Event, 1)}
	full.Record(Event{})
	full.Record(Event{})
	if full.Stats().Dropped != 1 {
		t.Fatalf("expected one drop, got %+v", full.Stats())
	}
}
