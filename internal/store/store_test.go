package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	s1.Close()

	// Reopening applies the schema again without error.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s2.Close()
}

func TestCreateRecording_DuplicateName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateRecording(ctx, "run-1", 1); err != nil {
		t.Fatalf("CreateRecording() failed: %v", err)
	}
	if err := s.CreateRecording(ctx, "run-1", 1); err == nil {
		t.Error("duplicate recording name should fail")
	}
}

func TestRecordingExists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exists, err := s.RecordingExists(ctx, "run-1")
	if err != nil {
		t.Fatalf("RecordingExists() failed: %v", err)
	}
	if exists {
		t.Error("recording should not exist yet")
	}

	if err := s.CreateRecording(ctx, "run-1", 1); err != nil {
		t.Fatalf("CreateRecording() failed: %v", err)
	}
	exists, err = s.RecordingExists(ctx, "run-1")
	if err != nil {
		t.Fatalf("RecordingExists() failed: %v", err)
	}
	if !exists {
		t.Error("recording should exist")
	}
}

func TestAppendEvent_OrderedBySeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateRecording(ctx, "run-1", 1); err != nil {
		t.Fatalf("CreateRecording() failed: %v", err)
	}

	// Appended out of order; read back sorted by seq.
	for _, seq := range []int64{2, 1, 3} {
		ev := CoreEvent{Seq: seq, Type: EventTimerTick, SimTime: seq - 1}
		if err := s.AppendEvent(ctx, "run-1", ev); err != nil {
			t.Fatalf("AppendEvent(seq=%d) failed: %v", seq, err)
		}
	}

	events, err := s.Events(ctx, "run-1")
	if err != nil {
		t.Fatalf("Events() failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Errorf("events[%d].Seq = %d, want %d", i, ev.Seq, i+1)
		}
	}
}

func TestAppendEvent_IdempotentPerSeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateRecording(ctx, "run-1", 1); err != nil {
		t.Fatalf("CreateRecording() failed: %v", err)
	}

	first := CoreEvent{Seq: 1, Type: EventTimerTick, SimTime: 0}
	dup := CoreEvent{Seq: 1, Type: EventManualInput, SimTime: 9}
	if err := s.AppendEvent(ctx, "run-1", first); err != nil {
		t.Fatalf("AppendEvent() failed: %v", err)
	}
	if err := s.AppendEvent(ctx, "run-1", dup); err != nil {
		t.Fatalf("duplicate AppendEvent() failed: %v", err)
	}

	events, err := s.Events(ctx, "run-1")
	if err != nil {
		t.Fatalf("Events() failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Type != EventTimerTick {
		t.Errorf("duplicate seq overwrote original event: got %s", events[0].Type)
	}
}

func TestAppendEvent_PayloadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateRecording(ctx, "run-1", 1); err != nil {
		t.Fatalf("CreateRecording() failed: %v", err)
	}

	payload := json.RawMessage(`{"node_id":"q1","value":7}`)
	ev := CoreEvent{Seq: 1, Type: EventManualInput, SimTime: 3, Payload: payload}
	if err := s.AppendEvent(ctx, "run-1", ev); err != nil {
		t.Fatalf("AppendEvent() failed: %v", err)
	}

	events, err := s.Events(ctx, "run-1")
	if err != nil {
		t.Fatalf("Events() failed: %v", err)
	}
	if string(events[0].Payload) != string(payload) {
		t.Errorf("payload = %s, want %s", events[0].Payload, payload)
	}
}

func TestSnapshots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateRecording(ctx, "run-1", 1); err != nil {
		t.Fatalf("CreateRecording() failed: %v", err)
	}

	for _, snap := range []Snapshot{
		{Seq: 10, SimTime: 5, Description: "early", State: json.RawMessage(`{"t":5}`)},
		{Seq: 20, SimTime: 12, Description: "late", State: json.RawMessage(`{"t":12}`)},
	} {
		if err := s.AppendSnapshot(ctx, "run-1", snap); err != nil {
			t.Fatalf("AppendSnapshot(seq=%d) failed: %v", snap.Seq, err)
		}
	}

	got, err := s.SnapshotAtOrBefore(ctx, "run-1", 11)
	if err != nil {
		t.Fatalf("SnapshotAtOrBefore() failed: %v", err)
	}
	if got == nil || got.Seq != 10 {
		t.Errorf("SnapshotAtOrBefore(11) = %+v, want seq 10", got)
	}

	got, err = s.SnapshotAtOrBefore(ctx, "run-1", 4)
	if err != nil {
		t.Fatalf("SnapshotAtOrBefore() failed: %v", err)
	}
	if got != nil {
		t.Errorf("SnapshotAtOrBefore(4) = %+v, want nil", got)
	}

	got, err = s.LatestSnapshot(ctx, "run-1")
	if err != nil {
		t.Fatalf("LatestSnapshot() failed: %v", err)
	}
	if got == nil || got.Description != "late" {
		t.Errorf("LatestSnapshot() = %+v, want the seq-20 snapshot", got)
	}
}

func TestSnapshots_UpsertOnSeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateRecording(ctx, "run-1", 1); err != nil {
		t.Fatalf("CreateRecording() failed: %v", err)
	}

	first := Snapshot{Seq: 10, SimTime: 5, Description: "v1", State: json.RawMessage(`{}`)}
	second := Snapshot{Seq: 10, SimTime: 6, Description: "v2", State: json.RawMessage(`{}`)}
	if err := s.AppendSnapshot(ctx, "run-1", first); err != nil {
		t.Fatalf("AppendSnapshot() failed: %v", err)
	}
	if err := s.AppendSnapshot(ctx, "run-1", second); err != nil {
		t.Fatalf("second AppendSnapshot() failed: %v", err)
	}

	got, err := s.LatestSnapshot(ctx, "run-1")
	if err != nil {
		t.Fatalf("LatestSnapshot() failed: %v", err)
	}
	if got.Description != "v2" || got.SimTime != 6 {
		t.Errorf("upsert did not replace snapshot: %+v", got)
	}
}

func TestEvents_EmptyRecording(t *testing.T) {
	s := openTestStore(t)

	events, err := s.Events(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Events() failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events for unknown recording, want 0", len(events))
	}
}
