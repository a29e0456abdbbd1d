package timeslice

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var (
	kindA = RegisterKind("a", FlagGuestTime)
	kindB = RegisterKind("b", FlagExitHandling)
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if _, err := StartRecording(&bytes.Buffer{}); err == nil {
		t.Fatal("second StartRecording succeeded")
	}
	Add(kindA, 1, 0, 100*time.Millisecond)
	Add(kindB, 2, 3, 200*time.Millisecond)
	Add(kindA, 1, 1, 50*time.Millisecond)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err == nil {
		t.Fatal("second Close succeeded")
	}

	var got []Record
	if err := ReadAllRecords(bytes.NewReader(buf.Bytes()), func(_ KindInfo, rec Record) error {
		got = append(got, rec)
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	want := []Record{
		{Kind: kindA, VM: 1, VCpu: 0, Duration: int64(100 * time.Millisecond)},
		{Kind: kindB, VM: 2, VCpu: 3, Duration: int64(200 * time.Millisecond)},
		{Kind: kindA, VM: 1, VCpu: 1, Duration: int64(50 * time.Millisecond)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("records (-want +got):\n%s", diff)
	}

	sum, err := Summarize(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	wantSum := []Summary{
		{Name: "a", Flags: FlagGuestTime, Count: 2, Total: 150 * time.Millisecond},
		{Name: "b", Flags: FlagExitHandling, Count: 1, Total: 200 * time.Millisecond},
	}
	if diff := cmp.Diff(wantSum, sum); diff != "" {
		t.Fatalf("summary (-want +got):\n%s", diff)
	}
}

func TestAddWithoutRecording(t *testing.T) {
	if Enabled() {
		t.Fatal("recording enabled without a writer")
	}
	Add(kindA, 0, 0, time.Second)
	NewRecorder(0, 0).Mark(kindB)
}

func TestFlagsString(t *testing.T) {
	if got := (FlagGuestTime | FlagExitHandling).String(); got != "guest,exit" {
		t.Fatalf("String=%q, want %q", got, "guest,exit")
	}
}

func BenchmarkAdd(b *testing.B) {
	var buf bytes.Buffer
	w, err := StartRecording(&buf)
	if err != nil {
		b.Fatalf("StartRecording: %v", err)
	}
	defer w.Close()

	for b.Loop() {
		Add(kindA, 1, 0, time.Millisecond)
	}
}
