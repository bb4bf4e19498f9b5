package eventlog

import (
	"testing"
	"time"

	"autobuild/pkg/proto"
)

func TestWriteAndReadEvents(t *testing.T) {
	writer, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer func() { _ = writer.Close() }()

	events := []*proto.Event{
		{
			ProjectID: "proj-1",
			Type:      proto.EventProgress,
			Snapshot:  proto.Snapshot{ProjectID: "proj-1", Total: 5, Passing: 2},
			Timestamp: time.Now().UTC(),
		},
		{
			ProjectID: "proj-1",
			Type:      proto.EventTerminal,
			Snapshot:  proto.Snapshot{ProjectID: "proj-1", Total: 5, Passing: 5, PercentComplete: 100},
			Timestamp: time.Now().UTC(),
		},
	}

	for _, event := range events {
		if err := writer.WriteEvent(event); err != nil {
			t.Fatalf("Failed to write event: %v", err)
		}
	}

	path := writer.CurrentLogFile()
	if path == "" {
		t.Fatal("Expected a current log file")
	}

	got, err := ReadEvents(path)
	if err != nil {
		t.Fatalf("Failed to read events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(got))
	}
	if got[0].Type != proto.EventProgress {
		t.Errorf("Expected first event progress, got %s", got[0].Type)
	}
	if got[1].Type != proto.EventTerminal {
		t.Errorf("Expected second event terminal, got %s", got[1].Type)
	}
	if got[1].Snapshot.Passing != 5 {
		t.Errorf("Expected snapshot round-trip, got passing=%d", got[1].Snapshot.Passing)
	}
}

func TestListLogFiles(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer func() { _ = writer.Close() }()

	if err := writer.WriteEvent(&proto.Event{ProjectID: "p", Type: proto.EventProgress}); err != nil {
		t.Fatalf("Failed to write event: %v", err)
	}

	files, err := ListLogFiles(dir)
	if err != nil {
		t.Fatalf("Failed to list log files: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("Expected 1 log file, got %d", len(files))
	}
}
