package artifacts

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/maximhar/oh-my-pi/internal/wire"
)

func TestSinkWritesTaskArtifacts(t *testing.T) {
	sink := NewSink(t.TempDir())

	in := sink.WriteInput("b1", "t1", "fix the flaky test")
	if in == "" {
		t.Fatal("input write failed")
	}
	data, err := os.ReadFile(in)
	if err != nil || string(data) != "fix the flaky test" {
		t.Fatalf("input content: %q, %v", data, err)
	}

	out := sink.WriteOutput("b1", "t1", "done")
	if filepath.Dir(out) != filepath.Dir(in) {
		t.Fatalf("input and output in different dirs: %s vs %s", in, out)
	}
}

func TestSinkAppendsEvents(t *testing.T) {
	dir := t.TempDir()
	sink := NewSink(dir)

	sink.AppendEvent("b1", "t1", wire.Event{Type: wire.EventStart})
	sink.AppendEvent("b1", "t1", wire.Event{Type: wire.EventTextDelta, Delta: "hi"})
	sink.CloseTask("b1", "t1")

	f, err := os.Open(filepath.Join(dir, "b1", "t1", "events.jsonl"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var types []wire.EventType
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev wire.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad log line: %v", err)
		}
		types = append(types, ev.Type)
	}
	if len(types) != 2 || types[0] != wire.EventStart || types[1] != wire.EventTextDelta {
		t.Fatalf("logged types: %v", types)
	}
}

func TestSinkFailuresAreNonFatal(t *testing.T) {
	// A file where the base dir should be makes every write fail.
	base := filepath.Join(t.TempDir(), "occupied")
	if err := os.WriteFile(base, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	sink := NewSink(base)

	if path := sink.WriteInput("b1", "t1", "text"); path != "" {
		t.Fatalf("expected empty path on failure, got %q", path)
	}
	sink.AppendEvent("b1", "t1", wire.Event{Type: wire.EventStart})
	sink.CloseTask("b1", "t1")
}
