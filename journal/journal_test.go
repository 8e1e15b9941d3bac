package journal

import (
	"path/filepath"
	"testing"
)

func TestJournalRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	first, err := Open(path, "run1")
	if err != nil {
		t.Fatal(err)
	}
	if run, err := first.LatestRun(); err != nil || run != "" {
		t.Errorf("empty journal LatestRun = %q, %v", run, err)
	}
	first.Record(ActionStore, "P000001SL6", "/a", 10, 1.5)
	first.Record(ActionSkip, "P000001SL6", "/b", 20, 2.5)
	first.Close()

	second, err := Open(path, "run2")
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	second.Record(ActionStore, "P000002SL6", "/a", 11, 3)
	second.Record(ActionStore, "P000002SL6", "/c", 1, 3)
	second.Record(ActionTomb, "P000002SL6", "/b", 0, 4)

	run, err := second.LatestRun()
	if err != nil || run != "run2" {
		t.Fatalf("LatestRun = %q, %v", run, err)
	}
	counts, err := second.Counts("run2")
	if err != nil {
		t.Fatal(err)
	}
	if counts[ActionStore] != 2 || counts[ActionTomb] != 1 || counts[ActionSkip] != 0 {
		t.Errorf("counts = %v", counts)
	}

	events, err := second.Events("run1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Path != "/a" || events[1].Action != ActionSkip || events[1].Mtime != 2.5 {
		t.Errorf("run1 events = %+v", events)
	}
}
