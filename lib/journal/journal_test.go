package journal

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func tempJournal(t *testing.T) *Journal {
	t.Helper()
	return New(Config{
		Path:         filepath.Join(t.TempDir(), FileName),
		SaveInterval: 10 * time.Millisecond,
	})
}

func TestJournalAppendAndSave(t *testing.T) {
	j := tempJournal(t)

	j.Append(ExposureRecord{
		StudyUID:        "1.2.840.10008.1",
		AcquiredAt:      time.Now(),
		Kilovoltage:     70,
		MilliampSeconds: 2.5,
		DoseAreaProduct: 0.12,
	})

	if !j.IsDirty() {
		t.Error("append should mark the journal dirty")
	}
	if err := j.Save(); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if j.IsDirty() {
		t.Error("save should clear the dirty flag")
	}
	if j.Len() != 1 {
		t.Errorf("expected 1 record, got %d", j.Len())
	}
}

func TestJournalRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	j := New(Config{Path: path})
	rec := ExposureRecord{
		ID:              uuid.New(),
		StudyUID:        "1.2.840.10008.2",
		AcquiredAt:      time.Now().UTC(),
		Kilovoltage:     81,
		MilliampSeconds: 4,
		DoseAreaProduct: 0.31,
	}
	j.Append(rec)
	if err := j.Save(); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	reloaded := New(Config{Path: path})
	if err := reloaded.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	records := reloaded.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 record after reload, got %d", len(records))
	}
	if records[0].ID != rec.ID || records[0].StudyUID != rec.StudyUID {
		t.Errorf("record did not survive the round trip: %+v", records[0])
	}
	if records[0].DoseAreaProduct != rec.DoseAreaProduct {
		t.Errorf("dose lost in round trip: %v", records[0].DoseAreaProduct)
	}
}

func TestJournalLoadMissingFile(t *testing.T) {
	j := New(Config{Path: filepath.Join(t.TempDir(), "missing.json")})
	if err := j.Load(); err != nil {
		t.Errorf("missing file should not be an error, got %v", err)
	}
	if j.Len() != 0 {
		t.Errorf("expected empty journal, got %d records", j.Len())
	}
}

func TestJournalLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	j := New(Config{Path: path})
	if err := j.Load(); err == nil {
		t.Error("expected an error loading a corrupt journal")
	}
}

func TestJournalAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	j := New(Config{Path: path})
	j.Append(ExposureRecord{StudyUID: "1.2.3"})
	if err := j.Save(); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// No temp file left behind, and the file is complete JSON.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after save")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading saved journal: %v", err)
	}
	var file journalFile
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("saved journal is not valid JSON: %v", err)
	}
	if file.Version != FormatVersion {
		t.Errorf("unexpected format version %d", file.Version)
	}
}

func TestJournalMarkArchived(t *testing.T) {
	j := tempJournal(t)

	id := uuid.New()
	j.Append(ExposureRecord{ID: id, StudyUID: "1.2.3"})
	j.Append(ExposureRecord{StudyUID: "4.5.6"})
	j.Save()

	if !j.MarkArchived(id) {
		t.Fatal("expected to find the record")
	}
	if j.MarkArchived(uuid.New()) {
		t.Error("unknown id should not be archived")
	}
	if !j.IsDirty() {
		t.Error("archiving should mark the journal dirty")
	}

	un := j.Unarchived()
	if len(un) != 1 || un[0].StudyUID != "4.5.6" {
		t.Errorf("unexpected unarchived set: %+v", un)
	}
}

func TestJournalAssignsID(t *testing.T) {
	j := tempJournal(t)
	j.Append(ExposureRecord{StudyUID: "1.2.3"})

	if j.Records()[0].ID == (uuid.UUID{}) {
		t.Error("append should assign an id when none is set")
	}
}

func TestJournalWriteBudget(t *testing.T) {
	j := New(Config{
		Path: filepath.Join(t.TempDir(), FileName),
		// Impossible budget: every write overruns.
		WriteBudget: time.Nanosecond,
	})
	j.Append(ExposureRecord{StudyUID: "1.2.3"})

	err := j.Save()
	if err == nil {
		t.Fatal("expected a write budget error")
	}
	if !errors.Is(err, ErrWriteBudget) {
		t.Errorf("expected write budget error, got %v", err)
	}

	// The data must still have been committed.
	if j.IsDirty() {
		t.Error("overrunning the budget must not lose the write")
	}
}

func TestJournalAutoSave(t *testing.T) {
	j := tempJournal(t)
	j.Start()
	defer j.Stop()

	j.Append(ExposureRecord{StudyUID: "1.2.3"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !j.IsDirty() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("auto-save never ran")
}

func TestJournalStopSaves(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	j := New(Config{Path: path, SaveInterval: time.Hour})
	j.Start()

	j.Append(ExposureRecord{StudyUID: "1.2.3"})
	j.Stop()

	reloaded := New(Config{Path: path})
	if err := reloaded.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if reloaded.Len() != 1 {
		t.Errorf("final save on stop missing: %d records", reloaded.Len())
	}
}
