// Package journal persists the exposure record journal across restarts.
// Writes are atomic (temp file plus rename) and bounded by a write budget
// so the acquisition workflow is never stalled by a slow disk.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/acuray/console/lib/errors"
	"github.com/acuray/console/lib/metrics"
)

const (
	// FormatVersion is the current journal file format version.
	FormatVersion = 1
	// FileName is the default journal file name.
	FileName = "exposures.json"
)

// ErrWriteBudget is returned when a save exceeds the write budget.
// Alias to the central definition in lib/errors.
var ErrWriteBudget = apperrors.ErrJournalWriteBudget

// ExposureRecord is one completed exposure with its dose accounting.
type ExposureRecord struct {
	ID          uuid.UUID `json:"id"`
	StudyUID    string    `json:"study_uid"`
	AcquiredAt  time.Time `json:"acquired_at"`
	Kilovoltage float64   `json:"kvp"`
	// MilliampSeconds is the tube charge for the exposure.
	MilliampSeconds float64 `json:"mas"`
	// DoseAreaProduct is the DAP reading in Gy*cm^2.
	DoseAreaProduct float64 `json:"dap"`
	// Archived marks records already transferred to PACS.
	Archived bool `json:"archived"`
}

// journalFile is the on-disk layout.
type journalFile struct {
	Records   []ExposureRecord `json:"records"`
	LastSaved time.Time        `json:"last_saved"`
	Version   int              `json:"version"`
}

// Config configures the journal.
type Config struct {
	// Path is the journal file location.
	Path string
	// SaveInterval is how often dirty state is auto-saved.
	// Default: 30 seconds.
	SaveInterval time.Duration
	// WriteBudget bounds a single save. Default: 1 second.
	WriteBudget time.Duration
}

// Journal stores exposure records and persists them atomically.
type Journal struct {
	mu       sync.RWMutex
	path     string
	interval time.Duration
	budget   time.Duration

	records []ExposureRecord
	dirty   bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a journal backed by the file at cfg.Path.
func New(cfg Config) *Journal {
	interval := cfg.SaveInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	budget := cfg.WriteBudget
	if budget <= 0 {
		budget = time.Second
	}

	return &Journal{
		path:     cfg.Path,
		interval: interval,
		budget:   budget,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Load reads the journal from disk. A missing file is not an error.
func (j *Journal) Load() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading journal: %w", err)
	}

	var file journalFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing journal: %w", err)
	}

	j.records = file.Records
	j.dirty = false
	log.WithField("records", len(j.records)).Debug("journal loaded")
	return nil
}

// Append records a completed exposure and marks the journal dirty.
func (j *Journal) Append(rec ExposureRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if rec.ID == (uuid.UUID{}) {
		rec.ID = uuid.New()
	}
	j.records = append(j.records, rec)
	j.dirty = true
}

// MarkArchived flags a record as transferred to PACS.
// It reports whether the record was found.
func (j *Journal) MarkArchived(id uuid.UUID) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	for i := range j.records {
		if j.records[i].ID == id {
			j.records[i].Archived = true
			j.dirty = true
			return true
		}
	}
	return false
}

// Unarchived returns the records not yet transferred to PACS.
func (j *Journal) Unarchived() []ExposureRecord {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]ExposureRecord, 0)
	for _, r := range j.records {
		if !r.Archived {
			out = append(out, r)
		}
	}
	return out
}

// Records returns a copy of all journal records.
func (j *Journal) Records() []ExposureRecord {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]ExposureRecord, len(j.records))
	copy(out, j.records)
	return out
}

// Len returns the number of records.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.records)
}

// IsDirty reports whether unsaved changes exist.
func (j *Journal) IsDirty() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.dirty
}

// Save writes the journal atomically. The write either fully replaces the
// previous file or leaves it untouched. A save exceeding the write budget
// returns ErrJournalWriteBudget; the data is still on disk in that case,
// the error flags the latency for the operator.
func (j *Journal) Save() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.saveLocked()
}

func (j *Journal) saveLocked() error {
	timer := metrics.NewTimer(metrics.JournalWriteLatency)
	start := time.Now()

	file := journalFile{
		Records:   j.records,
		LastSaved: time.Now(),
		Version:   FormatVersion,
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling journal: %w", err)
	}

	dir := filepath.Dir(j.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating journal directory: %w", err)
	}

	tmpPath := j.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("writing journal: %w", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("committing journal: %w", err)
	}

	j.dirty = false
	metrics.JournalWrites.Inc()
	timer.ObserveDuration()

	if elapsed := time.Since(start); elapsed > j.budget {
		log.WithField("elapsed", elapsed).WithField("budget", j.budget).Warn("journal write over budget")
		return fmt.Errorf("write took %s: %w", elapsed, ErrWriteBudget)
	}
	return nil
}

// Start begins periodic auto-saving of dirty state.
func (j *Journal) Start() {
	go func() {
		defer close(j.doneCh)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-j.stopCh:
				j.saveIfDirty()
				return
			case <-ticker.C:
				j.saveIfDirty()
			}
		}
	}()
}

// Stop halts auto-saving after a final save.
func (j *Journal) Stop() {
	close(j.stopCh)
	<-j.doneCh
}

func (j *Journal) saveIfDirty() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.dirty {
		return
	}
	if err := j.saveLocked(); err != nil {
		log.WithError(err).Error("journal auto-save failed")
	}
}
