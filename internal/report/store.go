// Package report loads, saves and validates katprep snapshot reports and
// computes per-host deltas between two reports.
//
// Writers take an advisory lock on a sibling file named <report>.lock. The
// lock file is left in place after the write; removing it while no katprep
// process runs is safe.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"evalgo.org/katprep/internal/validation"
	"evalgo.org/katprep/models"
)

// ErrInvalidReport is returned for reports that fail structural validation.
var ErrInvalidReport = errors.New("invalid report")

// SnapshotPrefix prefixes every snapshot title katprep creates.
const SnapshotPrefix = "katprep_"

// Load reads a report. The root must be a non-empty object and every host
// must parse; otherwise nothing is returned.
func Load(path string) (models.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	return Decode(data)
}

// Decode parses report JSON.
func Decode(data []byte) (models.Report, error) {
	var root interface{}
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	entries, ok := root.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: root must be an object", ErrInvalidReport)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: report contains no hosts", ErrInvalidReport)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}

	report := make(models.Report, len(raw))
	for key, entry := range raw {
		var host models.Host
		if err := json.Unmarshal(entry, &host); err != nil {
			return nil, fmt.Errorf("%w: host %s: %v", ErrInvalidReport, key, err)
		}
		report[key] = &host
	}
	return report, nil
}

// Save writes the report atomically. Concurrent writers are serialized by
// an advisory lock on <path>.lock.
func Save(path string, report models.Report) error {
	return save(path, report, time.Time{})
}

// save writes the report under the lock. A non-zero mtime is applied to the
// new file before it replaces the old one.
func save(path string, report models.Report, mtime time.Time) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock report: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".katprep-report-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close report: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("failed to set report permissions: %w", err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(tmpName, time.Now(), mtime); err != nil {
			return fmt.Errorf("failed to restore report date: %w", err)
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace report: %w", err)
	}
	return nil
}

// Validate checks that path is readable and structurally a report. The
// returned error lists every problem found.
func Validate(path string) (*validation.ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("report %s is not readable: %w", path, err)
	}
	result, err := validation.New().ValidateReport(data)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return result, fmt.Errorf("%w: %s", ErrInvalidReport, result.Error())
	}
	return result, nil
}

// ReportDate is the modification time of the report file.
func ReportDate(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to stat report: %w", err)
	}
	return info.ModTime(), nil
}

// SnapshotTitle returns the snapshot name for a report dated t.
func SnapshotTitle(t time.Time) string {
	return SnapshotPrefix + t.Format("20060102")
}

// Store owns a loaded report and writes every change back to its file.
//
// The file's modification time is kept at its original value so that the
// report date, and with it the snapshot title, stays stable across phases.
type Store struct {
	mu     sync.Mutex
	path   string
	date   time.Time
	report models.Report
}

// Open loads the report at path into a store.
func Open(path string) (*Store, error) {
	report, err := Load(path)
	if err != nil {
		return nil, err
	}
	date, err := ReportDate(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, date: date, report: report}, nil
}

// Path is the report file.
func (s *Store) Path() string { return s.path }

// Date is the report file's modification time at load.
func (s *Store) Date() time.Time { return s.date }

// Report returns the full loaded report, including hosts a filter excludes.
func (s *Store) Report() models.Report { return s.report }

// SetVerification records a verification result for the host under key and
// persists the report.
func (s *Store) SetVerification(key, name string, value models.VerificationValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	host, ok := s.report[key]
	if !ok {
		return fmt.Errorf("host %s is not part of report %s", key, s.path)
	}
	host.SetVerification(name, value)

	return save(s.path, s.report, s.date)
}
