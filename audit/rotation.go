package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/logger"
)

const (
	DefaultRetention        = 90 * 24 * time.Hour
	DefaultRotationInterval = time.Hour
)

// ArchiveStore is the part of the audit store the rotator needs
type ArchiveStore interface {
	ArchivableDays(ctx context.Context, cutoff time.Time) ([]time.Time, error)
	EventsBetween(ctx context.Context, from, to time.Time) ([]*abac.AuditEvent, error)
	ArchiveDay(ctx context.Context, a *abac.AuditArchive, from, to time.Time, maxID int64) error
}

// Rotator moves audit rows older than the retention period into per-day
// JSONL archive files
type Rotator struct {
	store     ArchiveStore
	dir       string
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    logger.Logger
}

type RotatorOption func(*Rotator)

func WithRetention(d time.Duration) RotatorOption {
	return func(r *Rotator) {
		if d > 0 {
			r.retention = d
		}
	}
}

func WithRotationInterval(d time.Duration) RotatorOption {
	return func(r *Rotator) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithRotatorLogger(l logger.Logger) RotatorOption {
	return func(r *Rotator) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithRotatorClock(now func() time.Time) RotatorOption {
	return func(r *Rotator) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRotator(store ArchiveStore, dir string, opts ...RotatorOption) (*Rotator, error) {
	if store == nil {
		return nil, errors.New("rotator: archive store is required")
	}
	if dir == "" {
		return nil, errors.New("rotator: archive dir is required")
	}
	r := &Rotator{
		store:     store,
		dir:       dir,
		retention: DefaultRetention,
		interval:  DefaultRotationInterval,
		now:       time.Now,
		logger:    logger.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run archives once per interval until ctx ends
func (r *Rotator) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx, r.now()); err != nil {
				r.logger.Error("audit rotation failed", "error", err)
			}
		}
	}
}

// RunOnce archives every UTC day holding rows older than now minus the
// retention period. Days already archived have no rows left and are skipped.
func (r *Rotator) RunOnce(ctx context.Context, now time.Time) ([]*abac.AuditArchive, error) {
	cutoff := now.UTC().Add(-r.retention)
	days, err := r.store.ArchivableDays(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list archivable days: %w", err)
	}
	out := make([]*abac.AuditArchive, 0, len(days))
	for _, day := range days {
		from := day.UTC()
		to := from.Add(24 * time.Hour)
		if to.After(cutoff) {
			to = cutoff
		}
		a, err := r.archiveDay(ctx, from, to)
		if err != nil {
			return out, fmt.Errorf("archive %s: %w", from.Format("2006-01-02"), err)
		}
		if a != nil {
			r.logger.Info("audit day archived", "day", from.Format("2006-01-02"), "records", a.RecordCount, "file", a.FilePath)
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *Rotator) archiveDay(ctx context.Context, from, to time.Time) (*abac.AuditArchive, error) {
	events, err := r.store.EventsBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	var maxID int64
	start, end := events[0].Timestamp, events[0].Timestamp
	for _, e := range events {
		if e.ID > maxID {
			maxID = e.ID
		}
		if e.Timestamp.Before(start) {
			start = e.Timestamp
		}
		if e.Timestamp.After(end) {
			end = e.Timestamp
		}
	}
	name := fmt.Sprintf("audit_logs_%s_%d.jsonl", from.Format("20060102"), events[0].ID)
	path := filepath.Join(r.dir, name)
	size, sum, err := writeArchive(r.dir, path, events)
	if err != nil {
		return nil, err
	}
	a := &abac.AuditArchive{
		ArchiveDate:    from,
		FilePath:       path,
		StartTimestamp: start,
		EndTimestamp:   end,
		RecordCount:    len(events),
		FileSize:       size,
		Hash:           sum,
		CreatedAt:      r.now().UTC(),
	}
	if err := r.store.ArchiveDay(ctx, a, from, to, maxID); err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			r.logger.Error("remove orphaned archive failed", "file", path, "error", rmErr)
		}
		return nil, err
	}
	return a, nil
}

func writeArchive(dir, path string, events []*abac.AuditEvent) (int64, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, "", err
	}
	tmp, err := os.CreateTemp(dir, ".audit-archive-*.tmp")
	if err != nil {
		return 0, "", err
	}
	defer os.Remove(tmp.Name())
	h := sha256.New()
	w := bufio.NewWriter(io.MultiWriter(tmp, h))
	enc := json.NewEncoder(w)
	for _, e := range events {
		if err := enc.Encode(archiveLine{ID: e.ID, AuditEvent: e}); err != nil {
			tmp.Close()
			return 0, "", err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return 0, "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, "", err
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return 0, "", err
	}
	if err := tmp.Close(); err != nil {
		return 0, "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, "", err
	}
	return info.Size(), hex.EncodeToString(h.Sum(nil)), nil
}

// archiveLine keeps the row id next to the event fields
type archiveLine struct {
	ID int64 `json:"id"`
	*abac.AuditEvent
}

// HashFile returns the hex SHA-256 of a file
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyArchive recomputes an archive file hash and compares it with the
// recorded one
func VerifyArchive(path, expected string) error {
	sum, err := HashFile(path)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(sum), []byte(expected)) != 1 {
		return fmt.Errorf("%w: archive %s hash %s, recorded %s", abac.ErrTamperDetected, path, sum, expected)
	}
	return nil
}

// ReadArchive loads the events of an archive file
func ReadArchive(path string) ([]*abac.AuditEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	out := make([]*abac.AuditEvent, 0)
	dec := json.NewDecoder(f)
	for dec.More() {
		line := archiveLine{AuditEvent: &abac.AuditEvent{}}
		if err := dec.Decode(&line); err != nil {
			return nil, fmt.Errorf("decode archive %s: %w", path, err)
		}
		line.AuditEvent.ID = line.ID
		out = append(out, line.AuditEvent)
	}
	return out, nil
}
