package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oarkflow/abac"
)

// DeadLetterSink receives batches that could not be persisted after all retries
type DeadLetterSink interface {
	Write(ctx context.Context, events []*abac.AuditEvent, cause error) error
}

// DeadLetterRecord is one line of a dead-letter file
type DeadLetterRecord struct {
	Event          *abac.AuditEvent `json:"event"`
	Error          string           `json:"error"`
	DeadLetteredAt time.Time        `json:"dead_lettered_at"`
}

// FileDeadLetter appends records as JSON lines to a file
type FileDeadLetter struct {
	path string
	mu   sync.Mutex
}

func NewFileDeadLetter(path string) (*FileDeadLetter, error) {
	if path == "" {
		return nil, fmt.Errorf("dead letter: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileDeadLetter{path: path}, nil
}

func (d *FileDeadLetter) Path() string { return d.path }

func (d *FileDeadLetter) Write(ctx context.Context, events []*abac.AuditEvent, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := time.Now().UTC()
	for _, e := range events {
		if err := enc.Encode(DeadLetterRecord{Event: e, Error: msg, DeadLetteredAt: now}); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadDeadLetters loads every record from a dead-letter file for replay
func ReadDeadLetters(path string) ([]DeadLetterRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	out := make([]DeadLetterRecord, 0)
	dec := json.NewDecoder(f)
	for dec.More() {
		var rec DeadLetterRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", path, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
