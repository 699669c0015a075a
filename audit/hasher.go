package audit

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oarkflow/abac"
)

// Hasher signs audit events with HMAC-SHA256 over their canonical JSON form
type Hasher struct {
	key []byte
}

func NewHasher(key []byte) (*Hasher, error) {
	if len(key) == 0 {
		return nil, errors.New("audit hasher: empty key")
	}
	return &Hasher{key: append([]byte(nil), key...)}, nil
}

// Canonical renders e with sorted keys, a UTC timestamp and no hash field.
// The store-assigned row id never takes part.
func Canonical(e *abac.AuditEvent) ([]byte, error) {
	cp := *e
	cp.Timestamp = cp.Timestamp.UTC()
	cp.Hash = ""
	raw, err := json.Marshal(&cp)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	delete(m, "hash")
	return json.Marshal(m)
}

// Compute returns the hex HMAC of e without modifying it
func (h *Hasher) Compute(e *abac.AuditEvent) (string, error) {
	payload, err := Canonical(e)
	if err != nil {
		return "", fmt.Errorf("canonicalize event %s: %w", e.EventID, err)
	}
	mac := hmac.New(sha256.New, h.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Sign stores the computed hash on e
func (h *Hasher) Sign(e *abac.AuditEvent) error {
	sum, err := h.Compute(e)
	if err != nil {
		return err
	}
	e.Hash = sum
	return nil
}

// Check returns a *abac.TamperDetectedError when the stored hash does not
// match the event contents
func (h *Hasher) Check(e *abac.AuditEvent) error {
	sum, err := h.Compute(e)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(sum), []byte(e.Hash)) {
		return &abac.TamperDetectedError{EventID: e.EventID, Stored: e.Hash, Computed: sum}
	}
	return nil
}

func (h *Hasher) Verify(e *abac.AuditEvent) bool {
	return h.Check(e) == nil
}
