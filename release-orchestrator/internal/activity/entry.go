// Package activity is the append-only audit trail of every orchestration state change.
// Entries are hash-chained: hash = sha256(canonical(entry) || prevHashBytes).
package activity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/canonical"
)

type EntityType string

const (
	EntityRelease    EntityType = "RELEASE"
	EntityCronJob    EntityType = "CRON_JOB"
	EntityTask       EntityType = "TASK"
	EntityCycle      EntityType = "REGRESSION_CYCLE"
	EntitySlot       EntityType = "REGRESSION_SLOT"
	EntityBuild      EntityType = "BUILD"
	EntitySubmission EntityType = "SUBMISSION"
	EntityApproval   EntityType = "APPROVAL"
)

var ErrNotFound = errors.New("activity entry not found")

// Entry is one persisted activity record.
type Entry struct {
	ID            uuid.UUID       `json:"id"`
	Seq           int64           `json:"seq"`
	ReleaseID     uuid.UUID       `json:"releaseId"`
	EntityType    EntityType      `json:"entityType"`
	EntityID      uuid.UUID       `json:"entityId"`
	Action        string          `json:"action"`
	PreviousValue json.RawMessage `json:"previousValue,omitempty"`
	NewValue      json.RawMessage `json:"newValue,omitempty"`
	Actor         string          `json:"actor"`
	Reason        string          `json:"reason,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	PrevHash      string          `json:"prevHash,omitempty"`
	Hash          string          `json:"hash"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// hashedFields is the part of an Entry covered by its hash. Seq is assigned by the
// database and the hashes themselves are excluded.
type hashedFields struct {
	ID            uuid.UUID       `json:"id"`
	ReleaseID     uuid.UUID       `json:"releaseId"`
	EntityType    EntityType      `json:"entityType"`
	EntityID      uuid.UUID       `json:"entityId"`
	Action        string          `json:"action"`
	PreviousValue json.RawMessage `json:"previousValue"`
	NewValue      json.RawMessage `json:"newValue"`
	Actor         string          `json:"actor"`
	Reason        string          `json:"reason"`
	Metadata      json.RawMessage `json:"metadata"`
	CreatedAt     string          `json:"createdAt"`
}

// ComputeHash returns the hex digest of e chained onto prevHash.
func ComputeHash(e Entry, prevHash string) (string, error) {
	canon, err := canonical.Marshal(hashedFields{
		ID:            e.ID,
		ReleaseID:     e.ReleaseID,
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		Action:        e.Action,
		PreviousValue: e.PreviousValue,
		NewValue:      e.NewValue,
		Actor:         e.Actor,
		Reason:        e.Reason,
		Metadata:      e.Metadata,
		CreatedAt:     e.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	concat := append([]byte(nil), canon...)
	if prevHash != "" {
		prev, err := hex.DecodeString(prevHash)
		if err != nil {
			return "", fmt.Errorf("decode prev hash: %w", err)
		}
		concat = append(concat, prev...)
	}
	sum := sha256.Sum256(concat)
	return hex.EncodeToString(sum[:]), nil
}

// seal fills the chain fields of e. CreatedAt is truncated to the precision Postgres keeps.
func seal(e *Entry, prevHash string, now time.Time) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Microsecond)
	e.PrevHash = prevHash
	h, err := ComputeHash(*e, prevHash)
	if err != nil {
		return err
	}
	e.Hash = h
	return nil
}

type Filter struct {
	ReleaseID  uuid.UUID
	EntityType EntityType
	EntityID   *uuid.UUID
	Limit      int
}

// Store appends and reads activity entries.
type Store interface {
	// Append links e to the current chain head and persists it.
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, filter Filter) ([]Entry, error)
	// Walk calls fn for every entry in chain order.
	Walk(ctx context.Context, fn func(Entry) error) error
}
