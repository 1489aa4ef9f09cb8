// Package snapshot persists the materialized session document and its
// authoritative language outside the peer-to-peer channel.
package snapshot

import (
	"context"
	"errors"
)

var (
	// ErrSessionClosed means the session is completed or the caller may no longer access it.
	ErrSessionClosed = errors.New("snapshot: session closed")
	// ErrNotFound means no session exists with the requested id.
	ErrNotFound = errors.New("snapshot: session not found")
)

const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Session is the durable view of one collaborative session.
type Session struct {
	ID              string `json:"id" db:"id"`
	CurrentCode     string `json:"currentCode" db:"current_code"`
	CurrentLanguage string `json:"currentLanguage" db:"current_language"`
	Status          string `json:"status" db:"status"`
	UpdatedAt       int64  `json:"updatedAt" db:"updated_at"`
}

// CheckOpen returns ErrSessionClosed for a completed session.
func CheckOpen(s Session) error {
	if s.Status == StatusCompleted {
		return ErrSessionClosed
	}
	return nil
}

// Patch is a partial snapshot update. Nil fields are left untouched.
type Patch struct {
	Code     *string `json:"code,omitempty"`
	Language *string `json:"language,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Code == nil && p.Language == nil
}

// Store reads and writes session snapshots.
type Store interface {
	Fetch(ctx context.Context, id string) (Session, error)
	Save(ctx context.Context, id string, patch Patch) error
}

// Service is a Store that can also create and complete sessions.
type Service interface {
	Store
	Create(ctx context.Context, s Session) (Session, error)
	Complete(ctx context.Context, id string) error
}
