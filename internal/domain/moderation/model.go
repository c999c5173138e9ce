// Package moderation owns actor block status. Changes are compare-and-set
// in the store, cached in memory, and broadcast to every live connection as
// user_status_updated.
package moderation

import (
	"errors"
	"time"
)

// EventUserStatusUpdated is broadcast on every block status transition.
const EventUserStatusUpdated = "user_status_updated"

var (
	ErrMissingActorID = errors.New("actorId is required")
	ErrBlocked        = errors.New("account is blocked")
)

// StatusUpdate is the payload of user_status_updated.
type StatusUpdate struct {
	UserID    string `json:"userId"`
	IsBlocked bool   `json:"isBlocked"`
}

// Record is the stored block state of an actor. Actors without a record are
// not blocked.
type Record struct {
	ActorID   string    `json:"actorId"`
	Blocked   bool      `json:"blocked"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Change describes a requested transition.
type Change struct {
	ActorID string
	Blocked bool
	Reason  string
	By      string
}
