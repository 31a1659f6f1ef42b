package core

import (
	"fmt"
	"time"
)

// EntityType is what a block applies to
type EntityType string

const (
	EntityIP   EntityType = "ip"
	EntityUser EntityType = "user"
)

// ParseEntityType validates an entity type
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(s) {
	case EntityIP, EntityUser:
		return EntityType(s), nil
	default:
		return "", fmt.Errorf("unknown entity type %q", s)
	}
}

// BlockedEntity is a block list entry. A nil Duration means permanent.
// Expiry is evaluated whenever the entry is read.
type BlockedEntity struct {
	Type       EntityType     `json:"type"`
	Identifier string         `json:"identifier"`
	BlockedAt  time.Time      `json:"blocked_at"`
	Duration   *time.Duration `json:"duration,omitempty"`
	Reason     string         `json:"reason"`
}

// Permanent reports whether the block never expires
func (b BlockedEntity) Permanent() bool {
	return b.Duration == nil
}

// ExpiresAt returns the expiry instant; ok is false for permanent blocks
func (b BlockedEntity) ExpiresAt() (t time.Time, ok bool) {
	if b.Duration == nil {
		return time.Time{}, false
	}
	return b.BlockedAt.Add(*b.Duration), true
}

// Active reports whether the block is in force at now. A temporary block
// still holds at exactly blocked_at + duration and lapses after it.
func (b BlockedEntity) Active(now time.Time) bool {
	exp, ok := b.ExpiresAt()
	if !ok {
		return true
	}
	return !now.After(exp)
}

// Key identifies the entry in block list maps
func (b BlockedEntity) Key() string {
	return BlockKey(b.Type, b.Identifier)
}

// BlockKey builds the map key for an entity
func BlockKey(t EntityType, id string) string {
	return string(t) + ":" + id
}
