package domain

import (
	"time"

	"github.com/google/uuid"
)

// VersionRow is one historical slice of an entity's state: authoritative for
// the half-open window [ValidFrom, ValidTo). ValidTo is nil exactly when the
// row is the entity's current version. Rows are immutable once closed except
// for the metadata update that closes them; the engine never deletes them.
type VersionRow struct {
	SurrogateKey uuid.UUID      `json:"surrogate_key"`
	BusinessKey  string         `json:"business_key"`
	Tracked      map[string]any `json:"tracked_attributes"`
	Overwritten  map[string]any `json:"overwritten_attributes"`
	ValidFrom    time.Time      `json:"valid_from"`
	ValidTo      *time.Time     `json:"valid_to,omitempty"`
	IsCurrent    bool           `json:"is_current"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// NewVersionRow creates an open version with a fresh surrogate key. The
// surrogate key is generated exactly once, at insertion planning; it is never
// mutated or reused.
func NewVersionRow(businessKey string, tracked, overwritten map[string]any, validFrom, createdAt time.Time) VersionRow {
	return VersionRow{
		SurrogateKey: uuid.New(),
		BusinessKey:  businessKey,
		Tracked:      cloneAttributes(tracked),
		Overwritten:  cloneAttributes(overwritten),
		ValidFrom:    validFrom,
		ValidTo:      nil,
		IsCurrent:    true,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

// Covers reports whether t falls inside the row's validity window.
func (v VersionRow) Covers(t time.Time) bool {
	if t.Before(v.ValidFrom) {
		return false
	}
	if v.ValidTo == nil {
		return true
	}
	return t.Before(*v.ValidTo)
}

// Attributes returns the merged tracked and overwritten values as one map.
func (v VersionRow) Attributes() map[string]any {
	out := make(map[string]any, len(v.Tracked)+len(v.Overwritten))
	for key, value := range v.Tracked {
		out[key] = value
	}
	for key, value := range v.Overwritten {
		out[key] = value
	}
	return out
}

// WithClosed returns a copy of the row closed at validTo.
func (v VersionRow) WithClosed(validTo, updatedAt time.Time) VersionRow {
	closed := v
	closed.Tracked = cloneAttributes(v.Tracked)
	closed.Overwritten = cloneAttributes(v.Overwritten)
	closed.ValidTo = &validTo
	closed.IsCurrent = false
	closed.UpdatedAt = updatedAt
	return closed
}

// WithOverwritten returns a copy of the row with replaced overwritten values.
// The validity window and current flag are untouched: overwrites are not
// versioned.
func (v VersionRow) WithOverwritten(overwritten map[string]any, updatedAt time.Time) VersionRow {
	updated := v
	updated.Tracked = cloneAttributes(v.Tracked)
	updated.Overwritten = cloneAttributes(overwritten)
	updated.UpdatedAt = updatedAt
	return updated
}
