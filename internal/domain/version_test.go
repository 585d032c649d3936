package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVersionRowIsOpenAndCloned(t *testing.T) {
	validFrom := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	tracked := map[string]any{"card_type": "gold"}
	row := NewVersionRow("C-1", tracked, map[string]any{"email": "a@example.com"}, validFrom, validFrom)

	require.True(t, row.IsCurrent)
	require.Nil(t, row.ValidTo)
	assert.Equal(t, "C-1", row.BusinessKey)
	assert.NotEqual(t, uuid.Nil, row.SurrogateKey)
	assert.Equal(t, validFrom, row.ValidFrom)

	tracked["card_type"] = "silver"
	assert.Equal(t, "gold", row.Tracked["card_type"], "caller map mutation must not leak into the row")

	other := NewVersionRow("C-1", nil, nil, validFrom, validFrom)
	assert.NotEqual(t, row.SurrogateKey, other.SurrogateKey, "every insertion gets a fresh surrogate key")
}

func TestVersionRowCoversHalfOpenWindow(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)

	open := VersionRow{ValidFrom: from}
	assert.False(t, open.Covers(from.Add(-time.Second)))
	assert.True(t, open.Covers(from), "valid_from belongs to the window")
	assert.True(t, open.Covers(from.Add(240*time.Hour)), "open windows have no upper bound")

	closed := open.WithClosed(to, to)
	assert.True(t, closed.Covers(to.Add(-time.Nanosecond)))
	assert.False(t, closed.Covers(to), "valid_to belongs to the successor")
}

func TestWithClosedLeavesOriginalUntouched(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	row := NewVersionRow("C-1", map[string]any{"card_type": "gold"}, nil, from, from)

	closedAt := from.Add(time.Hour)
	closed := row.WithClosed(closedAt, closedAt)

	require.NotNil(t, closed.ValidTo)
	assert.True(t, closed.ValidTo.Equal(closedAt))
	assert.False(t, closed.IsCurrent)
	assert.Equal(t, closedAt, closed.UpdatedAt)

	assert.True(t, row.IsCurrent)
	assert.Nil(t, row.ValidTo)

	closed.Tracked["card_type"] = "silver"
	assert.Equal(t, "gold", row.Tracked["card_type"], "copies never share attribute maps")
}

func TestWithOverwrittenKeepsWindow(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	later := from.Add(time.Hour)
	row := NewVersionRow("C-1", map[string]any{"card_type": "gold"}, map[string]any{"email": "old@example.com"}, from, from)

	updated := row.WithOverwritten(map[string]any{"email": "new@example.com"}, later)

	assert.Equal(t, row.ValidFrom, updated.ValidFrom)
	assert.Nil(t, updated.ValidTo)
	assert.True(t, updated.IsCurrent)
	assert.Equal(t, "new@example.com", updated.Overwritten["email"])
	assert.Equal(t, "gold", updated.Tracked["card_type"])
	assert.Equal(t, later, updated.UpdatedAt)

	assert.Equal(t, "old@example.com", row.Overwritten["email"])
}

func TestVersionRowAttributesMergesCopies(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	row := NewVersionRow("C-1", map[string]any{"card_type": "gold"}, map[string]any{"email": "a@example.com"}, from, from)

	merged := row.Attributes()
	assert.Equal(t, map[string]any{"card_type": "gold", "email": "a@example.com"}, merged)

	merged["card_type"] = "silver"
	assert.Equal(t, "gold", row.Tracked["card_type"], "merged view is a copy")
}

func TestOperationBatchKeysFirstSeenOrder(t *testing.T) {
	batch := OperationBatch{Operations: []Operation{
		{BusinessKey: "C-2"},
		{BusinessKey: "C-1"},
		{BusinessKey: "C-2"},
		{BusinessKey: "C-3"},
	}}
	assert.Equal(t, []string{"C-2", "C-1", "C-3"}, batch.Keys())
	assert.Empty(t, OperationBatch{}.Keys())
}
