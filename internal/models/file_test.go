package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStatusHelpers(t *testing.T) {
	assert.True(t, FileStatusCompleted.IsTerminal())
	assert.True(t, FileStatusFailed.IsTerminal())
	assert.True(t, FileStatusSkipped.IsTerminal())
	assert.False(t, FileStatusPending.IsTerminal())
	assert.False(t, FileStatusAssigned.IsTerminal())

	assert.True(t, FileStatusAssigned.IsActive())
	assert.True(t, FileStatusProcessing.IsActive())
	assert.False(t, FileStatusPending.IsActive())
	assert.False(t, FileStatusCompleted.IsActive())
}

func TestHDRKindIsDynamic(t *testing.T) {
	assert.True(t, HDRKindHDR10Plus.IsDynamic())
	assert.True(t, HDRKindDolbyVision.IsDynamic())
	assert.False(t, HDRKindHDR10.IsDynamic())
	assert.False(t, HDRKindNone.IsDynamic())
}

func TestHoldsLease(t *testing.T) {
	token := NewULID()
	f := &FileRecord{Status: FileStatusAssigned, LeaseToken: token}

	assert.True(t, f.HoldsLease(token))
	assert.False(t, f.HoldsLease(NewULID()))

	// Lease on a terminal record never matches
	f.Status = FileStatusCompleted
	assert.False(t, f.HoldsLease(token))

	// Zero token never matches
	f = &FileRecord{Status: FileStatusAssigned}
	assert.False(t, f.HoldsLease(ULID{}))
}

func TestULIDRoundTrip(t *testing.T) {
	u := NewULID()
	assert.False(t, u.IsZero())

	parsed, err := ParseULID(u.String())
	require.NoError(t, err)
	assert.Equal(t, u, parsed)

	_, err = ParseULID("not-a-ulid")
	assert.Error(t, err)
}

func TestULIDJSON(t *testing.T) {
	u := NewULID()

	data, err := json.Marshal(u)
	require.NoError(t, err)
	assert.Equal(t, `"`+u.String()+`"`, string(data))

	var back ULID
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, u, back)

	var zero ULID
	data, err = json.Marshal(zero)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	require.NoError(t, json.Unmarshal([]byte("null"), &back))
	assert.True(t, back.IsZero())
}

func TestULIDScanValue(t *testing.T) {
	u := NewULID()

	v, err := u.Value()
	require.NoError(t, err)
	assert.Equal(t, u.String(), v)

	var scanned ULID
	require.NoError(t, scanned.Scan(u.String()))
	assert.Equal(t, u, scanned)

	require.NoError(t, scanned.Scan(nil))
	assert.True(t, scanned.IsZero())

	assert.Error(t, scanned.Scan(42))
}
