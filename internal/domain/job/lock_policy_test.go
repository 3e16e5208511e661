package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLockPolicy(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		policy, err := NewLockPolicy(5*time.Minute, 0)
		require.NoError(t, err)
		assert.Equal(t, 5*time.Minute, policy.Default())
	})

	t.Run("invalid default", func(t *testing.T) {
		policy, err := NewLockPolicy(0, time.Hour)
		require.ErrorIs(t, err, ErrInvalidDefaultLock)
		assert.Nil(t, policy)
	})

	t.Run("max below default is raised", func(t *testing.T) {
		policy, err := NewLockPolicy(time.Minute, time.Second)
		require.NoError(t, err)
		assert.Equal(t, time.Minute, policy.Resolve(time.Hour).Duration)
	})
}

func TestLockPolicy_Resolve(t *testing.T) {
	policy, err := NewLockPolicy(5*time.Minute, 30*time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name    string
		request time.Duration
		want    time.Duration
		source  LockSource
	}{
		{"zero uses default", 0, 5 * time.Minute, LockSourceDefault},
		{"explicit", 10 * time.Minute, 10 * time.Minute, LockSourceExplicit},
		{"sub-second clamps to minimum", 100 * time.Millisecond, MinLockDuration, LockSourceClamped},
		{"negative clamps to minimum", -time.Second, MinLockDuration, LockSourceClamped},
		{"above max clamps to max", time.Hour, 30 * time.Minute, LockSourceClamped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := policy.Resolve(tt.request)
			assert.Equal(t, tt.want, d.Duration)
			assert.Equal(t, tt.source, d.Source)
			assert.Equal(t, tt.request, d.Requested)
		})
	}

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(5*time.Minute), policy.Resolve(0).ExpiresAt(now))
}

func TestLockPolicy_NilIsSafe(t *testing.T) {
	var p *LockPolicy
	assert.Equal(t, time.Duration(0), p.Default())
	assert.Equal(t, MinLockDuration, p.Resolve(time.Hour).Duration)
}
