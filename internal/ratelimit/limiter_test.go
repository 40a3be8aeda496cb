package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAllowWithinLimit(t *testing.T) {
	m := NewMemory(3)
	defer m.Close()

	ctx := context.Background()
	for want := 2; want >= 0; want-- {
		remaining, err := m.Allow(ctx, "u1:plc1:dp1")
		require.NoError(t, err)
		assert.Equal(t, want, remaining)
	}

	_, err := m.Allow(ctx, "u1:plc1:dp1")
	var rlErr *Error
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, 3, rlErr.Limit)
	assert.Greater(t, rlErr.ResetAfter.Seconds(), 0.0)
}

func TestMemoryKeysIndependent(t *testing.T) {
	m := NewMemory(1)
	defer m.Close()

	ctx := context.Background()
	_, err := m.Allow(ctx, "u1:plc1:dp1")
	require.NoError(t, err)
	_, err = m.Allow(ctx, "u1:plc1:dp1")
	require.Error(t, err)

	// A different datapoint under the same user has its own budget.
	_, err = m.Allow(ctx, "u1:plc1:dp2")
	require.NoError(t, err)
	_, err = m.Allow(ctx, "u2:plc1:dp1")
	require.NoError(t, err)
}

func TestMemoryDefaultLimit(t *testing.T) {
	m := NewMemory(0)
	defer m.Close()

	ctx := context.Background()
	var denied bool
	for i := 0; i < 31; i++ {
		if _, err := m.Allow(ctx, "k"); err != nil {
			var rlErr *Error
			require.True(t, errors.As(err, &rlErr))
			denied = true
		}
	}
	assert.True(t, denied)
}
