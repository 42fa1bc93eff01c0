package sessionrouter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowsUpToLimitThenBlocks(t *testing.T) {
	l := NewLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		allowed, remaining, _ := l.Allow("user-1")
		require.True(t, allowed, "request %d should be allowed", i)
		assert.Equal(t, 2-i, remaining)
	}

	allowed, remaining, _ := l.Allow("user-1")
	assert.False(t, allowed)
	assert.Equal(t, 0, remaining)
}

func TestLimiter_TracksUsersIndependently(t *testing.T) {
	l := NewLimiter(1, time.Minute)

	allowed1, _, _ := l.Allow("user-1")
	allowed2, _, _ := l.Allow("user-2")

	assert.True(t, allowed1)
	assert.True(t, allowed2)
}

func TestLimiter_ResetsAfterWindowElapses(t *testing.T) {
	l := NewLimiter(1, 10*time.Millisecond)

	allowed, _, _ := l.Allow("user-1")
	require.True(t, allowed)

	blocked, _, _ := l.Allow("user-1")
	require.False(t, blocked)

	time.Sleep(20 * time.Millisecond)

	allowed, _, _ = l.Allow("user-1")
	assert.True(t, allowed)
}
