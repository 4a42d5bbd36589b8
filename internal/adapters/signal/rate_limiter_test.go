package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, 30*time.Millisecond)
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "peers are limited independently")

	time.Sleep(40 * time.Millisecond)
	assert.True(t, rl.Allow("a"))
}

func TestRateLimiterForgetAndDisabled(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	rl.Forget("a")
	assert.True(t, rl.Allow("a"))

	var none *RateLimiter
	assert.True(t, none.Allow("a"))
	none.Forget("a")
	assert.True(t, NewRateLimiter(0, time.Second).Allow("a"))
}
