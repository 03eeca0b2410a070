package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayDoublesPerAttempt(t *testing.T) {
	base := 60 * time.Second

	assert.Equal(t, 2*time.Minute, Delay(1, base))
	assert.Equal(t, 4*time.Minute, Delay(2, base))
	assert.Equal(t, 8*time.Minute, Delay(3, base))
}

func TestDelayMonotonic(t *testing.T) {
	base := 500 * time.Millisecond
	prev := time.Duration(0)
	for attempts := 0; attempts < 20; attempts++ {
		d := Delay(attempts, base)
		assert.GreaterOrEqual(t, d, prev, "attempts=%d", attempts)
		prev = d
	}
}

func TestDelayCapped(t *testing.T) {
	assert.Equal(t, MaxDelay, Delay(30, time.Minute))
	assert.Equal(t, MaxDelay, Delay(1, 2*time.Hour))
	assert.Equal(t, MaxDelay, Delay(0, time.Hour))
}

func TestDelayZeroBase(t *testing.T) {
	assert.Equal(t, time.Duration(0), Delay(3, 0))
	assert.Equal(t, time.Duration(0), Delay(3, -time.Second))
}
