package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMonotonicClock(t *testing.T) {
	frozen := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := &monotonicClock{now: func() time.Time { return frozen }}

	a := clock.next()
	b := clock.next()
	c := clock.next()

	assert.Equal(t, frozen, a)
	assert.True(t, b.After(a))
	assert.True(t, c.After(b))
	assert.Equal(t, time.Microsecond, c.Sub(b))
}
