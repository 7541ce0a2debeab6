package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestClock_FixedWhenStepZero(t *testing.T) {
	c := NewClock(start, 0)
	assert.Equal(t, start, c.Now())
	assert.Equal(t, start, c.Now())
}

func TestClock_Steps(t *testing.T) {
	c := NewClock(start, time.Second)
	assert.Equal(t, start, c.Now())
	assert.Equal(t, start.Add(time.Second), c.Now())
	assert.Equal(t, start.Add(2*time.Second), c.Peek())
	assert.Equal(t, start.Add(2*time.Second), c.Peek(), "peek does not advance")
}

func TestClock_AdvanceAndReset(t *testing.T) {
	c := NewClock(start, 0)
	c.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), c.Now())

	c.Reset()
	assert.Equal(t, start, c.Now())
}

func TestClock_Concurrent(t *testing.T) {
	c := NewClock(start, time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Now()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, start.Add(1000*time.Millisecond), c.Peek())
}
