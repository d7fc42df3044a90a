package upload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesUpToCap(t *testing.T) {
	b := NewBackoff(30*time.Second, 5*time.Minute)

	var got []time.Duration
	for range 6 {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		30 * time.Second,
		time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		5 * time.Minute,
		5 * time.Minute,
	}, got)

	b.Reset()
	assert.Equal(t, 30*time.Second, b.Next())
}

func TestBackoffMaxBelowInitial(t *testing.T) {
	b := NewBackoff(time.Minute, time.Second)
	assert.Equal(t, time.Minute, b.Next())
	assert.Equal(t, time.Minute, b.Next())
}
