package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSequenceReusesLastStep(t *testing.T) {
	seq := Sequence{5 * time.Second, 10 * time.Second, 30 * time.Second}
	var got []time.Duration
	for attempt := 0; attempt < 5; attempt++ {
		got = append(got, seq.Delay(attempt))
	}
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second}, got)
	assert.Zero(t, Sequence(nil).Delay(3))
}

func TestPolicyBackOff(t *testing.T) {
	b := Policy{Steps: Sequence{5 * time.Second, 10 * time.Second, 30 * time.Second}, MaxAttempts: 6}.BackOff()
	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second}, got)
	b.Reset()
	assert.Equal(t, 5*time.Second, b.NextBackOff())

	unlimited := Policy{Steps: Sequence{time.Second}, MaxAttempts: -1, Every: 5 * time.Minute}.BackOff()
	assert.Equal(t, 5*time.Minute, unlimited.NextBackOff())
	assert.Equal(t, 5*time.Minute, unlimited.NextBackOff())
}
