package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TestNewTimer tests timer creation
func TestNewTimer(t *testing.T) {
	timer := NewTimer()

	if timer == nil {
		t.Fatal("NewTimer() returned nil")
	}

	if timer.Start().IsZero() {
		t.Error("NewTimer() start time is zero")
	}

	if time.Since(timer.Start()) > time.Second {
		t.Error("NewTimer() start time is not recent")
	}
}

// TestTimerElapsed tests elapsed duration measurement
func TestTimerElapsed(t *testing.T) {
	timer := NewTimer()

	time.Sleep(10 * time.Millisecond)

	elapsed := timer.Elapsed()
	if elapsed < 10*time.Millisecond {
		t.Errorf("Timer.Elapsed() = %v, want >= 10ms", elapsed)
	}
}

// TestTimerObserveDuration tests histogram observation
func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_timer_observe_duration_seconds",
		Help: "test histogram",
	})

	timer := NewTimer()
	time.Sleep(time.Millisecond)
	timer.ObserveDuration(histogram)

	if timer.Elapsed() == 0 {
		t.Error("Timer.ObserveDuration() recorded zero duration")
	}
}

// TestTimerObserveDurationVec tests histogram vec observation
func TestTimerObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_timer_observe_duration_vec_seconds",
		Help: "test histogram vec",
	}, []string{"op"})

	timer := NewTimer()
	time.Sleep(time.Millisecond)
	timer.ObserveDurationVec(vec, "schedule")
}
