package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(MessagesSubmitted.WithLabelValues("text"))
	MessagesSubmitted.WithLabelValues("text").Inc()
	if got := testutil.ToFloat64(MessagesSubmitted.WithLabelValues("text")); got != before+1 {
		t.Errorf("MessagesSubmitted = %v, want %v", got, before+1)
	}
}

func TestObserveSubmit(t *testing.T) {
	ObserveSubmit(time.Now().Add(-10 * time.Millisecond))
	if n := testutil.CollectAndCount(SubmitDuration); n != 1 {
		t.Errorf("CollectAndCount = %d, want 1", n)
	}
}
