package downsell

import (
	"testing"
)

func TestNewWorkerDefaultsLogger(t *testing.T) {
	w := New(nil, nil, nil)
	if w.logger == nil {
		t.Fatal("expected New to default the logger when nil is passed")
	}
}

func TestSchedulerReturnsScheduler(t *testing.T) {
	w := New(nil, nil, nil)
	sched := w.Scheduler()
	if sched == nil {
		t.Fatal("expected a non-nil scheduler")
	}
}
