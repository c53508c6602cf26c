package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	LockAcquiredCounter.Inc()
	LockTimeoutCounter.Inc()
	LockoutCounter.Inc()
	ReplayCounter.Inc()
	ApprovedCounter.Inc()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) < 8 {
		t.Fatalf("expected all collectors registered, got %d families", len(mfs))
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	Register(reg)
}
