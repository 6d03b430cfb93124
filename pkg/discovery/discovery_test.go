package discovery

import (
	"context"
	"testing"
	"time"
)

// TestEnumerateNeverEmpty exercises the full fallback chain in an
// environment with neither NVML nor nvidia-smi — the mock descriptor must
// be returned so the Supervisor always has a non-empty decision to make.
func TestEnumerateNeverEmpty(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gpus := Enumerate(ctx)
	if len(gpus) == 0 {
		t.Fatal("Enumerate returned no descriptors — mock fallback should guarantee at least one")
	}
}

func TestMockGPUsMarkedAsMock(t *testing.T) {
	gpus := mockGPUs()
	if len(gpus) != 1 {
		t.Fatalf("mockGPUs() = %d entries, want 1", len(gpus))
	}
	if !gpus[0].Mock {
		t.Error("mock descriptor must have Mock = true")
	}
	if gpus[0].UUID == "" {
		t.Error("mock descriptor must have a non-empty UUID")
	}
}

func TestRoundTo(t *testing.T) {
	tests := []struct {
		in     float64
		places int
		want   float64
	}{
		{23.999, 1, 24.0},
		{23.949, 1, 23.9},
		{0, 1, 0},
	}
	for _, tt := range tests {
		if got := roundTo(tt.in, tt.places); got != tt.want {
			t.Errorf("roundTo(%v, %d) = %v, want %v", tt.in, tt.places, got, tt.want)
		}
	}
}
