package util

import (
	"math"
	"testing"
)

func TestDistributionStats(t *testing.T) {
	tests := []struct {
		name    string
		buckets []float64
		quality float64
	}{
		{"empty", nil, 0.5},
		{"even", []float64{4, 4, 4, 4}, 1},
		{"single bucket used", []float64{8, 0, 0, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewDistributionStats(tt.buckets)
			if math.Abs(got.DistributionQuality-tt.quality) > 1e-9 {
				t.Errorf("quality = %v, want %v", got.DistributionQuality, tt.quality)
			}
		})
	}
}

func TestPartitionRange(t *testing.T) {
	seed := GenerateSeed()
	for h := uint64(0); h < 1000; h++ {
		p := Partition(h, seed, 40)
		if p < 0 || p >= 40 {
			t.Fatalf("partition %d out of range", p)
		}
	}
	if Partition(123, seed, 1) != 0 {
		t.Error("single partition must always be 0")
	}
}
