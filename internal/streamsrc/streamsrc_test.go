package streamsrc

import (
	"context"
	"testing"
)

func TestSyntheticEmitsExactlyCrystalCount(t *testing.T) {
	s := NewSynthetic(42)
	s.CrystalCount = 5
	s.HKLRange = 2

	ctx := context.Background()
	n := 0
	for {
		_, ok, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("Next returned error: %v", err)
		}
		if !ok {
			break
		}
		n++
	}
	if n != 5 {
		t.Fatalf("emitted %d chunks, want 5", n)
	}
}

func TestSyntheticChunkHasObservations(t *testing.T) {
	s := NewSynthetic(7)
	s.CrystalCount = 1
	s.HKLRange = 3

	chunk, ok, err := s.Next(context.Background())
	if err != nil || !ok {
		t.Fatalf("Next returned ok=%v err=%v", ok, err)
	}
	if len(chunk.Crystals) != 1 {
		t.Fatalf("Crystals = %d, want 1", len(chunk.Crystals))
	}
	if len(chunk.Crystals[0].Observations) == 0 {
		t.Fatal("synthetic crystal has no observations")
	}
	for _, o := range chunk.Crystals[0].Observations {
		if o.H == 0 && o.K == 0 && o.L == 0 {
			t.Fatal("synthetic crystal observed the origin reflection")
		}
	}
}

func TestSyntheticRespectsContextCancellation(t *testing.T) {
	s := NewSynthetic(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := s.Next(ctx)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if ok {
		t.Fatal("expected ok=false from cancelled context")
	}
}
