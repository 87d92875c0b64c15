package backoff

import (
	"context"
	"testing"
	"time"
)

func TestDelayShape(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 5 * time.Second}
	for attempt := 0; attempt < 12; attempt++ {
		lower := p.Initial << uint(attempt)
		if lower <= 0 || lower > p.Max {
			lower = p.Max
		}
		capped := lower
		if capped > p.Max {
			capped = p.Max
		}
		upper := time.Duration(float64(capped) * 1.25)

		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			if d < capped {
				t.Fatalf("attempt %d: delay %v below uncapped lower bound %v", attempt, d, capped)
			}
			if d > upper {
				t.Fatalf("attempt %d: delay %v exceeds %v", attempt, d, upper)
			}
		}
	}
}

func TestSleepAborted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if out := Sleep(ctx, time.Second); out != Aborted {
		t.Fatalf("expected Aborted, got %v", out)
	}
}

func TestSleepCompleted(t *testing.T) {
	ctx := context.Background()
	if out := Sleep(ctx, time.Millisecond); out != Completed {
		t.Fatalf("expected Completed, got %v", out)
	}
}
