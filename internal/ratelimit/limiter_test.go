package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestController_AcquireFirstIsImmediate(t *testing.T) {
	c := NewController(Options{BaseDelay: 1 * time.Second})

	start := time.Now()
	if err := c.Acquire(context.Background(), "mercadolibre"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("First acquire took %v, expected immediate", elapsed)
	}
}

func TestController_AcquirePacesRequests(t *testing.T) {
	c := NewController(Options{BaseDelay: 100 * time.Millisecond})
	ctx := context.Background()

	c.Acquire(ctx, "craigslist") // consume the burst token

	start := time.Now()
	if err := c.Acquire(ctx, "craigslist"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < 80*time.Millisecond {
		t.Errorf("Second acquire took %v, expected ~100ms pacing", elapsed)
	}
}

func TestController_AcquireRespectsContext(t *testing.T) {
	c := NewController(Options{BaseDelay: 10 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c.Acquire(context.Background(), "slow") // consume burst

	if err := c.Acquire(ctx, "slow"); err == nil {
		t.Error("Acquire should fail when context expires before a token is available")
	}
}

func TestController_ThrottleDoublesDelay(t *testing.T) {
	c := NewController(Options{BaseDelay: 1 * time.Second, MaxDelay: 10 * time.Second})

	c.ReportThrottled("fb")
	if d := c.Delay("fb"); d != 2*time.Second {
		t.Errorf("Delay after one throttle = %v, want 2s", d)
	}

	c.ReportThrottled("fb")
	if d := c.Delay("fb"); d != 4*time.Second {
		t.Errorf("Delay after two throttles = %v, want 4s", d)
	}
}

func TestController_ThrottleBoundedByMax(t *testing.T) {
	c := NewController(Options{BaseDelay: 1 * time.Second, MaxDelay: 3 * time.Second})

	for i := 0; i < 10; i++ {
		c.ReportThrottled("fb")
	}
	if d := c.Delay("fb"); d != 3*time.Second {
		t.Errorf("Delay = %v, want capped at 3s", d)
	}
}

func TestController_SuccessStreakDecaysPenalty(t *testing.T) {
	c := NewController(Options{
		BaseDelay:      1 * time.Second,
		MaxDelay:       1 * time.Minute,
		CooldownStreak: 3,
	})

	c.ReportThrottled("ml")
	c.ReportThrottled("ml")
	if d := c.Delay("ml"); d != 4*time.Second {
		t.Fatalf("Delay = %v, want 4s", d)
	}

	// Two successes are not enough to decay
	c.ReportSuccess("ml")
	c.ReportSuccess("ml")
	if d := c.Delay("ml"); d != 4*time.Second {
		t.Errorf("Delay decayed too early: %v", d)
	}

	// Third success halves the penalty
	c.ReportSuccess("ml")
	if d := c.Delay("ml"); d != 2*time.Second {
		t.Errorf("Delay after streak = %v, want 2s", d)
	}

	// Another full streak returns to base, never below it
	for i := 0; i < 3; i++ {
		c.ReportSuccess("ml")
	}
	if d := c.Delay("ml"); d != 1*time.Second {
		t.Errorf("Delay after second streak = %v, want base 1s", d)
	}
	for i := 0; i < 6; i++ {
		c.ReportSuccess("ml")
	}
	if d := c.Delay("ml"); d != 1*time.Second {
		t.Errorf("Delay dropped below base: %v", d)
	}
}

func TestController_PlatformsAreIndependent(t *testing.T) {
	c := NewController(Options{BaseDelay: 1 * time.Second})

	c.ReportThrottled("fb")
	if d := c.Delay("craigslist"); d != 1*time.Second {
		t.Errorf("Throttling fb changed craigslist delay to %v", d)
	}
}

func TestController_SetBaseDelay(t *testing.T) {
	c := NewController(Options{BaseDelay: 1 * time.Second})
	c.SetBaseDelay("fb", 5*time.Second)

	if d := c.Delay("fb"); d != 5*time.Second {
		t.Errorf("Delay = %v, want 5s", d)
	}

	// Decay floor follows the per-platform base
	c.ReportThrottled("fb")
	for i := 0; i < 50; i++ {
		c.ReportSuccess("fb")
	}
	if d := c.Delay("fb"); d != 5*time.Second {
		t.Errorf("Delay = %v, want per-platform base 5s", d)
	}
}
