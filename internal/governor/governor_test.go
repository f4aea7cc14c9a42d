package governor

import "testing"

func TestTryReserveWithinLimit(t *testing.T) {
	g := New(1000)
	if err := g.TryReserve(400); err != nil {
		t.Fatalf("reserve 400: %v", err)
	}
	if err := g.TryReserve(600); err != nil {
		t.Fatalf("reserve 600: %v", err)
	}
	if g.AllocatedMB() != 1000 {
		t.Fatalf("expected 1000 allocated, got %d", g.AllocatedMB())
	}
}

func TestTryReserveDeniedOverLimit(t *testing.T) {
	g := New(1000)
	if err := g.TryReserve(900); err != nil {
		t.Fatalf("reserve 900: %v", err)
	}
	if err := g.TryReserve(200); err != ErrInsufficientMemory {
		t.Fatalf("expected ErrInsufficientMemory, got %v", err)
	}
	if g.AllocatedMB() != 900 {
		t.Fatalf("denied reservation must not change allocated, got %d", g.AllocatedMB())
	}
}

func TestReleaseReclaimsCapacity(t *testing.T) {
	g := New(1000)
	if err := g.TryReserve(900); err != nil {
		t.Fatalf("reserve 900: %v", err)
	}
	g.Release(500)
	if g.AllocatedMB() != 400 {
		t.Fatalf("expected 400 after release, got %d", g.AllocatedMB())
	}
	if err := g.TryReserve(500); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestReleaseClampsAtZero(t *testing.T) {
	g := New(1000)
	g.TryReserve(100)
	g.Release(500)
	if g.AllocatedMB() != 0 {
		t.Fatalf("expected 0, got %d", g.AllocatedMB())
	}
}

func TestPressureLevels(t *testing.T) {
	cases := []struct {
		allocated int64
		limit     int64
		want      PressureLevel
	}{
		{0, 1000, Low},
		{590, 1000, Low},
		{600, 1000, Normal},
		{799, 1000, Normal},
		{800, 1000, High},
		{949, 1000, High},
		{950, 1000, Critical},
		{1000, 1000, Critical},
	}
	for _, c := range cases {
		g := New(c.limit)
		if err := g.TryReserve(c.allocated); err != nil {
			t.Fatalf("reserve %d: %v", c.allocated, err)
		}
		if got := g.Pressure(); got != c.want {
			t.Fatalf("allocated=%d limit=%d: expected %v, got %v", c.allocated, c.limit, c.want, got)
		}
	}
}

func TestPressureZeroLimitIsLow(t *testing.T) {
	g := New(0)
	if got := g.Pressure(); got != Low {
		t.Fatalf("expected Low with zero limit, got %v", got)
	}
}

func TestConcurrentReserveNeverExceedsLimit(t *testing.T) {
	g := New(100)
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func() {
			g.TryReserve(3)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}
	if g.AllocatedMB() > 100 {
		t.Fatalf("allocated exceeded limit: %d", g.AllocatedMB())
	}
}
