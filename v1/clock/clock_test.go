package clock_test

import (
	"testing"
	"time"

	"github.com/mirkobrombin/go-txlease/v1/clock"
)

func TestRealNowIsMonotonic(t *testing.T) {
	a := clock.Real{}.Now()
	b := clock.Real{}.Now()
	if b.Sub(a) < 0 {
		t.Fatalf("time went backwards: %v then %v", a, b)
	}
	if a.String() == a.Round(0).String() {
		t.Fatal("expected a monotonic clock reading")
	}
}

func TestRealTickerFires(t *testing.T) {
	tk := clock.Real{}.NewTicker(5 * time.Millisecond)
	defer tk.Stop()
	select {
	case <-tk.C():
	case <-time.After(time.Second):
		t.Fatal("ticker did not fire")
	}
}

func TestManualAdvanceFiresDueTickers(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	tk := m.NewTicker(time.Second)

	m.Advance(500 * time.Millisecond)
	select {
	case <-tk.C():
		t.Fatal("ticker fired before its period elapsed")
	default:
	}

	got := m.Advance(500 * time.Millisecond)
	if !got.Equal(start.Add(time.Second)) {
		t.Fatalf("unexpected now %v", got)
	}
	select {
	case at := <-tk.C():
		if !at.Equal(got) {
			t.Fatalf("tick carried %v, want %v", at, got)
		}
	default:
		t.Fatal("ticker did not fire after one period")
	}
}

func TestManualTickerDropsWhenReceiverLags(t *testing.T) {
	m := clock.NewManual(time.Unix(0, 0))
	tk := m.NewTicker(time.Second)
	m.Advance(time.Second)
	m.Advance(time.Second)
	<-tk.C()
	select {
	case <-tk.C():
		t.Fatal("expected lagging tick to be dropped")
	default:
	}
}

func TestManualStoppedTickerIsSilent(t *testing.T) {
	m := clock.NewManual(time.Unix(0, 0))
	tk := m.NewTicker(time.Second)
	tk.Stop()
	if n := m.Tickers(); n != 0 {
		t.Fatalf("expected no live tickers, got %d", n)
	}
	m.Advance(5 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}
