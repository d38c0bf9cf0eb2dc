package clock_test

import (
	"testing"
	"time"

	"github.com/subastamon/subastamon/internal/clock"
)

func TestReal_Now(t *testing.T) {
	clk := clock.Real{}
	before := time.Now()
	got := clk.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Real.Now() = %v, expected between %v and %v", got, before, after)
	}
}

func TestMock_Advance(t *testing.T) {
	base := time.Date(2026, 2, 4, 21, 18, 0, 0, time.UTC)
	m := clock.NewMock(base)

	if got := m.Now(); !got.Equal(base) {
		t.Errorf("Mock.Now() = %v, want %v", got, base)
	}

	m.Advance(90 * time.Second)
	if got := m.Now(); !got.Equal(base.Add(90 * time.Second)) {
		t.Errorf("Mock.Now() after Advance = %v", got)
	}
}

func TestISO(t *testing.T) {
	ts := time.Date(2026, 2, 4, 21, 18, 0, 123456789, time.UTC)
	if got := clock.ISO(ts); got != "2026-02-04T21:18:00Z" {
		t.Errorf("ISO() = %q", got)
	}
}
