package clock

import (
	"testing"
	"time"
)

func TestDay_KeepsLocalCalendarDate(t *testing.T) {
	loc := time.FixedZone("UTC+11", 11*3600)
	local := time.Date(2024, 1, 10, 0, 30, 0, 0, loc)

	got := Day(local)
	want := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestAddDays_CrossesMonthAndLeapDay(t *testing.T) {
	base := time.Date(2024, 2, 27, 15, 0, 0, 0, time.UTC)
	got := AddDays(base, 3)
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestFixed_SetAndAdvance(t *testing.T) {
	start := time.Date(2024, 1, 20, 9, 0, 0, 0, time.UTC)
	c := NewFixed(start)
	if !c.Now().Equal(start) {
		t.Fatalf("expected %v, got %v", start, c.Now())
	}

	c.Advance(48 * time.Hour)
	if got := Today(c); !got.Equal(time.Date(2024, 1, 22, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected day after advance: %v", got)
	}

	c.Set(start)
	if !c.Now().Equal(start) {
		t.Errorf("expected reset to %v, got %v", start, c.Now())
	}
}

func TestSystem_IsUTC(t *testing.T) {
	if loc := (System{}).Now().Location(); loc != time.UTC {
		t.Errorf("expected UTC, got %v", loc)
	}
}
