package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/workmarket/backend/internal/levels"
	"github.com/workmarket/backend/internal/models"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCommissionRateTiers(t *testing.T) {
	p := DefaultCommissionPolicy()
	cases := []struct {
		level     int
		completed int
		want      string
	}{
		{1, 0, "0"},
		{7, 2, "0"},
		{1, 3, "0.10"},
		{2, 10, "0.10"},
		{3, 3, "0.09"},
		{4, 3, "0.08"},
		{5, 3, "0.07"},
		{6, 3, "0.06"},
		{7, 3, "0.06"},
		{50, 100, "0.06"},
		{0, 5, "0.10"},
	}
	for _, tc := range cases {
		if got := p.Rate(tc.level, tc.completed); !got.Equal(dec(tc.want)) {
			t.Errorf("Rate(level=%d, completed=%d) = %s, want %s", tc.level, tc.completed, got, tc.want)
		}
	}
}

func TestCommissionRateIsMonotonic(t *testing.T) {
	p := DefaultCommissionPolicy()
	prev := p.Rate(1, 3)
	for level := 2; level <= 20; level++ {
		r := p.Rate(level, 3)
		if r.GreaterThan(prev) {
			t.Errorf("rate increased from %s to %s at level %d", prev, r, level)
		}
		if r.LessThan(p.MinRate) {
			t.Errorf("rate %s below floor at level %d", r, level)
		}
		prev = r
	}
}

func TestCommissionFreeTaskBoundary(t *testing.T) {
	p := DefaultCommissionPolicy()
	if r := p.Rate(1, 2); !r.IsZero() {
		t.Errorf("third task (2 completed) should be free, got %s", r)
	}
	if r := p.Rate(1, 3); !r.Equal(dec("0.10")) {
		t.Errorf("fourth task (3 completed) should pay 10%%, got %s", r)
	}
}

func TestSplitHasNoLeakage(t *testing.T) {
	rates := []string{"0", "0.06", "0.07", "0.08", "0.09", "0.10"}
	amounts := []string{"500", "0.01", "0.99", "33.33", "1234.57", "999999.99"}
	for _, r := range rates {
		for _, a := range amounts {
			commission, payout := Split(dec(a), dec(r))
			if !commission.Add(payout).Equal(dec(a)) {
				t.Errorf("Split(%s, %s): %s + %s != %s", a, r, commission, payout, a)
			}
			if commission.IsNegative() || payout.IsNegative() {
				t.Errorf("Split(%s, %s): negative part", a, r)
			}
			if !commission.Equal(commission.Truncate(2)) {
				t.Errorf("Split(%s, %s): commission %s has sub-cent digits", a, r, commission)
			}
		}
	}

	commission, payout := Split(dec("500"), dec("0.10"))
	if !commission.Equal(dec("50")) || !payout.Equal(dec("450")) {
		t.Errorf("Split(500, 10%%) = %s / %s, want 50 / 450", commission, payout)
	}
}

func TestCalculatorSkipsLookupForFreeTasks(t *testing.T) {
	executor := uuid.New()
	calc := NewCommissionCalculator(DefaultCommissionPolicy(), levels.Static{executor: models.Level{Level: 4}})

	r, err := calc.RateFor(context.Background(), executor, 1)
	if err != nil || !r.IsZero() {
		t.Errorf("free task: got %s, %v", r, err)
	}
	r, err = calc.RateFor(context.Background(), executor, 3)
	if err != nil || !r.Equal(dec("0.08")) {
		t.Errorf("level 4: got %s, %v", r, err)
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := DefaultCommissionPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	p := DefaultCommissionPolicy()
	p.MinRate = dec("0.2")
	if err := p.Validate(); err == nil {
		t.Error("expected error for min rate above base rate")
	}
}
