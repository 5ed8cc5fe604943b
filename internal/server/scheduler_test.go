package server

import (
	"testing"
	"time"
)

func TestIsDue(t *testing.T) {
	now := time.Date(2025, 6, 12, 9, 30, 0, 0, time.UTC)
	ago := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	tests := []struct {
		name string
		spec string
		last *time.Time
		want bool
	}{
		{"daily never ran", "@daily", nil, true},
		{"daily ran recently", "@daily", ago(2 * time.Hour), false},
		{"daily ran yesterday", "@daily", ago(25 * time.Hour), true},
		{"hourly ran recently", "@hourly", ago(30 * time.Minute), false},
		{"hourly overdue", "@hourly", ago(2 * time.Hour), true},
		{"cron never ran", "0 9 * * *", nil, true},
		{"cron boundary passed", "0 9 * * *", ago(20 * time.Hour), true},
		{"cron boundary not reached", "0 9 * * *", ago(10 * time.Minute), false},
		{"invalid spec degrades to daily", "not a cron", ago(2 * time.Hour), false},
		{"invalid spec overdue", "not a cron", ago(30 * time.Hour), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isDue(tc.spec, tc.last, now); got != tc.want {
				t.Fatalf("isDue(%q, %v) = %v, want %v", tc.spec, tc.last, got, tc.want)
			}
		})
	}
}

func TestDaysSince(t *testing.T) {
	now := time.Date(2025, 6, 12, 9, 30, 0, 0, time.UTC)
	ago := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	tests := []struct {
		name string
		last *time.Time
		want int
	}{
		{"no history defaults to a week", nil, 7},
		{"sub-day gap clamps to one", ago(6 * time.Hour), 1},
		{"mid-range gap passes through", ago(10 * 24 * time.Hour), 10},
		{"long idle clamps to thirty", ago(90 * 24 * time.Hour), 30},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := daysSince(tc.last, now); got != tc.want {
				t.Fatalf("daysSince(%v) = %d, want %d", tc.last, got, tc.want)
			}
		})
	}
}

func TestCheckCronPerStockOverride(t *testing.T) {
	st := newTestStore(t)
	s := &Scheduler{Store: st}

	if err := st.SaveStockPlaybook("NVDA", map[string]interface{}{
		"stock_name": "英伟达",
		"check_cron": "@hourly",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.SaveStockPlaybook("TSLA", map[string]interface{}{"stock_name": "特斯拉"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if got := s.checkCron("NVDA"); got != "@hourly" {
		t.Fatalf("playbook cron should win, got %q", got)
	}
	if got := s.checkCron("TSLA"); got != "@daily" {
		t.Fatalf("missing cron should fall back to the default, got %q", got)
	}
}

func TestLastCycleTime(t *testing.T) {
	st := newTestStore(t)
	s := &Scheduler{Store: st}

	if got := s.lastCycleTime("NVDA"); got != nil {
		t.Fatalf("no history should give nil, got %v", got)
	}

	before := time.Now().Add(-time.Second)
	if _, err := st.AppendRecord("NVDA", map[string]interface{}{"trigger": "scheduled"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got := s.lastCycleTime("NVDA")
	if got == nil {
		t.Fatalf("newest record date should parse")
	}
	if got.Before(before) || got.After(time.Now().Add(time.Second)) {
		t.Fatalf("timestamp out of range: %v", got)
	}
}
