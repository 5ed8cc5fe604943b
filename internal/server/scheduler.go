package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/playbook/config"
	"github.com/mohammad-safakhou/playbook/internal/research"
	"github.com/mohammad-safakhou/playbook/internal/store"
)

// Scheduler runs recurring environment checks. Each stock playbook may
// carry a check_cron; stocks without one follow the configured default.
// A redis SetNX lock per stock keeps replicas from double-running the
// same check.
type Scheduler struct {
	Store    *store.Store
	Pipeline *research.Pipeline
	Rdb      *redis.Client
	Cfg      config.SchedulerConfig
	Stop     chan struct{}

	logger *log.Logger
	now    func() time.Time
}

func (s *Scheduler) Start() {
	if s.logger == nil {
		s.logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	if s.now == nil {
		s.now = time.Now
	}
	tick := s.Cfg.Tick
	if tick <= 0 {
		tick = time.Minute
	}
	ticker := time.NewTicker(tick)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
	s.logger.Printf("scheduler started (tick=%s default_cron=%s)", tick, s.defaultCron())
}

func (s *Scheduler) defaultCron() string {
	if s.Cfg.DefaultCron != "" {
		return s.Cfg.DefaultCron
	}
	return "@daily"
}

func (s *Scheduler) tick() {
	stocks, err := s.Store.ListStocks()
	if err != nil {
		s.logger.Printf("listing stocks: %v", err)
		return
	}
	ctx := context.Background()
	for _, stock := range stocks {
		spec := s.checkCron(stock.StockID)
		last := s.lastCycleTime(stock.StockID)
		if !isDue(spec, last, s.now()) {
			continue
		}

		if s.Rdb != nil {
			ttl := s.Cfg.LockTTL
			if ttl <= 0 {
				ttl = 30 * time.Minute
			}
			ok, err := s.Rdb.SetNX(ctx, "sched:check:"+stock.StockID, "1", ttl).Result()
			if err != nil {
				s.logger.Printf("scheduler lock for %s: %v", stock.StockID, err)
				continue
			}
			if !ok {
				continue
			}
		}

		go s.runCheck(ctx, stock, last)
	}
}

func (s *Scheduler) runCheck(ctx context.Context, stock store.StockSummary, last *time.Time) {
	s.logger.Printf("scheduled check for %s", stock.StockID)
	_, err := s.Pipeline.Run(ctx, research.CycleRequest{
		StockID:       stock.StockID,
		StockName:     stock.StockName,
		TimeRangeDays: daysSince(last, s.now()),
		Trigger:       "scheduled",
	})
	switch {
	case err == research.ErrCycleInFlight:
		s.logger.Printf("scheduled check for %s skipped: cycle already running", stock.StockID)
	case err != nil:
		s.logger.Printf("scheduled check for %s: %v", stock.StockID, err)
	}
}

// checkCron reads the stock's own schedule, falling back to the default.
func (s *Scheduler) checkCron(stockID string) string {
	playbook, err := s.Store.StockPlaybook(stockID)
	if err == nil {
		if spec, ok := playbook["check_cron"].(string); ok && spec != "" {
			return spec
		}
	}
	return s.defaultCron()
}

// lastCycleTime is the newest record's date, nil when the stock has no
// history yet.
func (s *Scheduler) lastCycleTime(stockID string) *time.Time {
	records, err := s.Store.History(stockID)
	if err != nil || len(records) == 0 {
		return nil
	}
	raw, _ := records[0]["date"].(string)
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &ts
}

// daysSince sizes the evidence window to cover the gap since the last
// cycle, clamped so a long-idle stock doesn't trigger an unbounded
// search.
func daysSince(last *time.Time, now time.Time) int {
	if last == nil {
		return 7
	}
	days := int(now.Sub(*last).Hours() / 24)
	if days < 1 {
		return 1
	}
	if days > 30 {
		return 30
	}
	return days
}

// isDue reports whether a check under cronSpec should run now given the
// last run time. "@daily" and "@hourly" shortcut to elapsed-time checks;
// anything else parses as a cron expression, and an invalid spec degrades
// to @daily rather than silencing the stock.
func isDue(cronSpec string, last *time.Time, now time.Time) bool {
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
