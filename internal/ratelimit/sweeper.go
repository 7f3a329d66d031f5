package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepSchedule runs a sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

// Sweepable is a store that can drop idle keys.
type Sweepable interface {
	Sweep(now time.Time) int
	Len() int
}

// Sweeper periodically evicts idle windows from a Sweepable store.
type Sweeper struct {
	cron   *cron.Cron
	target Sweepable
	log    zerolog.Logger
	now    func() time.Time
}

// NewSweeper schedules target.Sweep according to a cron spec
// (e.g. "@every 1m"). Call Start to begin.
func NewSweeper(target Sweepable, schedule string, log zerolog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	s := &Sweeper{
		cron:   cron.New(),
		target: target,
		log:    log.With().Str("component", "sweeper").Logger(),
		now:    time.Now,
	}
	if _, err := s.cron.AddFunc(schedule, s.RunOnce); err != nil {
		return nil, fmt.Errorf("scheduling sweep %q: %w", schedule, err)
	}
	return s, nil
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce() {
	removed := s.target.Sweep(s.now())
	s.log.Debug().Int("removed", removed).Int("tracked", s.target.Len()).Msg("idle sweep")
}

// Start begins the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}
