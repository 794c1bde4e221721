package manifest

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepSchedule runs the missing-file sweep every ten minutes.
const DefaultSweepSchedule = "@every 10m"

// Sweep deletes every manifest whose model file no longer exists and
// returns the removed paths.
func Sweep(ctx context.Context, s Store, log zerolog.Logger) ([]string, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, m := range all {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		_, statErr := os.Stat(m.FilePath)
		if !errors.Is(statErr, os.ErrNotExist) {
			continue
		}
		if err := s.Delete(ctx, m.FilePath); err != nil && !errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Str("model", m.FilePath).Msg("sweep_delete_failed")
			continue
		}
		removed = append(removed, m.FilePath)
		log.Info().Str("model", m.FilePath).Msg("sweep_removed_missing")
	}
	return removed, nil
}

// Sweeper runs Sweep on a cron schedule.
type Sweeper struct {
	cron  *cron.Cron
	store Store
	log   zerolog.Logger
	// OnRemoved, when set, is called with the paths removed by each run.
	OnRemoved func(paths []string)
}

// NewSweeper schedules Sweep with a cron schedule such as DefaultSweepSchedule.
func NewSweeper(store Store, schedule string, log zerolog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	s := &Sweeper{cron: cron.New(), store: store, log: log}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	removed, err := Sweep(ctx, s.store, s.log)
	if err != nil {
		s.log.Warn().Err(err).Msg("sweep_failed")
	}
	if len(removed) > 0 && s.OnRemoved != nil {
		s.OnRemoved(removed)
	}
}

// Start begins running the schedule in the background.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
