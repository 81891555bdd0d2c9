package scheduler

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// CronRunner wraps robfig/cron with logging and error capture for the
// periodic maintenance jobs: cache cleanup, idempotency purge, region
// prefetch and the nightly off-site backup.
type CronRunner struct {
	c   *cron.Cron
	log zerolog.Logger
}

// NewCronRunner creates a stopped runner.
func NewCronRunner(log zerolog.Logger) *CronRunner {
	return &CronRunner{
		c:   cron.New(),
		log: log.With().Str("component", "cron").Logger(),
	}
}

// Add registers a named job under a cron expression.
func (r *CronRunner) Add(name, spec string, fn func() error) error {
	_, err := r.c.AddFunc(spec, func() {
		if err := fn(); err != nil {
			r.log.Error().Err(err).Str("job", name).Msg("Cron job failed")
			return
		}
		r.log.Debug().Str("job", name).Msg("Cron job finished")
	})
	if err != nil {
		return err
	}
	r.log.Info().Str("job", name).Str("schedule", spec).Msg("Registered cron job")
	return nil
}

// Start begins running registered jobs.
func (r *CronRunner) Start() {
	r.c.Start()
}

// Stop halts scheduling and waits for running jobs.
func (r *CronRunner) Stop() {
	ctx := r.c.Stop()
	<-ctx.Done()
}
