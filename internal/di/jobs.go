package di

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/cellar/internal/clientdata"
	"github.com/aristath/cellar/internal/config"
	"github.com/aristath/cellar/internal/scheduler"
)

// prefetchYearSpan is how many recent harvest years the nightly prefetch
// warms per region.
const prefetchYearSpan = 5

// registerJobs binds the periodic jobs to the cron runner. The runner is
// not started here; main starts it after wiring succeeds.
func registerJobs(c *Container, cfg *config.Config, log zerolog.Logger) error {
	cleanup := clientdata.NewCleanupJob(c.ClientData, log)

	jobs := []struct {
		name string
		spec string
		fn   func() error
	}{
		{"client_data_cleanup", "0 4 * * *", cleanup.Run},
		{"cache_fabric_cleanup", "@every 1h", func() error {
			removed := c.Cache.Cleanup()
			if removed > 0 {
				log.Debug().Int("removed", removed).Msg("Swept expired cache entries")
			}
			return nil
		}},
		{"region_prefetch", "0 3 * * *", func() error {
			return enqueueRegionPrefetch(c)
		}},
		{"daily_maintenance", "0 2 * * *", c.Maintenance.RunDaily},
		{"weekly_maintenance", "30 2 * * 0", c.Maintenance.RunWeekly},
	}

	if c.Backups != nil {
		jobs = append(jobs, struct {
			name string
			spec string
			fn   func() error
		}{"nightly_backup", "30 1 * * *", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
			defer cancel()
			if err := c.Backups.CreateAndUploadBackup(ctx); err != nil {
				return err
			}
			return c.Backups.RotateOldBackups(ctx, cfg.Backup.RetainDaily)
		}})
	}

	for _, job := range jobs {
		if err := c.Cron.Add(job.name, job.spec, job.fn); err != nil {
			return err
		}
	}
	return nil
}

// enqueueRegionPrefetch queues weather prefetch tasks for every region
// and recent vintage year present in the catalog. Deduplication happens
// inside the scheduler, so re-enqueueing nightly is harmless.
func enqueueRegionPrefetch(c *Container) error {
	wines, err := c.Wines.GetAll()
	if err != nil {
		return err
	}

	currentYear := time.Now().Year()
	regionYears := make(map[string]map[int]bool)
	for _, wine := range wines {
		if wine.Region == "" {
			continue
		}
		years := regionYears[wine.Region]
		if years == nil {
			years = make(map[int]bool)
			regionYears[wine.Region] = years
		}
		vintages, err := c.Vintages.ForWine(wine.ID)
		if err != nil {
			return err
		}
		for _, v := range vintages {
			if v.Year > currentYear-prefetchYearSpan {
				years[v.Year] = true
			}
		}
	}

	for region, years := range regionYears {
		if len(years) == 0 {
			continue
		}
		list := make([]int, 0, len(years))
		for year := range years {
			list = append(list, year)
		}
		c.Scheduler.Enqueue(scheduler.Task{
			Type:     scheduler.TaskPrefetch,
			Region:   region,
			Years:    list,
			Priority: scheduler.PriorityLow,
		})
	}
	return nil
}
