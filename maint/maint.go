// Package maint runs periodic housekeeping on a cron schedule.
package maint

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner deletes check history older than the retention period.
type Pruner interface {
	PruneCheckResults(ctx context.Context, retention time.Duration) (int64, error)
}

// Jobs owns the cron runner for background maintenance.
type Jobs struct {
	cron      *cron.Cron
	db        Pruner
	retention time.Duration
}

func New(db Pruner, retention time.Duration) *Jobs {
	return &Jobs{
		cron:      cron.New(),
		db:        db,
		retention: retention,
	}
}

// Schedule registers the prune job with a cron expression (robfig syntax,
// descriptors like @hourly included).
func (j *Jobs) Schedule(spec string) error {
	_, err := j.cron.AddFunc(spec, j.prune)
	return err
}

func (j *Jobs) Start() {
	j.cron.Start()
	log.Println("maint: scheduler started")
}

func (j *Jobs) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	log.Println("maint: scheduler stopped")
}

func (j *Jobs) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := j.db.PruneCheckResults(ctx, j.retention)
	if err != nil {
		log.Printf("maint: prune error: %v", err)
		return
	}
	if n > 0 {
		log.Printf("maint: pruned %d old checks", n)
	}
}
