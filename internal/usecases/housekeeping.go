package usecases

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"project_chatdigest/internal/infrastructure"
	"project_chatdigest/internal/interfaces"
)

// CronManager runs the periodic jobs: raw event TTL purge and session reconciliation.
type CronManager struct {
	cron       *cron.Cron
	rawEvents  interfaces.RawEventStore
	reconciler *Reconciler
	timeout    time.Duration
	log        zerolog.Logger
}

func NewCronManager(rawEvents interfaces.RawEventStore, reconciler *Reconciler) *CronManager {
	return &CronManager{
		cron:       cron.New(cron.WithSeconds()),
		rawEvents:  rawEvents,
		reconciler: reconciler,
		timeout:    5 * time.Minute,
		log:        infrastructure.Component("cron"),
	}
}

// Start registers the jobs and starts the scheduler
func (m *CronManager) Start() error {
	// Every hour: drop raw events past retention
	if _, err := m.cron.AddFunc("0 0 * * * *", func() { m.PurgeRawEvents() }); err != nil {
		return err
	}
	// Every 15 minutes: repair duplicate and stuck sessions
	if _, err := m.cron.AddFunc("0 */15 * * * *", func() { m.Reconcile() }); err != nil {
		return err
	}

	m.cron.Start()
	m.log.Info().Int("jobs", len(m.cron.Entries())).Msg("cron jobs started")
	return nil
}

// Stop waits for running jobs to finish
func (m *CronManager) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.log.Info().Msg("cron jobs stopped")
}

func (m *CronManager) PurgeRawEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	deleted, err := m.rawEvents.PurgeExpired(ctx, time.Now().UTC())
	if err != nil {
		m.log.Error().Err(err).Str("job", "purge_raw_events").Msg("job failed")
		return
	}
	m.log.Info().Str("job", "purge_raw_events").Int64("deleted", deleted).Msg("job finished")
}

func (m *CronManager) Reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	report, err := m.reconciler.Run(ctx)
	if err != nil {
		m.log.Error().Err(err).Str("job", "reconcile_sessions").Msg("job failed")
		return
	}
	m.log.Debug().Str("job", "reconcile_sessions").Int("duplicates", report.DuplicatesClosed).Int("stuck", report.StuckClosed).Msg("job finished")
}
