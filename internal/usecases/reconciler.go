package usecases

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"project_chatdigest/internal/entities"
	"project_chatdigest/internal/infrastructure"
	"project_chatdigest/internal/interfaces"
)

const interruptedError = "summarization interrupted"

// ReconcileReport counts the repairs of one reconciliation pass.
type ReconcileReport struct {
	DuplicatesClosed int `json:"duplicates_closed"`
	StuckClosed      int `json:"stuck_closed"`
}

// Reconciler repairs session states the synchronous pipeline cannot: duplicate active
// sessions of one room and sessions left in summarizing by a crashed process.
type Reconciler struct {
	sessions  interfaces.SessionStore
	summaries interfaces.SummaryStore
	grace     time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

func NewReconciler(sessions interfaces.SessionStore, summaries interfaces.SummaryStore, summarizingGrace time.Duration) *Reconciler {
	return &Reconciler{
		sessions:  sessions,
		summaries: summaries,
		grace:     summarizingGrace,
		now:       time.Now,
		log:       infrastructure.Component("reconciler"),
	}
}

func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	var errs []error

	dup, err := r.CloseDuplicates(ctx)
	report.DuplicatesClosed = dup
	if err != nil {
		errs = append(errs, err)
	}
	stuck, err := r.CloseStuck(ctx)
	report.StuckClosed = stuck
	if err != nil {
		errs = append(errs, err)
	}

	if report.DuplicatesClosed > 0 || report.StuckClosed > 0 {
		r.log.Warn().Int("duplicates_closed", report.DuplicatesClosed).Int("stuck_closed", report.StuckClosed).Msg("sessions reconciled")
	}
	return report, errors.Join(errs...)
}

// CloseDuplicates keeps the earliest-started active session of each room and closes the rest.
// Message counts and logs are left untouched.
func (r *Reconciler) CloseDuplicates(ctx context.Context) (int, error) {
	roomIDs, err := r.sessions.RoomsWithDuplicateActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("find duplicate active sessions: %w", err)
	}

	closed := 0
	for _, roomID := range roomIDs {
		active, err := r.sessions.ListActiveByRoom(ctx, roomID)
		if err != nil {
			return closed, fmt.Errorf("list active sessions of room %d: %w", roomID, err)
		}
		if len(active) < 2 {
			continue
		}
		canonical := active[0]
		for _, dup := range active[1:] {
			if err := r.sessions.Close(ctx, dup.ID, entities.CloseReconciled, nil, r.now().UTC()); err != nil {
				return closed, fmt.Errorf("close duplicate session %d: %w", dup.ID, err)
			}
			closed++
			r.log.Warn().
				Int64(infrastructure.FieldRoomID, roomID).
				Int64(infrastructure.FieldSessionID, dup.ID).
				Int64("canonical_session_id", canonical.ID).
				Int("message_count", dup.MessageCount).
				Msg("duplicate active session closed")
		}
	}
	return closed, nil
}

// CloseStuck force-closes sessions in summarizing for longer than the grace period and fails
// their unfinished summary.
func (r *Reconciler) CloseStuck(ctx context.Context) (int, error) {
	stuck, err := r.sessions.ListSummarizingBefore(ctx, r.now().Add(-r.grace))
	if err != nil {
		return 0, fmt.Errorf("list stuck sessions: %w", err)
	}

	closed := 0
	for _, session := range stuck {
		var summaryID *int64
		summary, err := r.summaries.GetBySession(ctx, session.ID)
		if err != nil {
			r.log.Warn().Err(err).Int64(infrastructure.FieldSessionID, session.ID).Msg("summary lookup failed")
		}
		if summary != nil {
			summaryID = &summary.ID
			if !summary.IsTerminal() {
				completedAt := r.now().UTC()
				summary.Status = entities.SummaryFailed
				summary.Error = interruptedError
				summary.CompletedAt = &completedAt
				if err := r.summaries.Finalize(ctx, summary); err != nil && !errors.Is(err, entities.ErrNotFound) {
					r.log.Warn().Err(err).Int64("summary_id", summary.ID).Msg("failed to fail interrupted summary")
				}
			}
		}

		if err := r.sessions.Close(ctx, session.ID, entities.CloseInterrupted, summaryID, r.now().UTC()); err != nil {
			return closed, fmt.Errorf("close stuck session %d: %w", session.ID, err)
		}
		closed++
	}
	return closed, nil
}
