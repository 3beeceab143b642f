package usecases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"project_chatdigest/internal/entities"
	"project_chatdigest/internal/infrastructure"
	"project_chatdigest/internal/interfaces"
)

type SummarizerConfig struct {
	Model           string
	InputCostPer1K  float64
	OutputCostPer1K float64
	Location        *time.Location // transcript timestamps
}

// Summarizer turns a session in summarizing into a terminal Summary and a closed session.
type Summarizer struct {
	sessions  interfaces.SessionStore
	messages  interfaces.MessageStore
	summaries interfaces.SummaryStore
	rooms     interfaces.RoomStore
	usage     interfaces.UsageStore
	ai        interfaces.AIClient
	cfg       SummarizerConfig
	now       func() time.Time
	log       zerolog.Logger
}

func NewSummarizer(
	sessions interfaces.SessionStore,
	messages interfaces.MessageStore,
	summaries interfaces.SummaryStore,
	rooms interfaces.RoomStore,
	usage interfaces.UsageStore,
	ai interfaces.AIClient,
	cfg SummarizerConfig,
) *Summarizer {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Summarizer{
		sessions:  sessions,
		messages:  messages,
		summaries: summaries,
		rooms:     rooms,
		usage:     usage,
		ai:        ai,
		cfg:       cfg,
		now:       time.Now,
		log:       infrastructure.Component("summarizer"),
	}
}

// SummarizeAndClose calls the provider once and always leaves the session closed. The returned
// summary is nil only when no summary row could be created.
func (s *Summarizer) SummarizeAndClose(ctx context.Context, session *entities.ChatSession) (summary *entities.Summary) {
	logger := s.log.With().Int64(infrastructure.FieldSessionID, session.ID).Int64(infrastructure.FieldRoomID, session.RoomID).Logger()

	summary, err := s.startSummary(ctx, session)
	if err != nil {
		logger.Error().Err(err).Msg("cannot create summary, closing without one")
		s.closeSession(ctx, logger, session, nil)
		return nil
	}
	if summary.IsTerminal() {
		s.closeSession(ctx, logger, session, &summary.ID)
		return summary
	}

	finishing := false
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("summarization panicked")
			if finishing {
				if session.Status != entities.SessionClosed {
					s.closeSession(ctx, logger, session, &summary.ID)
				}
				return
			}
			summary.Status = entities.SummaryFailed
			summary.Error = fmt.Sprintf("panic: %v", r)
			s.finish(ctx, logger, session, summary)
		}
	}()

	if err := s.summarize(ctx, session, summary); err != nil {
		summary.Status = entities.SummaryFailed
		summary.Error = err.Error()
		logger.Warn().Err(err).Msg("summarization failed")
	} else {
		summary.Status = entities.SummaryCompleted
	}
	finishing = true
	s.finish(ctx, logger, session, summary)
	return summary
}

// startSummary creates the processing row, or adopts the one a previous attempt left behind.
func (s *Summarizer) startSummary(ctx context.Context, session *entities.ChatSession) (*entities.Summary, error) {
	summary := &entities.Summary{
		SessionID: session.ID,
		RoomID:    session.RoomID,
		OwnerID:   session.OwnerID,
		Model:     s.cfg.Model,
	}
	err := s.summaries.CreateProcessing(ctx, summary)
	if errors.Is(err, entities.ErrConflict) {
		existing, getErr := s.summaries.GetBySession(ctx, session.ID)
		if getErr != nil {
			return nil, getErr
		}
		if existing == nil {
			return nil, fmt.Errorf("summary for session %d conflicted but cannot be read back", session.ID)
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func (s *Summarizer) summarize(ctx context.Context, session *entities.ChatSession, summary *entities.Summary) error {
	fresh, err := s.sessions.GetByID(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	msgs, err := s.messages.ListBySession(ctx, session.ID)
	if err != nil {
		s.log.Warn().Err(err).Int64(infrastructure.FieldSessionID, session.ID).Msg("message load failed, using embedded log")
		msgs = nil
	}
	if len(msgs) == 0 {
		msgs = MessagesFromLog(fresh)
	}
	if len(msgs) == 0 {
		return errors.New("session has no messages to summarize")
	}

	meta := SessionMeta{
		SessionID:    fresh.ID,
		StartTime:    fresh.StartTime,
		EndTime:      msgs[len(msgs)-1].SentAt,
		MessageCount: fresh.MessageCount,
		Participants: Participants(msgs),
	}
	if room, err := s.rooms.GetByID(ctx, fresh.RoomID); err == nil {
		meta.RoomName, meta.RoomType = room.DisplayName, room.Type
	}

	prompt := BuildPrompt(meta, BuildTranscript(msgs, s.cfg.Location), s.cfg.Location)

	started := s.now()
	completion, err := s.ai.Generate(ctx, prompt)
	summary.LatencyMs = s.now().Sub(started).Milliseconds()
	if err != nil {
		return fmt.Errorf("ai provider: %w", err)
	}
	if completion == nil || strings.TrimSpace(completion.Text) == "" {
		return errors.New("ai provider returned an empty response")
	}

	if completion.Model != "" {
		summary.Model = completion.Model
	}
	summary.PromptTokens = completion.PromptTokens
	if summary.PromptTokens == 0 {
		summary.PromptTokens = ApproxTokens(prompt)
	}
	summary.CompletionTokens = completion.CompletionTokens
	if summary.CompletionTokens == 0 {
		summary.CompletionTokens = ApproxTokens(completion.Text)
	}
	summary.TotalTokens = summary.PromptTokens + summary.CompletionTokens
	summary.EstimatedCost = EstimateCost(summary.TotalTokens, s.cfg.InputCostPer1K, s.cfg.OutputCostPer1K)

	parsed := ParseSummaryResponse(completion.Text)
	summary.Content = parsed.Content
	summary.KeyTopics = parsed.KeyTopics
	summary.Analysis = parsed.Analysis
	summary.Degraded = parsed.Degraded
	if parsed.Degraded {
		s.log.Info().Int64(infrastructure.FieldSessionID, session.ID).Msg("provider answer was not JSON, used keyword fallback")
	}
	return nil
}

func (s *Summarizer) finish(ctx context.Context, logger zerolog.Logger, session *entities.ChatSession, summary *entities.Summary) {
	completedAt := s.now().UTC()
	summary.CompletedAt = &completedAt

	if err := s.summaries.Finalize(ctx, summary); err != nil {
		logger.Error().Err(err).Int64("summary_id", summary.ID).Msg("failed to finalize summary")
	} else if summary.Status == entities.SummaryCompleted {
		if err := s.usage.RecordSummary(ctx, session.OwnerID, summary.TotalTokens); err != nil {
			logger.Warn().Err(err).Msg("failed to record summary usage")
		}
	}
	s.closeSession(ctx, logger, session, &summary.ID)

	logger.Info().
		Str("status", string(summary.Status)).
		Bool("degraded", summary.Degraded).
		Int("tokens", summary.TotalTokens).
		Int64("latency_ms", summary.LatencyMs).
		Msg("session summarized")
}

func (s *Summarizer) closeSession(ctx context.Context, logger zerolog.Logger, session *entities.ChatSession, summaryID *int64) {
	if err := s.sessions.Close(ctx, session.ID, session.CloseReason, summaryID, s.now().UTC()); err != nil {
		logger.Error().Err(err).Msg("failed to close session")
		return
	}
	session.Status = entities.SessionClosed
	session.SummaryID = summaryID
	if err := s.usage.RecordSessionClosed(ctx, session.OwnerID); err != nil {
		logger.Warn().Err(err).Msg("failed to record session usage")
	}
}
