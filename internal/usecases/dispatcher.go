package usecases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"project_chatdigest/internal/entities"
	"project_chatdigest/internal/infrastructure"
	"project_chatdigest/internal/interfaces"
)

const (
	// maxConcurrentRooms bounds room fan-out within one delivery.
	maxConcurrentRooms = 8
	replayBatchSize    = 500
	// maxReplayAttempts failed ingestions park an event until someone looks at it.
	maxReplayAttempts = 5
)

// Ingester is the per-message step the dispatcher fans out to.
type Ingester interface {
	Ingest(ctx context.Context, owner *entities.Owner, event entities.InboundEvent) (*IngestResult, error)
}

// Dispatcher records raw events and runs ingestion for a delivery: rooms in parallel, events of
// one room strictly in delivery order.
type Dispatcher struct {
	rawEvents interfaces.RawEventStore
	resolver  *IdentityResolver
	ingester  Ingester
	retention time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

func NewDispatcher(rawEvents interfaces.RawEventStore, resolver *IdentityResolver, ingester Ingester, retention time.Duration) *Dispatcher {
	return &Dispatcher{
		rawEvents: rawEvents,
		resolver:  resolver,
		ingester:  ingester,
		retention: retention,
		now:       time.Now,
		log:       infrastructure.Component("dispatcher"),
	}
}

// ProcessDelivery never fails the delivery; per-event outcomes are counted in the report.
func (d *Dispatcher) ProcessDelivery(ctx context.Context, channelID string, platform entities.Platform, events []entities.InboundEvent) entities.DeliveryReport {
	report := entities.DeliveryReport{Received: len(events)}
	logger := d.log.With().Str(infrastructure.FieldChannel, channelID).Logger()

	fresh := make([]entities.InboundEvent, 0, len(events))
	for _, event := range events {
		if event.EventID == "" {
			event.EventID = "gen:" + uuid.NewString()
		}
		inserted, err := d.rawEvents.Insert(ctx, d.rawEvent(channelID, platform, event))
		if err != nil {
			// Still ingest: losing the audit copy is better than losing the message.
			logger.Error().Err(err).Str(infrastructure.FieldEventID, event.EventID).Msg("raw event not stored")
		} else if !inserted {
			report.Duplicates++
			logger.Debug().Str(infrastructure.FieldEventID, event.EventID).Msg("duplicate event skipped")
			continue
		}
		fresh = append(fresh, event)
	}

	if len(fresh) > 0 {
		d.dispatch(ctx, logger, channelID, platform, fresh, &report)
	}

	logger.Info().
		Int("received", report.Received).
		Int("processed", report.Processed).
		Int("ignored", report.Ignored).
		Int("duplicates", report.Duplicates).
		Int("failed", report.Failed).
		Msg("delivery handled")
	return report
}

func (d *Dispatcher) rawEvent(channelID string, platform entities.Platform, event entities.InboundEvent) *entities.RawEvent {
	normalized, _ := json.Marshal(entities.NewStoredEvent(event))
	payload := event.Raw
	if len(payload) == 0 || !json.Valid(payload) {
		payload = normalized
	}
	received := d.now().UTC()
	return &entities.RawEvent{
		EventID:    event.EventID,
		ChannelID:  channelID,
		Platform:   platform,
		Type:       event.Type,
		Payload:    payload,
		Normalized: normalized,
		ReceivedAt: received,
		ExpiresAt:  received.Add(d.retention),
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, logger zerolog.Logger, channelID string, platform entities.Platform, events []entities.InboundEvent, report *entities.DeliveryReport) {
	owner, err := d.resolver.ResolveOwner(ctx, channelID, platform)
	if err != nil {
		// Left unprocessed so a replay can pick them up.
		logger.Error().Err(err).Msg("owner resolution failed, delivery dropped")
		report.Failed += len(events)
		for _, event := range events {
			d.recordFailure(ctx, logger, event.EventID, fmt.Errorf("resolve owner: %w", err))
		}
		return
	}

	var order []string
	byRoom := make(map[string][]entities.InboundEvent)
	for _, event := range events {
		if !event.IsMessage() {
			report.Ignored++
			var reason error
			if event.DecodeError != "" {
				reason = fmt.Errorf("malformed event: %s", event.DecodeError)
				logger.Warn().Str(infrastructure.FieldEventID, event.EventID).Str("error", event.DecodeError).Msg("malformed event recorded")
			}
			d.markProcessed(ctx, logger, event.EventID, reason)
			continue
		}
		if _, ok := byRoom[event.RoomExternalID]; !ok {
			order = append(order, event.RoomExternalID)
		}
		byRoom[event.RoomExternalID] = append(byRoom[event.RoomExternalID], event)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(maxConcurrentRooms)
	for _, roomID := range order {
		roomEvents := byRoom[roomID]
		g.Go(func() error {
			for _, event := range roomEvents {
				err := d.ingestOne(ctx, owner, event)
				if err != nil {
					logger.Error().Err(err).Str(infrastructure.FieldEventID, event.EventID).Str("room", roomID).Msg("event failed, kept for replay")
					d.recordFailure(ctx, logger, event.EventID, err)
				} else {
					d.markProcessed(ctx, logger, event.EventID, nil)
				}

				mu.Lock()
				if err != nil {
					report.Failed++
				} else {
					report.Processed++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ingestOne contains panics to the event that caused them.
func (d *Dispatcher) ingestOne(ctx context.Context, owner *entities.Owner, event entities.InboundEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while ingesting: %v", r)
		}
	}()
	_, err = d.ingester.Ingest(ctx, owner, event)
	return err
}

func (d *Dispatcher) markProcessed(ctx context.Context, logger zerolog.Logger, eventID string, processErr error) {
	msg := ""
	if processErr != nil {
		msg = processErr.Error()
	}
	if err := d.rawEvents.MarkProcessed(ctx, eventID, msg, d.now().UTC()); err != nil {
		logger.Warn().Err(err).Str(infrastructure.FieldEventID, eventID).Msg("failed to mark raw event processed")
	}
}

// recordFailure keeps the event unprocessed and counts the attempt.
func (d *Dispatcher) recordFailure(ctx context.Context, logger zerolog.Logger, eventID string, processErr error) {
	if err := d.rawEvents.RecordFailure(ctx, eventID, processErr.Error()); err != nil {
		logger.Warn().Err(err).Str(infrastructure.FieldEventID, eventID).Msg("failed to record raw event failure")
	}
}

type replayGroup struct {
	channelID string
	platform  entities.Platform
	events    []entities.InboundEvent
}

// Replay re-dispatches raw events received since the given time that were never processed.
// Batches continue while a full batch still made progress. Failed events stay unprocessed
// for the next run until they have failed maxReplayAttempts times.
func (d *Dispatcher) Replay(ctx context.Context, since time.Time) (entities.DeliveryReport, error) {
	var total entities.DeliveryReport
	for {
		batch, err := d.replayBatch(ctx, since)
		if err != nil {
			return total, err
		}
		total.Received += batch.Received
		total.Processed += batch.Processed
		total.Ignored += batch.Ignored
		total.Failed += batch.Failed

		settled := batch.Received - batch.Failed
		if batch.Received < replayBatchSize || settled == 0 || ctx.Err() != nil {
			break
		}
	}

	d.log.Info().Int("received", total.Received).Int("processed", total.Processed).Int("failed", total.Failed).Msg("replay finished")
	return total, nil
}

func (d *Dispatcher) replayBatch(ctx context.Context, since time.Time) (entities.DeliveryReport, error) {
	var batch entities.DeliveryReport

	raws, err := d.rawEvents.ListUnprocessed(ctx, since, maxReplayAttempts, replayBatchSize)
	if err != nil {
		return batch, fmt.Errorf("list unprocessed events: %w", err)
	}
	batch.Received = len(raws)

	var order []string
	groups := make(map[string]*replayGroup)
	for _, raw := range raws {
		var stored entities.StoredEvent
		if len(raw.Normalized) == 0 || json.Unmarshal(raw.Normalized, &stored) != nil || stored.EventID == "" {
			batch.Failed++
			d.markProcessed(ctx, d.log, raw.EventID, errors.New("raw event has no normalized form"))
			continue
		}
		grp, ok := groups[raw.ChannelID]
		if !ok {
			grp = &replayGroup{channelID: raw.ChannelID, platform: raw.Platform}
			groups[raw.ChannelID] = grp
			order = append(order, raw.ChannelID)
		}
		grp.events = append(grp.events, stored.Event(raw.Payload))
	}

	for _, channelID := range order {
		grp := groups[channelID]
		logger := d.log.With().Str(infrastructure.FieldChannel, channelID).Bool("replay", true).Logger()
		var report entities.DeliveryReport
		d.dispatch(ctx, logger, grp.channelID, grp.platform, grp.events, &report)
		batch.Processed += report.Processed
		batch.Ignored += report.Ignored
		batch.Failed += report.Failed
	}
	return batch, nil
}
