package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fernhill/crmhooks/internal/config"
	"github.com/fernhill/crmhooks/internal/models"
	"github.com/fernhill/crmhooks/internal/storage"
)

// BatchResult summarizes one processor tick for monitoring.
type BatchResult struct {
	Processed   int `json:"processed"`
	Succeeded   int `json:"succeeded"`
	Retried     int `json:"retried"`
	Failed      int `json:"failed"`
	DeadLetters int `json:"dead_letters"`
}

// Processor drains one bounded batch of due deliveries per call. The
// running flag only skips overlapping self-invocations within this process;
// cross-process safety comes from the store's atomic claim.
type Processor struct {
	store     storage.Storage
	sender    *Sender
	batchSize int
	workers   int
	log       zerolog.Logger
	running   atomic.Bool
}

func NewProcessor(cfg config.DeliveryConfig, store storage.Storage, log zerolog.Logger) *Processor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Processor{
		store:     store,
		sender:    NewSender(cfg.DefaultTimeout, cfg.MaxBodyBytes),
		batchSize: batchSize,
		workers:   workers,
		log:       log,
	}
}

// ProcessBatch claims due items and delivers them with bounded concurrency.
// A second call while one is in flight returns an empty result.
func (p *Processor) ProcessBatch(ctx context.Context) (BatchResult, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.log.Debug().Msg("batch already in flight, skipping tick")
		return BatchResult{}, nil
	}
	defer p.running.Store(false)

	items, err := p.store.ClaimDueDeliveries(ctx, p.batchSize)
	if err != nil {
		return BatchResult{}, err
	}
	if len(items) == 0 {
		return BatchResult{}, nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		res = BatchResult{Processed: len(items)}
		sem = make(chan struct{}, p.workers)
	)

	for _, item := range items {
		item := item
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			outcome := p.process(ctx, item)
			mu.Lock()
			switch outcome {
			case outcomeSucceeded:
				res.Succeeded++
			case outcomeRetried:
				res.Retried++
			case outcomeFailed:
				res.Failed++
			case outcomeDeadLettered:
				res.DeadLetters++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	p.log.Info().
		Int("processed", res.Processed).
		Int("succeeded", res.Succeeded).
		Int("retried", res.Retried).
		Int("failed", res.Failed).
		Int("dead_letters", res.DeadLetters).
		Msg("batch completed")

	return res, nil
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRetried
	outcomeFailed
	outcomeDeadLettered
)

func (p *Processor) process(ctx context.Context, d models.QueuedDelivery) outcome {
	log := p.log.With().Str("delivery_id", d.ID).Str("event", string(d.Event)).Logger()

	sub, err := p.store.GetSubscription(ctx, d.SubscriptionID)
	if err != nil {
		// Lookup error, no HTTP attempt made: reschedule with the count
		// unchanged so the attempt budget is not consumed.
		log.Error().Err(err).Msg("failed to resolve subscription")
		if err := p.store.ScheduleRetry(ctx, d.ID, d.AttemptCount, "subscription lookup failed: "+err.Error()); err != nil {
			log.Error().Err(err).Msg("failed to reschedule delivery")
		}
		return outcomeRetried
	}
	if sub == nil {
		// Permanent condition: retrying against a deleted target can never
		// succeed. No HTTP attempt is made.
		log.Warn().Str("subscription_id", d.SubscriptionID).Msg("subscription no longer exists, dead-lettering")
		if err := p.store.MarkDeadLetter(ctx, d.ID, d.AttemptCount, "subscription "+d.SubscriptionID+" no longer exists"); err != nil {
			log.Error().Err(err).Msg("failed to dead-letter delivery")
		}
		return outcomeDeadLettered
	}
	if !sub.Active {
		log.Info().Str("subscription_id", sub.ID).Msg("subscription inactive, marking failed")
		if err := p.store.MarkFailed(ctx, d.ID, "subscription is inactive"); err != nil {
			log.Error().Err(err).Msg("failed to mark delivery failed")
		}
		return outcomeFailed
	}

	result := p.sender.Send(ctx, sub, d.PayloadID, d.Event, d.AttemptCount, d.Payload)
	attemptNumber := d.AttemptCount + 1

	attempt := &models.DeliveryAttempt{
		ID:             models.NewID("att"),
		DeliveryID:     d.ID,
		SubscriptionID: sub.ID,
		Event:          d.Event,
		AttemptNumber:  attemptNumber,
		Success:        result.Success(),
		StatusCode:     result.StatusCode,
		ResponseBody:   result.ResponseBody,
		LatencyMs:      result.LatencyMs,
		Error:          result.Error,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.store.CreateAttempt(ctx, attempt); err != nil {
		log.Error().Err(err).Msg("failed to record attempt")
	}

	switch {
	case result.Success():
		if err := p.store.MarkCompleted(ctx, d.ID, attemptNumber); err != nil {
			log.Error().Err(err).Msg("failed to mark delivery completed")
		}
		if err := p.store.MarkDelivered(ctx, sub.ID); err != nil {
			log.Error().Err(err).Msg("failed to update subscription stats")
		}
		log.Info().
			Int("status_code", result.StatusCode).
			Int64("latency_ms", result.LatencyMs).
			Msg("delivery succeeded")
		return outcomeSucceeded

	case attemptNumber < d.MaxAttempts:
		if err := p.store.ScheduleRetry(ctx, d.ID, attemptNumber, result.Describe()); err != nil {
			log.Error().Err(err).Msg("failed to schedule retry")
		}
		log.Info().
			Int("attempt", attemptNumber).
			Int("max_attempts", d.MaxAttempts).
			Str("reason", result.Describe()).
			Msg("delivery scheduled for retry")
		return outcomeRetried

	default:
		if err := p.store.MarkDeadLetter(ctx, d.ID, attemptNumber, result.Describe()); err != nil {
			log.Error().Err(err).Msg("failed to dead-letter delivery")
		}
		if err := p.store.IncrementFailureCount(ctx, sub.ID); err != nil {
			log.Error().Err(err).Msg("failed to increment failure count")
		}
		log.Warn().
			Int("attempts", attemptNumber).
			Str("reason", result.Describe()).
			Msg("delivery exhausted retries, dead-lettered")
		return outcomeDeadLettered
	}
}
