package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pool wraps a Processor in a poll loop for the serve command. External
// schedulers that prefer to own the tick call Processor.ProcessBatch
// directly (the process command).
type Pool struct {
	processor *Processor
	pollRate  time.Duration
	log       zerolog.Logger
	stop      chan struct{}
	wg        sync.WaitGroup
}

func NewPool(processor *Processor, pollRate time.Duration, log zerolog.Logger) *Pool {
	if pollRate <= 0 {
		pollRate = time.Second
	}
	return &Pool{
		processor: processor,
		pollRate:  pollRate,
		log:       log,
		stop:      make(chan struct{}),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.log.Info().Dur("poll_rate", p.pollRate).Msg("starting delivery processor loop")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pollLoop(ctx)
	}()
}

func (p *Pool) Stop() {
	p.log.Info().Msg("stopping delivery processor loop")
	close(p.stop)
	p.wg.Wait()
	p.log.Info().Msg("delivery processor loop stopped")
}

func (p *Pool) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(p.pollRate)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.processor.ProcessBatch(ctx); err != nil {
				p.log.Error().Err(err).Msg("batch processing failed")
			}
		}
	}
}
