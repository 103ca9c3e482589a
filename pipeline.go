package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	ErrPipelineFull   = errors.New("transform pipeline full")
	ErrPipelineClosed = errors.New("transform pipeline closed")
)

type PipelineConfig struct {
	// Workers calling Transform concurrently. One keeps input order.
	Workers   int
	QueueSize int
}

// Pipeline sits between the producer and the broadcaster. Submit queues an
// input without blocking; workers run the transformer; a single forwarder
// passes outputs to the broadcaster in the order they were emitted.
type Pipeline struct {
	cfg         PipelineConfig
	transformer Transformer
	broadcaster *Broadcaster

	inputs  chan Input
	outputs chan Output

	closed  atomic.Bool
	dropped atomic.Int64
}

func NewPipeline(cfg PipelineConfig, t Transformer, b *Broadcaster) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	return &Pipeline{
		cfg:         cfg,
		transformer: t,
		broadcaster: b,
		inputs:      make(chan Input, cfg.QueueSize),
		outputs:     make(chan Output, cfg.QueueSize),
	}
}

// Submit queues in for transformation and returns at once.
func (p *Pipeline) Submit(in Input) error {
	if p.closed.Load() {
		return ErrPipelineClosed
	}

	select {
	case p.inputs <- in:
		return nil
	default:
		p.dropped.Add(1)
		return fmt.Errorf("submit %q: %w", in.Source, ErrPipelineFull)
	}
}

// Dropped is the number of inputs refused because the queue was full, plus
// whatever the transformer reports losing itself.
func (p *Pipeline) Dropped() int64 {
	n := p.dropped.Load()
	if d, ok := p.transformer.(interface{ Dropped() int64 }); ok {
		n += d.Dropped()
	}
	return n
}

func (p *Pipeline) emit(ctx context.Context, out Output) error {
	select {
	case p.outputs <- out:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes inputs until ctx is done. Inputs submitted before Run wait
// in the queue; once Run returns Submit fails with ErrPipelineClosed.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.closed.Store(true)

	var wg sync.WaitGroup
	if r, ok := p.transformer.(Runner); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.ErrorContext(ctx, "transformer stopped", "error", err)
			}
		}()
	}

	for range p.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.forward(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

func (p *Pipeline) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-p.inputs:
			if err := p.transformer.Transform(ctx, in, p.emit); err != nil {
				slog.WarnContext(ctx, "transform failed", "channel", in.Source, "error", err)
			}
		}
	}
}

func (p *Pipeline) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-p.outputs:
			n := p.broadcaster.Broadcast(ctx, out.Channel, out.Chunk)
			slog.DebugContext(ctx, "broadcast chunk",
				"channel", out.Channel,
				"bytes", len(out.Chunk),
				"subscribers", n,
			)
		}
	}
}
