package relay

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"
)

// Input is one chunk received from the producer.
type Input struct {
	Source Channel
	Chunk  []byte
}

// Output is one chunk ready for a channel's subscribers.
type Output struct {
	Channel Channel
	Chunk   []byte
}

// Emitter hands transform results back to the relay. It may be called
// after Transform returns, from any goroutine, until the pipeline stops.
type Emitter func(ctx context.Context, out Output) error

// Transformer turns one input into zero or more outputs. Implementations
// must not retain the emitter past the context they were run with.
type Transformer interface {
	Transform(ctx context.Context, in Input, emit Emitter) error
}

// Runner is implemented by transformers with background work of their own.
type Runner interface {
	Run(ctx context.Context) error
}

// TransformFunc adapts a plain function to a Transformer.
type TransformFunc func(ctx context.Context, in Input, emit Emitter) error

func (f TransformFunc) Transform(ctx context.Context, in Input, emit Emitter) error {
	return f(ctx, in, emit)
}

// Route sends every input to Channel after Delay.
type Route struct {
	Channel Channel
	Delay   time.Duration
}

type delayed struct {
	due   time.Time
	chunk []byte
	emit  Emitter
}

// PassThrough re-emits each input unchanged on every route. It stands in for
// a speech-to-speech translation stage: the source language goes out at
// once, the others after a fixed processing delay. Each route has its own
// FIFO delay line so output order matches input order per channel.
type PassThrough struct {
	routes  []Route
	lines   []chan delayed
	dropped atomic.Int64
}

func NewPassThrough(routes []Route, lineSize int) *PassThrough {
	if lineSize < 1 {
		lineSize = 1
	}
	routes = slices.Clone(routes)
	lines := make([]chan delayed, len(routes))
	for i := range lines {
		lines[i] = make(chan delayed, lineSize)
	}
	return &PassThrough{routes: routes, lines: lines}
}

func (p *PassThrough) Routes() []Route { return slices.Clone(p.routes) }

func (p *PassThrough) Transform(ctx context.Context, in Input, emit Emitter) error {
	now := time.Now()
	for i, route := range p.routes {
		if route.Delay <= 0 {
			if err := emit(ctx, Output{Channel: route.Channel, Chunk: in.Chunk}); err != nil {
				return err
			}
			continue
		}

		select {
		case p.lines[i] <- delayed{due: now.Add(route.Delay), chunk: in.Chunk, emit: emit}:
		default:
			p.dropped.Add(1)
			slog.WarnContext(ctx, "transform delay line full, dropping chunk",
				"channel", route.Channel,
			)
		}
	}
	return nil
}

// Dropped is the number of route copies lost to a full delay line.
func (p *PassThrough) Dropped() int64 { return p.dropped.Load() }

// Run drives the delay lines until ctx is done.
func (p *PassThrough) Run(ctx context.Context) error {
	done := make(chan struct{}, len(p.routes))
	for i, route := range p.routes {
		go func() {
			defer func() { done <- struct{}{} }()
			p.runLine(ctx, route.Channel, p.lines[i])
		}()
	}
	for range p.routes {
		<-done
	}
	return ctx.Err()
}

func (p *PassThrough) runLine(ctx context.Context, ch Channel, line <-chan delayed) {
	for {
		var d delayed
		select {
		case <-ctx.Done():
			return
		case d = <-line:
		}

		if wait := time.Until(d.due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if err := d.emit(ctx, Output{Channel: ch, Chunk: d.chunk}); err != nil {
			slog.DebugContext(ctx, "transform emit failed", "channel", ch, "error", err)
		}
	}
}
