// Package relay fans a single producer's audio stream out to listeners
// grouped by channel, with a transform stage in between.
package relay

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/zhamlin/audio-relay/web"
)

// Relay owns the registry, producer slot and pipeline of one process.
type Relay struct {
	cfg         Config
	source      Channel
	verifier    *Verifier
	registry    *Registry
	broadcaster *Broadcaster
	slot        *ProducerSlot
	pipeline    *Pipeline
	limiter     *HostLimiter
}

// New builds a relay from cfg. A nil transformer uses a PassThrough over
// the configured routes.
func New(cfg Config, t Transformer) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	channels, err := cfg.ChannelSet()
	if err != nil {
		return nil, err
	}
	source, err := channels.Parse(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if t == nil {
		t = NewPassThrough(cfg.Routes(), cfg.Transform.QueueSize)
	}

	registry := NewRegistry(channels)
	broadcaster := NewBroadcaster(registry)
	return &Relay{
		cfg:         cfg,
		source:      source,
		verifier:    NewVerifier(cfg.Credentials()),
		registry:    registry,
		broadcaster: broadcaster,
		slot:        &ProducerSlot{},
		pipeline: NewPipeline(PipelineConfig{
			Workers:   cfg.Transform.Workers,
			QueueSize: cfg.Transform.QueueSize,
		}, t, broadcaster),
		limiter: NewHostLimiter(rate.Limit(cfg.Producer.AuthRate), cfg.Producer.AuthBurst),
	}, nil
}

func (rl *Relay) Verifier() *Verifier       { return rl.verifier }
func (rl *Relay) Registry() *Registry       { return rl.registry }
func (rl *Relay) Broadcaster() *Broadcaster { return rl.broadcaster }
func (rl *Relay) Slot() *ProducerSlot       { return rl.slot }
func (rl *Relay) Pipeline() *Pipeline       { return rl.pipeline }

// Run drives the transform pipeline. ctx should be the server's lifetime,
// not a connection's, so chunks in flight survive a producer disconnect.
func (rl *Relay) Run(ctx context.Context) error {
	return rl.pipeline.Run(ctx)
}

func (rl *Relay) Status() Status {
	st := Status{
		Subscribers:      make(map[string]int),
		ProducerState:    Closed.String(),
		DroppedChunks:    rl.pipeline.Dropped(),
		DroppedListeners: rl.broadcaster.Dropped(),
	}
	if p := rl.slot.Holder(); p != nil {
		st.Producer = true
		st.ProducerState = p.State().String()
	}
	for ch, n := range rl.registry.Counts() {
		st.Subscribers[ch.String()] = n
	}
	return st
}

// Handler routes the websocket endpoints, the pages and the status report.
func (rl *Relay) Handler() http.Handler {
	h := http.NewServeMux()
	h.Handle("GET /ws/technician", NewIngressHandler(IngressOptions{
		Verifier:      rl.verifier,
		Slot:          rl.slot,
		Pipeline:      rl.pipeline,
		Source:        rl.source,
		Limiter:       rl.limiter,
		MaxChunkBytes: rl.cfg.Producer.MaxChunkBytes,
	}))
	h.Handle("GET /ws/stream/{channel}", NewListenerHandler(ListenerOptions{
		Registry:     rl.registry,
		SendQueue:    rl.cfg.Listener.SendQueue,
		PingInterval: time.Duration(rl.cfg.Listener.PingInterval),
	}))

	headers := http.Header{}
	headers.Set("Cache-Control", "max-age=0")
	headers.Set("Cross-Origin-Opener-Policy", "same-origin")
	headersMW := HeaderMiddleware(headers)

	var compress func(http.Handler) http.Handler = func(next http.Handler) http.Handler { return next }
	if rl.cfg.Gzip {
		compress = CompressionMiddleware([]string{"gzip"})
	}
	auth := NewBasicAuthMiddleware(rl.verifier)

	pages := web.Pages()
	h.Handle("GET /{$}", headersMW(compress(servePage(pages, "listener.html"))))
	h.Handle("GET /technician", headersMW(auth(compress(servePage(pages, "technician.html")))))
	h.Handle("GET /status", auth(newStatusHandler(rl)))
	h.Handle("GET /static/", headersMW(http.StripPrefix("/static", NewFileServer(web.Static(), rl.cfg.Gzip))))
	return h
}

func servePage(fsys fs.FS, name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeFileFS(w, r, fsys, name)
	})
}
