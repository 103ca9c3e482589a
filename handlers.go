package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const defaultPingInterval = 30 * time.Second

type IngressOptions struct {
	Verifier *Verifier
	Slot     *ProducerSlot
	Pipeline *Pipeline
	// Source is the channel every producer chunk is tagged with.
	Source Channel
	// Limiter throttles failed handshakes per host; nil disables throttling.
	Limiter       *HostLimiter
	MaxChunkBytes int64
}

// NewIngressHandler serves the producer endpoint. Credentials come from the
// subprotocol offer and are checked before anything else is touched; only
// after that does the connection get the producer slot and start streaming.
func NewIngressHandler(opts IngressOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		producer := NewProducer()
		defer producer.Close()

		host := RemoteHost(r)
		throttled := opts.Limiter != nil && opts.Limiter.Throttled(host)
		creds, parseErr := ParseAuthProtocols(OfferedProtocols(r))
		authorized := opts.Verifier.VerifyHandshake(creds, parseErr)
		if !throttled && !authorized && opts.Limiter != nil {
			opts.Limiter.Fail(host)
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:       []string{Protocol},
			InsecureSkipVerify: true,
		})
		if err != nil {
			slog.ErrorContext(ctx, "websocket.Accept", "error", err)
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		log := slog.With("producer", producer.ID(), "remote", r.RemoteAddr)
		switch {
		case throttled:
			log.WarnContext(ctx, "producer handshake throttled")
			c.Close(websocket.StatusTryAgainLater, "too many attempts")
			return
		case !authorized:
			log.WarnContext(ctx, "producer rejected", "reason", "unauthorized")
			c.Close(websocket.StatusPolicyViolation, "unauthorized")
			return
		}

		release, err := opts.Slot.Acquire(producer)
		if err != nil {
			log.WarnContext(ctx, "producer refused", "error", err)
			c.Close(websocket.StatusTryAgainLater, "producer already connected")
			return
		}
		defer release()
		producer.Stream()

		if opts.MaxChunkBytes > 0 {
			c.SetReadLimit(opts.MaxChunkBytes)
		}

		log.InfoContext(ctx, "producer connected", "channel", opts.Source)
		for {
			typ, chunk, err := c.Read(ctx)
			if err != nil {
				log.InfoContext(ctx, "producer disconnected",
					"status", websocket.CloseStatus(err),
					"error", err,
				)
				return
			}
			if typ != websocket.MessageBinary {
				log.WarnContext(ctx, "producer sent a text frame")
				c.Close(websocket.StatusUnsupportedData, "binary chunks only")
				return
			}

			if err := opts.Pipeline.Submit(Input{Source: opts.Source, Chunk: chunk}); err != nil {
				log.WarnContext(ctx, "chunk dropped", "error", err)
			}
		}
	}
}

type ListenerOptions struct {
	Registry     *Registry
	SendQueue    int
	PingInterval time.Duration
}

// NewListenerHandler serves /ws/stream/{channel}. Listeners only receive;
// a data frame from them ends the connection.
func NewListenerHandler(opts ListenerOptions) http.HandlerFunc {
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ch, chErr := opts.Registry.Channels().Parse(r.PathValue("channel"))

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			slog.ErrorContext(ctx, "websocket.Accept", "error", err)
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		if chErr != nil {
			slog.DebugContext(ctx, "listener rejected", "error", chErr)
			c.Close(websocket.StatusPolicyViolation, "invalid channel")
			return
		}

		sub := NewSubscriber(ch, opts.SendQueue)
		if err := opts.Registry.Join(ch, sub); err != nil {
			slog.WarnContext(ctx, "listener join failed", "error", err)
			c.Close(websocket.StatusPolicyViolation, "invalid channel")
			return
		}
		// Leave before Close, so a broadcast in between sees a non-member.
		defer sub.Close(ErrSubscriberClosed)
		defer opts.Registry.Leave(ch, sub)

		log := slog.With("channel", ch, "subscriber", sub.ID())
		log.InfoContext(ctx, "listener connected")

		ctx = c.CloseRead(ctx)
		pingTicker := time.NewTicker(pingInterval)
		defer pingTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.InfoContext(ctx, "listener disconnected")
				return
			case <-sub.Done():
				if errors.Is(sub.Err(), ErrSlowSubscriber) {
					log.WarnContext(ctx, "listener too slow, dropped")
					c.Close(websocket.StatusTryAgainLater, "slow consumer")
				}
				return
			case <-pingTicker.C:
				if err := c.Ping(ctx); err != nil {
					log.DebugContext(ctx, "websocket ping error", "error", err)
					return
				}
			case chunk := <-sub.Chunks():
				if err := c.Write(ctx, websocket.MessageBinary, chunk); err != nil {
					log.DebugContext(ctx, "websocket.Write", "error", err)
					return
				}
			}
		}
	}
}

// NewBasicAuthMiddleware guards page routes with the producer credentials.
// Missing and wrong credentials get the same response.
func NewBasicAuthMiddleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			var parseErr error
			if !ok {
				parseErr = ErrMalformedAuth
				user, pass = "", ""
			}
			if !v.VerifyHandshake(Credentials{Username: user, Password: pass}, parseErr) {
				w.Header().Set("WWW-Authenticate", `Basic realm="relay", charset="UTF-8"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type Status struct {
	Producer         bool           `json:"producer"`
	ProducerState    string         `json:"producer_state"`
	Subscribers      map[string]int `json:"subscribers"`
	DroppedChunks    int64          `json:"dropped_chunks"`
	DroppedListeners int64          `json:"dropped_listeners"`
}

func newStatusHandler(rl *Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		if err := json.NewEncoder(w).Encode(rl.Status()); err != nil {
			slog.DebugContext(r.Context(), "status encode", "error", err)
		}
	}
}
