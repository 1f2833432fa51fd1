// Package ws terminates visitor and agent websocket connections and feeds
// their frames to the session manager.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/interdesk/internal/auth"
	"github.com/mistakeknot/interdesk/internal/core"
	"github.com/mistakeknot/interdesk/internal/session"
)

const writeTimeout = 5 * time.Second

type Config struct {
	// OriginPatterns lists extra hosts allowed to open cross-origin
	// connections, e.g. the sites embedding the chat widget.
	OriginPatterns []string
	InboundRate    rate.Limit
	InboundBurst   int
	InboundQueue   int
	OutboxSize     int
}

func DefaultConfig() Config {
	return Config{InboundRate: 20, InboundBurst: 40, InboundQueue: 64, OutboxSize: 256}
}

type Gateway struct {
	cfg Config
	mgr *session.Manager
}

func NewGateway(mgr *session.Manager, cfg Config) *Gateway {
	return &Gateway{cfg: cfg, mgr: mgr}
}

func (g *Gateway) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requested := strings.TrimSpace(r.URL.Query().Get("tenant"))
		info, _ := auth.FromContext(r.Context())
		pinned := info.Mode == auth.ModeAPIKey
		if pinned && requested != "" && requested != info.Tenant {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		tenant := auth.Tenant(r.Context(), requested)

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.cfg.OriginPatterns})
		if err != nil {
			log.Debug().Err(err).Str("component", "ws").Msg("accept")
			return
		}
		g.serve(r.Context(), conn, tenant, pinned)
	}
}

// serve runs one connection. The read loop only decodes, rate limits and
// enqueues; a single worker handles frames in arrival order so a slow store
// never stalls reads. Frames still queued when the connection drops run
// against a cancelled context and fail fast.
func (g *Gateway) serve(parent context.Context, conn *websocket.Conn, tenant string, pinned bool) {
	ctx, cancel := context.WithCancel(parent)
	out := newOutbox(uuid.NewString(), conn, g.cfg.OutboxSize)
	c := g.mgr.Open(out, tenant, pinned)
	logger := log.With().Str("component", "ws").Str("conn", out.ID()).Str("tenant", tenant).Logger()
	logger.Debug().Msg("connected")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		out.pump(ctx)
	}()
	inbound := make(chan core.Frame, g.cfg.InboundQueue)
	go func() {
		defer wg.Done()
		for f := range inbound {
			g.mgr.Handle(ctx, c, f)
		}
	}()

	limiter := rate.NewLimiter(g.cfg.InboundRate, g.cfg.InboundBurst)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				logger.Debug().Err(err).Msg("read")
			}
			break
		}
		if typ != websocket.MessageText {
			out.Push(errorPush("validation", "text frames only"))
			continue
		}
		if !limiter.Allow() {
			out.Push(errorPush("rate_limited", "too many events"))
			continue
		}
		var f core.Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
			out.Push(errorPush("validation", "malformed frame"))
			continue
		}
		select {
		case inbound <- f:
		default:
			out.Push(errorPush("overloaded", "event dropped, retry shortly"))
		}
	}

	// The worker must be gone before Close so no join can bind after it.
	cancel()
	close(inbound)
	wg.Wait()
	g.mgr.Close(c)
	out.shutdown(websocket.StatusNormalClosure, "")
	logger.Debug().Msg("disconnected")
}

func errorPush(code, msg string) core.Push {
	return core.Push{Type: core.EventError, Data: session.ErrorEvent{Code: code, Message: msg}}
}

// outbox buffers pushes for the write pump. A client too slow to drain it is
// disconnected; it resumes by rejoining with its token.
type outbox struct {
	id   string
	conn *websocket.Conn
	ch   chan core.Push
	done chan struct{}
	once sync.Once
}

func newOutbox(id string, conn *websocket.Conn, size int) *outbox {
	return &outbox{id: id, conn: conn, ch: make(chan core.Push, size), done: make(chan struct{})}
}

func (o *outbox) ID() string { return o.id }

func (o *outbox) Push(p core.Push) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.ch <- p:
		return true
	default:
		log.Warn().Str("component", "ws").Str("conn", o.id).Str("event", string(p.Type)).Msg("outbox full, closing")
		o.shutdown(websocket.StatusTryAgainLater, "outbox full")
		return false
	}
}

func (o *outbox) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.drain()
			return
		case <-o.done:
			return
		case p := <-o.ch:
			if !o.write(ctx, p) {
				return
			}
		}
	}
}

// drain flushes what is already buffered before the close frame goes out.
func (o *outbox) drain() {
	for {
		select {
		case p := <-o.ch:
			if !o.write(context.Background(), p) {
				return
			}
		default:
			return
		}
	}
}

func (o *outbox) write(ctx context.Context, p core.Push) bool {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	err := wsjson.Write(wctx, o.conn, p)
	cancel()
	if err != nil {
		o.shutdown(websocket.StatusGoingAway, "write error")
		return false
	}
	return true
}

func (o *outbox) shutdown(code websocket.StatusCode, reason string) {
	o.once.Do(func() {
		close(o.done)
		go o.conn.Close(code, reason)
	})
}
