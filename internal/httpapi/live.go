package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"gatehouse.org/internal/admission"
	"gatehouse.org/internal/auth"
	"gatehouse.org/internal/facility"
	"gatehouse.org/internal/gatepass"
	"gatehouse.org/internal/liveview"
)

const (
	sseKeepAlive = 15 * time.Second
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	maxLiveItems = 500
)

// frame is one snapshot as sent to live consumers.
type frame struct {
	Concern string    `json:"concern"`
	Items   any       `json:"items"`
	Stale   bool      `json:"stale"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// liveFeed holds only the newest frame; a slow consumer skips intermediate ones.
type liveFeed struct {
	frames chan frame
	done   <-chan struct{}
	cancel func()
}

func openFeed[T any](ctx context.Context, src liveview.Source, spec liveview.Spec, concern liveview.Concern, mapItem func(T) T) (*liveFeed, error) {
	feed := &liveFeed{frames: make(chan frame, 1)}
	view, err := liveview.Open(ctx, src, spec, liveview.Handlers[T]{
		OnSnapshot: func(s liveview.Snapshot[T]) {
			feed.offer(toFrame(concern, s, mapItem))
		},
	})
	if err != nil {
		return nil, err
	}
	feed.done = view.Done()
	feed.cancel = view.Cancel
	return feed, nil
}

func toFrame[T any](concern liveview.Concern, s liveview.Snapshot[T], mapItem func(T) T) frame {
	items := make([]T, len(s.Items))
	for i, it := range s.Items {
		if mapItem != nil {
			it = mapItem(it)
		}
		items[i] = it
	}
	f := frame{Concern: string(concern), Items: items, Stale: s.Stale, At: s.At}
	if s.Err != nil {
		f.Error = "live data temporarily unavailable"
	}
	return f
}

// offer replaces any undelivered frame. There is a single producer.
func (f *liveFeed) offer(fr frame) {
	for {
		select {
		case f.frames <- fr:
			return
		default:
		}
		select {
		case <-f.frames:
		default:
		}
	}
}

// openLive resolves the actor's scope for the requested concern and opens a
// typed view on it.
func (a *API) openLive(ctx context.Context, actor auth.Actor, r *http.Request) (*liveFeed, error) {
	concern := liveview.Concern(r.PathValue("concern"))
	spec, err := liveview.ScopeFor(actor, concern)
	if err != nil {
		return nil, err
	}
	q := r.URL.Query()
	if fid := q.Get("facility_id"); fid != "" && concern == liveview.ConcernBookings {
		date := q.Get("date")
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", facility.ErrInvalidInput)
		}
		if _, err := a.facility.Facility(ctx, actor, fid); err != nil {
			return nil, err
		}
		spec = liveview.BookingsForFacilityDay(fid, date)
	}
	limit := maxLiveItems
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: limit must be a positive integer", admission.ErrInvalidInput)
		}
		limit = min(n, maxLiveItems)
	}
	spec = spec.Take(limit)

	switch concern {
	case liveview.ConcernVisitors:
		return openFeed[admission.Entry](ctx, a.store, spec, concern, nil)
	case liveview.ConcernPasses:
		var redact func(gatepass.Pass) gatepass.Pass
		if actor.Is(auth.RoleGatekeeper) {
			redact = func(p gatepass.Pass) gatepass.Pass {
				p.Token = ""
				return p
			}
		}
		return openFeed(ctx, a.store, spec, concern, redact)
	default:
		return openFeed[facility.Booking](ctx, a.store, spec, concern, nil)
	}
}

// handleLive streams snapshots as server-sent events.
func (a *API) handleLive(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	feed, err := a.openLive(r.Context(), actor, r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	defer feed.cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	ping := time.NewTicker(sseKeepAlive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-feed.done:
			return
		case f := <-feed.frames:
			payload, err := json.Marshal(f)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: snapshot\ndata: "))
			_, _ = w.Write(payload)
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-ping.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleWebSocket sends the same frames over a WebSocket. Inbound messages are
// read only to notice the peer going away.
func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	actor, ok := a.actor(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	feed, err := a.openLive(ctx, actor, r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	defer feed.cancel()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     a.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-feed.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "view closed"),
				time.Now().Add(wsWriteWait))
			return
		case f := <-feed.frames:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (a *API) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err == nil && u.Host == r.Host {
		return true
	}
	return originAllowed(origin, a.opts.CORSOrigins)
}
