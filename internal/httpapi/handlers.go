package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"gatehouse.org/internal/admission"
	"gatehouse.org/internal/auth"
	"gatehouse.org/internal/docstore"
	"gatehouse.org/internal/facility"
	"gatehouse.org/internal/gatepass"
	"gatehouse.org/internal/obs"
	"gatehouse.org/internal/validation"
)

const serviceName = "gatehouse-api"

// Readiness reports whether the service can take traffic.
type Readiness interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the store and, when set, requires the change feed to be connected.
type ReadyProbe struct {
	Store interface{ Ping(ctx context.Context) error }
	Feed  interface{ Connected() bool }
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store != nil {
		if err := rp.Store.Ping(ctx); err != nil {
			return err
		}
	}
	if rp.Feed != nil && !rp.Feed.Connected() {
		return errors.New("change feed disconnected")
	}
	return nil
}

// Deps are the collaborators the API serves.
type Deps struct {
	Store     docstore.Store
	Admission *admission.Engine
	GatePass  *gatepass.Service
	Facility  *facility.Resolver
	Tokens    *auth.TokenService
	Ready     Readiness
	Version   string
}

// Options tune the middleware chain.
type Options struct {
	DevTokens    bool
	CORSOrigins  []string
	RatePerSec   float64
	RateBurst    int
	MaxBodyBytes int64
}

// API is the HTTP layer.
type API struct {
	mux       *http.ServeMux
	store     docstore.Store
	admission *admission.Engine
	gatepass  *gatepass.Service
	facility  *facility.Resolver
	tokens    *auth.TokenService
	ready     Readiness
	version   string
	opts      Options
	started   time.Time
}

func New(d Deps, opts Options) *API {
	if d.Ready == nil {
		d.Ready = ReadyProbe{Store: d.Store}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	a := &API{
		mux:       http.NewServeMux(),
		store:     d.Store,
		admission: d.Admission,
		gatepass:  d.GatePass,
		facility:  d.Facility,
		tokens:    d.Tokens,
		ready:     d.Ready,
		version:   d.Version,
		opts:      opts,
		started:   time.Now().UTC(),
	}
	a.routes()
	return a
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("POST /v1/visitors", a.createVisitor)
	a.mux.HandleFunc("GET /v1/visitors/{id}", a.getVisitor)
	a.mux.HandleFunc("POST /v1/visitors/{id}/{action}", a.visitorAction)

	a.mux.HandleFunc("POST /v1/gate-passes", a.issuePass)
	a.mux.HandleFunc("POST /v1/gate-passes/redeem", a.redeemPass)

	a.mux.HandleFunc("POST /v1/facilities", a.createFacility)
	a.mux.HandleFunc("POST /v1/bookings", a.book)
	a.mux.HandleFunc("GET /v1/bookings/{id}", a.getBooking)
	a.mux.HandleFunc("POST /v1/bookings/{id}/{action}", a.bookingAction)

	a.mux.HandleFunc("GET /v1/live/{concern}", a.handleLive)
	a.mux.HandleFunc("GET /v1/ws/{concern}", a.handleWebSocket)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
}

// Handler returns the mux wrapped in the full middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	if a.opts.RatePerSec > 0 {
		h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSec)
	}
	h = CORS(h, a.opts.CORSOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       serviceName,
		"version":    a.version,
		"time":       time.Now().UTC().Format(time.RFC3339),
		"started_at": a.started.Format(time.RFC3339),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorBody(w, r, code, map[string]any{"error": msg})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, code int, payload map[string]any) {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// decodeJSON reads exactly one JSON object and validates it.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	if verr := validation.ValidateStruct(dst); verr != nil {
		return verr
	}
	return nil
}

// readRequest decodes into dst and writes a 400 on failure.
func readRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := decodeJSON(r, dst)
	if err == nil {
		return true
	}
	var verr *validation.Error
	if errors.As(err, &verr) {
		writeErrorBody(w, r, http.StatusBadRequest, map[string]any{
			"error":  verr.Error(),
			"code":   "validation_error",
			"fields": verr.Fields,
		})
		return false
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	writeError(w, r, http.StatusBadRequest, err.Error())
	return false
}

func (a *API) actor(w http.ResponseWriter, r *http.Request) (auth.Actor, bool) {
	actor, err := auth.ContextProvider{}.CurrentActor(r.Context())
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="gatehouse"`)
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return auth.Actor{}, false
	}
	return actor, true
}
