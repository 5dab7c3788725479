package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"gatehouse.org/internal/admission"
	"gatehouse.org/internal/auth"
	"gatehouse.org/internal/docstore"
	"gatehouse.org/internal/facility"
	"gatehouse.org/internal/gatepass"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *docstore.Memory
	clock   *testClock
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	clk := &testClock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	store := docstore.NewMemory(docstore.WithMemoryClock(clk.Now))
	engine := admission.NewEngine(store, admission.WithClock(clk.Now))
	tokens, err := auth.NewTokenService("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}

	api := New(Deps{
		Store:     store,
		Admission: engine,
		GatePass:  gatepass.NewService(store, engine, gatepass.WithClock(clk.Now)),
		Facility:  facility.NewResolver(store, facility.WithClock(clk.Now)),
		Tokens:    tokens,
		Version:   "test",
	}, Options{DevTokens: true, RatePerSec: 1000, RateBurst: 1000})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		store:   store,
		clock:   clk,
		t:       t,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	switch b := body.(type) {
	case nil:
	case string:
		payload = []byte(b)
	default:
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(userID, role, unitID string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"user_id":    userID,
		"role":       role,
		"unit_id":    unitID,
		"society_id": "soc-1",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, r *http.Response, want int) {
	t.Helper()
	if r.StatusCode != want {
		body := decode[map[string]any](t, r)
		t.Fatalf("expected status %d, got %d: %v", want, r.StatusCode, body)
	}
}

type errorBody struct {
	Error              string           `json:"error"`
	Code               string           `json:"code"`
	RequestID          string           `json:"request_id"`
	ConflictingBooking facility.Booking `json:"conflicting_booking"`
	Fields             []struct {
		Field string `json:"field"`
		Tag   string `json:"tag"`
	} `json:"fields"`
}

func TestAPIVisitorFlow(t *testing.T) {
	c := newTestAPI(t)
	guard := bearerHeader(c.obtainToken("guard-1", "gatekeeper", ""))
	rahul := bearerHeader(c.obtainToken("res-rahul", "resident", "A-101"))
	other := bearerHeader(c.obtainToken("res-meera", "resident", "B-202"))

	resp := c.post("/v1/visitors", map[string]any{
		"visitor_name": "Courier",
		"purpose":      "delivery",
		"unit_id":      "A-101",
	}, guard)
	expectStatus(t, resp, http.StatusCreated)
	entry := decode[admission.Entry](t, resp)
	if entry.Status != admission.StatusPending || entry.CreatedBy != "guard-1" {
		t.Fatalf("unexpected entry %+v", entry)
	}

	resp = c.get("/v1/visitors/"+entry.ID, nil, other)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.post("/v1/visitors/"+entry.ID+"/enter", nil, guard)
	expectStatus(t, resp, http.StatusConflict)
	if body := decode[errorBody](t, resp); body.Code != "invalid_transition" || body.RequestID == "" {
		t.Fatalf("unexpected error body %+v", body)
	}

	resp = c.post("/v1/visitors/"+entry.ID+"/approve", nil, rahul)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[admission.Entry](t, resp); got.Status != admission.StatusApproved || got.ResolvedBy != "res-rahul" {
		t.Fatalf("unexpected approved entry %+v", got)
	}

	for _, step := range []string{"enter", "exit"} {
		resp = c.post("/v1/visitors/"+entry.ID+"/"+step, nil, guard)
		expectStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}

	resp = c.post("/v1/visitors/"+entry.ID+"/enter", nil, guard)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = c.get("/v1/visitors/"+entry.ID, nil, rahul)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[admission.Entry](t, resp); got.Status != admission.StatusExited {
		t.Fatalf("expected exited, got %s", got.Status)
	}

	resp = c.post("/v1/visitors/"+entry.ID+"/teleport", nil, guard)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestAPIRequiresToken(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/v1/visitors/anything", nil, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
	resp.Body.Close()

	resp = c.get("/v1/visitors/anything", nil, bearerHeader("not-a-jwt"))
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = c.get("/v1/visitors/anything", nil, map[string]string{"Authorization": "Basic Zm9vOmJhcg=="})
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestAPIGatePassFlow(t *testing.T) {
	c := newTestAPI(t)
	guard := bearerHeader(c.obtainToken("guard-1", "gatekeeper", ""))
	resident := bearerHeader(c.obtainToken("res-a101", "resident", "A-101"))

	resp := c.post("/v1/gate-passes", map[string]any{"visitor_name": "Asha", "validity_hours": 4}, resident)
	expectStatus(t, resp, http.StatusCreated)
	pass := decode[gatepass.Pass](t, resp)
	if pass.Status != gatepass.StatusActive || len(pass.Token) != gatepass.MinTokenDigits {
		t.Fatalf("unexpected pass %+v", pass)
	}

	resp = c.post("/v1/gate-passes/redeem", map[string]any{"token": pass.Token}, resident)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.post("/v1/gate-passes/redeem", map[string]any{"token": pass.Token}, guard)
	expectStatus(t, resp, http.StatusOK)
	red := decode[gatepass.Redemption](t, resp)
	if red.Pass.Status != gatepass.StatusUsed || red.Entry.Status != admission.StatusApproved {
		t.Fatalf("unexpected redemption %+v", red)
	}
	if red.Entry.UnitID != "A-101" || red.Pass.VisitorEntryID != red.Entry.ID {
		t.Fatalf("redemption not linked: %+v", red)
	}

	resp = c.post("/v1/gate-passes/redeem", map[string]any{"token": pass.Token}, guard)
	expectStatus(t, resp, http.StatusConflict)
	if body := decode[errorBody](t, resp); body.Code != "already_used" {
		t.Fatalf("expected already_used, got %+v", body)
	}

	resp = c.post("/v1/gate-passes", map[string]any{"visitor_name": "Late", "validity_hours": 1}, resident)
	expectStatus(t, resp, http.StatusCreated)
	late := decode[gatepass.Pass](t, resp)
	c.clock.Advance(2 * time.Hour)

	resp = c.post("/v1/gate-passes/redeem", map[string]any{"token": late.Token}, guard)
	expectStatus(t, resp, http.StatusGone)
	resp.Body.Close()

	resp = c.post("/v1/gate-passes/redeem", map[string]any{"token": "000000"}, guard)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = c.post("/v1/gate-passes", map[string]any{"visitor_name": "Long", "validity_hours": 500}, resident)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestAPIBookingConflict(t *testing.T) {
	c := newTestAPI(t)
	admin := bearerHeader(c.obtainToken("admin-1", "admin", ""))
	resident := bearerHeader(c.obtainToken("res-a101", "resident", "A-101"))

	resp := c.post("/v1/facilities", map[string]any{"name": "Hall-1"}, resident)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.post("/v1/facilities", map[string]any{"name": "Hall-1"}, admin)
	expectStatus(t, resp, http.StatusCreated)
	hall := decode[facility.Facility](t, resp)

	book := func(start, end string) *http.Response {
		return c.post("/v1/bookings", map[string]any{
			"facility_id": hall.ID,
			"date":        "2024-06-01",
			"start":       start,
			"end":         end,
		}, resident)
	}

	resp = book("09:00", "11:00")
	expectStatus(t, resp, http.StatusCreated)
	first := decode[facility.Booking](t, resp)
	if first.Status != facility.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", first.Status)
	}

	resp = book("09:30", "10:00")
	expectStatus(t, resp, http.StatusConflict)
	body := decode[errorBody](t, resp)
	if body.Code != "conflict" || body.ConflictingBooking.ID != first.ID {
		t.Fatalf("conflict should name %s, got %+v", first.ID, body)
	}

	resp = book("11:00", "12:00")
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = c.post("/v1/bookings/"+first.ID+"/cancel", nil, resident)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[facility.Booking](t, resp); got.Status != facility.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	resp = book("09:30", "10:00")
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = book("12:00", "11:00")
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestAPIRejectsMalformedBodies(t *testing.T) {
	c := newTestAPI(t)
	resident := bearerHeader(c.obtainToken("res-a101", "resident", "A-101"))

	resp := c.post("/v1/bookings", map[string]any{
		"facility_id": "hall",
		"date":        "01/06/2024",
		"start":       "9am",
		"end":         "11:00",
	}, resident)
	expectStatus(t, resp, http.StatusBadRequest)
	body := decode[errorBody](t, resp)
	if body.Code != "validation_error" {
		t.Fatalf("expected validation_error, got %+v", body)
	}
	tags := map[string]string{}
	for _, f := range body.Fields {
		tags[f.Field] = f.Tag
	}
	if tags["date"] != "isodate" || tags["start"] != "clock" {
		t.Fatalf("unexpected field errors %+v", body.Fields)
	}

	for name, raw := range map[string]string{
		"unknown field": `{"visitor_name":"x","validity_hours":1,"colour":"red"}`,
		"trailing data": `{"visitor_name":"x","validity_hours":1}{}`,
		"empty":         ``,
	} {
		resp := c.post("/v1/gate-passes", raw, resident)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestAPIHealthAndReadiness(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/healthz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	if body := decode[map[string]any](t, resp); body["service"] != serviceName {
		t.Fatalf("unexpected health body %v", body)
	}

	resp = c.get("/readyz", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	c.store.SetUnavailable(true)
	resp = c.get("/readyz", nil, nil)
	expectStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()

	resp = c.get("/v1/info", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	if body := decode[map[string]any](t, resp); body["version"] != "test" {
		t.Fatalf("unexpected info body %v", body)
	}
}

func TestAPIStoreOutageIsUnavailable(t *testing.T) {
	c := newTestAPI(t)
	guard := bearerHeader(c.obtainToken("guard-1", "gatekeeper", ""))

	c.store.SetUnavailable(true)
	resp := c.post("/v1/visitors", map[string]any{"visitor_name": "Courier", "unit_id": "A-101"}, guard)
	expectStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()
}

func TestAPIDevTokensDisabled(t *testing.T) {
	tokens, err := auth.NewTokenService("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	api := New(Deps{Store: docstore.NewMemory(), Tokens: tokens}, Options{})
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/v1/auth/token", "application/json",
		bytes.NewReader([]byte(`{"user_id":"u","role":"admin","society_id":"s"}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
