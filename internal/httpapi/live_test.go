package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gatehouse.org/internal/admission"
	"gatehouse.org/internal/gatepass"
)

type liveFrame[T any] struct {
	Concern string `json:"concern"`
	Items   []T    `json:"items"`
	Stale   bool   `json:"stale"`
}

func readSSEFrame[T any](t *testing.T, br *bufio.Reader) liveFrame[T] {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read event stream: %v", err)
		}
		data, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: ")
		if !ok {
			continue
		}
		var f liveFrame[T]
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			t.Fatalf("decode frame %q: %v", data, err)
		}
		return f
	}
}

func TestLiveSSEFollowsVisitors(t *testing.T) {
	c := newTestAPI(t)
	guardToken := c.obtainToken("guard-1", "gatekeeper", "")
	resident := bearerHeader(c.obtainToken("res-a101", "resident", "A-101"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/live/visitors?"+url.Values{"access_token": {guardToken}}.Encode(), nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	br := bufio.NewReader(resp.Body)

	first := readSSEFrame[admission.Entry](t, br)
	if first.Concern != "visitors" || len(first.Items) != 0 || first.Stale {
		t.Fatalf("unexpected first frame %+v", first)
	}

	create := c.post("/v1/visitors", map[string]any{"visitor_name": "Rahul's cousin", "unit_id": "A-101"},
		bearerHeader(guardToken))
	expectStatus(t, create, http.StatusCreated)
	entry := decode[admission.Entry](t, create)

	approve := c.post("/v1/visitors/"+entry.ID+"/approve", nil, resident)
	expectStatus(t, approve, http.StatusOK)
	approve.Body.Close()

	for {
		f := readSSEFrame[admission.Entry](t, br)
		if len(f.Items) == 1 && f.Items[0].Status == admission.StatusApproved {
			break
		}
	}
}

func TestLiveRejectsBadRequests(t *testing.T) {
	c := newTestAPI(t)
	guard := bearerHeader(c.obtainToken("guard-1", "gatekeeper", ""))

	resp := c.get("/v1/live/parcels", nil, guard)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.get("/v1/live/visitors", url.Values{"limit": {"-3"}}, guard)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.get("/v1/live/bookings", url.Values{"facility_id": {"missing"}, "date": {"2024-06-01"}}, guard)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = c.get("/v1/live/visitors", url.Values{"access_token": {"forged"}}, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestLiveWebSocketRedactsTokensForGatekeepers(t *testing.T) {
	c := newTestAPI(t)
	guardToken := c.obtainToken("guard-1", "gatekeeper", "")
	residentToken := c.obtainToken("res-a101", "resident", "A-101")

	resp := c.post("/v1/gate-passes", map[string]any{"visitor_name": "Asha", "validity_hours": 2},
		bearerHeader(residentToken))
	expectStatus(t, resp, http.StatusCreated)
	pass := decode[gatepass.Pass](t, resp)

	dial := func(token string) *websocket.Conn {
		t.Helper()
		u := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/ws/gate-passes?" +
			url.Values{"access_token": {token}}.Encode()
		conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
		if err != nil {
			t.Fatalf("dial %s: %v", u, err)
		}
		resp.Body.Close()
		t.Cleanup(func() { _ = conn.Close() })
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		return conn
	}

	var guardView liveFrame[gatepass.Pass]
	if err := dial(guardToken).ReadJSON(&guardView); err != nil {
		t.Fatalf("read guard frame: %v", err)
	}
	if len(guardView.Items) != 1 || guardView.Items[0].ID != pass.ID {
		t.Fatalf("unexpected guard frame %+v", guardView)
	}
	if guardView.Items[0].Token != "" {
		t.Fatalf("gatekeeper frame leaked token %q", guardView.Items[0].Token)
	}

	var ownView liveFrame[gatepass.Pass]
	if err := dial(residentToken).ReadJSON(&ownView); err != nil {
		t.Fatalf("read resident frame: %v", err)
	}
	if len(ownView.Items) != 1 || ownView.Items[0].Token != pass.Token {
		t.Fatalf("resident should see own token, got %+v", ownView)
	}
}
