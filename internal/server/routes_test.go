package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"stockstreamv1/internal/cast"
	"stockstreamv1/internal/model"
	"stockstreamv1/internal/publish"
)

type stubStore struct{}

func (stubStore) TickerCounts(context.Context, time.Time, string) ([]model.TickerCount, error) {
	return nil, nil
}

func (stubStore) Trades(context.Context, time.Time, string, int64, int64) (map[string][]model.Trade, error) {
	return nil, nil
}

func newTestServer(t *testing.T) (*Server, *http.ServeMux) {
	t.Helper()
	cs := cast.New()
	pub := publish.New(stubStore{}, cs, publish.Config{
		TickInterval: 20 * time.Millisecond,
	})
	srv := &Server{Pub: pub, Cast: cs, Secret: "sekrit"}
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	return srv, mux
}

func do(mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = "10.9.9.9:41234"
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCommandRequiresToken(t *testing.T) {
	_, mux := newTestServer(t)

	for _, target := range []string{"/serv/start", "/serv/start?token=", "/serv/start?token=wrong"} {
		if rec := do(mux, http.MethodGet, target, ""); rec.Code != http.StatusForbidden {
			t.Errorf("GET %s = %d, want 403", target, rec.Code)
		}
	}
}

func TestCommandLifecycle(t *testing.T) {
	_, mux := newTestServer(t)

	rec := do(mux, http.MethodGet, "/serv/start?token=sekrit", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("start = %d: %s", rec.Code, rec.Body.String())
	}

	// Starting twice is a state conflict, reported with the current info.
	rec = do(mux, http.MethodGet, "/serv/start?token=sekrit", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("second start = %d, want 409", rec.Code)
	}
	var resp struct {
		Success bool                   `json:"success"`
		Info    map[string]interface{} `json:"info"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode conflict body: %v", err)
	}
	if resp.Success {
		t.Error("conflict response has success=true")
	}
	if resp.Info["state"] == nil {
		t.Error("conflict response missing info.state")
	}

	// Stop defers to the scheduler's next tick and then succeeds.
	rec = do(mux, http.MethodGet, "/serv/stop?token=sekrit", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop = %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(mux, http.MethodGet, "/serv/stop?token=sekrit", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("stop while stopped = %d, want 409", rec.Code)
	}
}

func TestCommandReset(t *testing.T) {
	srv, mux := newTestServer(t)

	rec := do(mux, http.MethodGet, "/serv/reset?token=sekrit&date=2012-06-01T10:00:00", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset = %d: %s", rec.Code, rec.Body.String())
	}
	want := time.Date(2012, time.June, 1, 10, 0, 0, 0, time.UTC)
	if got := srv.Pub.History().Offset(); !got.Equal(want) {
		t.Errorf("offset after reset = %v, want %v", got, want)
	}

	rec = do(mux, http.MethodGet, "/serv/reset?token=sekrit&date=june-1st", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("reset with bad date = %d, want 400", rec.Code)
	}
}

func TestUnknownCommand(t *testing.T) {
	_, mux := newTestServer(t)
	if rec := do(mux, http.MethodGet, "/serv/explode?token=sekrit", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown command = %d, want 404", rec.Code)
	}
}

func TestInfoAndNow(t *testing.T) {
	_, mux := newTestServer(t)

	rec := do(mux, http.MethodGet, "/info", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("/info = %d", rec.Code)
	}
	var info map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode /info: %v", err)
	}
	if info["state"] != "NEW" {
		t.Errorf("state = %v, want NEW", info["state"])
	}
	if info["endpoints"] != float64(0) {
		t.Errorf("endpoints = %v, want 0", info["endpoints"])
	}

	rec = do(mux, http.MethodGet, "/now", "")
	var now map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&now); err != nil {
		t.Fatalf("decode /now: %v", err)
	}
	if _, err := time.Parse(model.TimeLayout, now["nowish"]); err != nil {
		t.Errorf("nowish %q not parseable: %v", now["nowish"], err)
	}
}

func TestRegisterDefaultsToCallerAddress(t *testing.T) {
	srv, mux := newTestServer(t)

	rec := do(mux, http.MethodPut, "/register", `{"port":8081,"pathname":"/feed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT /register = %d: %s", rec.Code, rec.Body.String())
	}
	if srv.Cast.Len() != 1 {
		t.Fatalf("Len() = %d after register, want 1", srv.Cast.Len())
	}

	ep := srv.Cast.EndPoints()[0]
	if ep.Hostname() != "10.9.9.9" {
		t.Errorf("hostname = %q, want caller address 10.9.9.9", ep.Hostname())
	}

	rec = do(mux, http.MethodDelete, "/register", `{"hostname":"10.9.9.9","port":8081,"pathname":"/feed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE /register = %d: %s", rec.Code, rec.Body.String())
	}
	if srv.Cast.Len() != 0 {
		t.Errorf("Len() = %d after delete, want 0", srv.Cast.Len())
	}
}

func TestRegisterRejectsBadBody(t *testing.T) {
	_, mux := newTestServer(t)

	if rec := do(mux, http.MethodPut, "/register", "{nope"); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON = %d, want 400", rec.Code)
	}
	if rec := do(mux, http.MethodPut, "/register", `{"verb":"GET","hostname":"x"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad verb = %d, want 400", rec.Code)
	}
	if rec := do(mux, http.MethodPost, "/register", `{"hostname":"x"}`); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST = %d, want 405", rec.Code)
	}
}

func TestAuthorizedAcceptsTOTP(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.TOTPSecret = "JBSWY3DPEHPK3PXP"

	code, err := totp.GenerateCode(srv.TOTPSecret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	if !srv.authorized(code) {
		t.Error("valid TOTP code rejected")
	}
	if srv.authorized("000000") && code != "000000" {
		t.Error("bogus TOTP code accepted")
	}
	if !srv.authorized("sekrit") {
		t.Error("static secret rejected with TOTP configured")
	}
}
