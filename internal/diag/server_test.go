package diag

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "taper/pkg/logx"
)

type fakeSource struct {
	health error
	sweeps int
}

func (f *fakeSource) Status(context.Context) any { return map[string]int{"armed": 3} }
func (f *fakeSource) Health() error               { return f.health }
func (f *fakeSource) RunSweep(context.Context) (bool, error) {
	f.sweeps++
	return true, nil
}

func do(h http.Handler, method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	h := New(Config{}, src, logx.Nop()).Handler("")

	if rec := do(h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz=%d %q", rec.Code, rec.Body.String())
	}
	src.health = errors.New("supervisor failed")
	if rec := do(h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy code=%d", rec.Code)
	}

	rec := do(h, http.MethodGet, "/status", nil)
	var st map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil || st["armed"] != 3 {
		t.Fatalf("status=%q err=%v", rec.Body.String(), err)
	}

	if rec := do(h, http.MethodGet, "/sweep", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /sweep code=%d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/sweep", nil); rec.Code != http.StatusOK || src.sweeps != 1 {
		t.Fatalf("POST /sweep code=%d sweeps=%d", rec.Code, src.sweeps)
	}
}

func TestHandlerToken(t *testing.T) {
	t.Parallel()

	h := New(Config{}, &fakeSource{}, logx.Nop()).Handler("s3cret")

	if rec := do(h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token code=%d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/healthz?token=wrong", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token code=%d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/healthz?token=s3cret", nil); rec.Code != http.StatusOK {
		t.Fatalf("query token code=%d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/healthz", map[string]string{"Authorization": "Bearer s3cret"}); rec.Code != http.StatusOK {
		t.Fatalf("bearer token code=%d", rec.Code)
	}
}

func TestCheckBind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		cfg Config
		ok  bool
	}{
		{Config{}, true},
		{Config{Addr: "localhost:7000"}, true},
		{Config{Addr: "[::1]:7000"}, true},
		{Config{Addr: ":7000"}, false},
		{Config{Addr: "0.0.0.0:7000", Token: "t"}, true},
		{Config{Addr: "0.0.0.0:7000", AllowInsecure: true}, true},
		{Config{Addr: "nonsense"}, false},
	}
	for _, c := range cases {
		if err := CheckBind(c.cfg); (err == nil) != c.ok {
			t.Errorf("CheckBind(%+v)=%v want ok=%v", c.cfg, err, c.ok)
		}
	}
}

func TestServeAndStop(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, &fakeSource{}, logx.Nop())
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "ok" {
		t.Fatalf("healthz=%d %q", resp.StatusCode, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatalf("listener still set after stop")
	}
}
