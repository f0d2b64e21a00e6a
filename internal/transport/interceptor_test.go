package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jmylchreest/refyne-bypass/internal/bypass"
	"github.com/jmylchreest/refyne-bypass/internal/config"
	"github.com/jmylchreest/refyne-bypass/internal/protection"
	"github.com/jmylchreest/refyne-bypass/internal/solver"
)

type stubSolver struct {
	cookie string
	err    error
	calls  int
}

func (s *stubSolver) Name() string { return "stub" }

func (s *stubSolver) Solve(ctx context.Context, p solver.Params) (*solver.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &solver.Result{Cookies: []*http.Cookie{{Name: solver.ClearanceCookie, Value: s.cookie}}}, nil
}

// protectedServer challenges every request without cf_clearance=abc and echoes
// the request body once cleared.
func protectedServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(solver.ClearanceCookie); err != nil || c.Value != "abc" {
			w.Header().Set("Server", "cloudflare")
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, "<title>Just a moment...</title>")
			return
		}
		body, _ := io.ReadAll(r.Body)
		io.WriteString(w, "cleared:"+string(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newManager(s solver.Solver) *bypass.Manager {
	settings := config.DefaultSettings()
	settings.Strategy = "DEFAULT"
	settings.MaxRetries = 2
	return bypass.NewManager(bypass.Options{
		Solver:   s,
		Settings: config.NewSettingsStore(settings),
		Sleep:    func(ctx context.Context, d time.Duration) error { return ctx.Err() },
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return string(b)
}

func TestInterceptor_BypassSucceeds(t *testing.T) {
	srv := protectedServer(t)
	s := &stubSolver{cookie: "abc"}
	client := NewClient(nil, newManager(s), 5*time.Second, nil)

	resp, err := client.Post(srv.URL+"/submit", "text/plain", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if got := readBody(t, resp); got != "cleared:payload" {
		t.Errorf("body = %q, want %q", got, "cleared:payload")
	}
	if !Bypassed(resp.Header) {
		t.Error("Bypassed() = false, want true")
	}
	if s.calls != 1 {
		t.Errorf("solver calls = %d, want 1", s.calls)
	}
}

func TestInterceptor_UnbufferedBody(t *testing.T) {
	srv := protectedServer(t)
	client := NewClient(nil, newManager(&stubSolver{cookie: "abc"}), 5*time.Second, nil)

	req, err := http.NewRequest(http.MethodPost, srv.URL, io.NopCloser(strings.NewReader("streamed")))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got := readBody(t, resp); got != "cleared:streamed" {
		t.Errorf("body = %q, want %q", got, "cleared:streamed")
	}
}

func TestInterceptor_BypassFailsGracefully(t *testing.T) {
	srv := protectedServer(t)
	s := &stubSolver{err: solver.ErrChallengeNotResolved}
	client := NewClient(nil, newManager(s), 5*time.Second, nil)

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
	if got := readBody(t, resp); got != "<title>Just a moment...</title>" {
		t.Errorf("body = %q, want original challenge page", got)
	}
	if Bypassed(resp.Header) {
		t.Error("Bypassed() = true, want false")
	}
	if s.calls != 2 {
		t.Errorf("solver calls = %d, want 2", s.calls)
	}
}

func TestInterceptor_PassThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "nginx")
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, "denied")
	}))
	defer srv.Close()

	s := &stubSolver{cookie: "abc"}
	client := NewClient(nil, newManager(s), 5*time.Second, nil)

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := readBody(t, resp); got != "denied" {
		t.Errorf("body = %q, want %q", got, "denied")
	}
	if s.calls != 0 {
		t.Errorf("solver calls = %d, want 0", s.calls)
	}
}

func TestInterceptor_CancelledBypass(t *testing.T) {
	srv := protectedServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	s := solverFunc(func(context.Context, solver.Params) (*solver.Result, error) {
		cancel()
		return nil, context.Canceled
	})
	client := NewClient(nil, newManager(s), 5*time.Second, nil)

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	_, err := client.Do(req)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
}

func TestInterceptor_ClassifiedTypeRecorded(t *testing.T) {
	srv := protectedServer(t)
	m := newManager(&stubSolver{cookie: "abc"})
	client := NewClient(nil, m, 5*time.Second, nil)

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	readBody(t, resp)

	stats, ok := m.Monitor().Stats("127.0.0.1")
	if !ok {
		t.Fatal("no stats recorded for 127.0.0.1")
	}
	if stats.LastChallengeType != string(protection.TypeJS) {
		t.Errorf("LastChallengeType = %q, want %q", stats.LastChallengeType, protection.TypeJS)
	}
}

func TestInterceptor_ReplayStillChallenged(t *testing.T) {
	srv := protectedServer(t)
	s := &stubSolver{cookie: "revoked"}
	client := NewClient(nil, newManager(s), 5*time.Second, nil)

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	readBody(t, resp)

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
	if Bypassed(resp.Header) {
		t.Error("Bypassed() = true for a replay that is still challenged")
	}
	if s.calls != 1 {
		t.Errorf("solver calls = %d, want 1", s.calls)
	}
}

type solverFunc func(context.Context, solver.Params) (*solver.Result, error)

func (f solverFunc) Name() string { return "func" }

func (f solverFunc) Solve(ctx context.Context, p solver.Params) (*solver.Result, error) {
	return f(ctx, p)
}
