package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"mailbot/internal/eventbus"
	rtsup "mailbot/internal/runtime/supervisor"
	"mailbot/internal/storage"
	logx "mailbot/pkg/logx"
)

var testNow = time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *storage.SQLStore {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "ops.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seed(t *testing.T, st *storage.SQLStore) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []int64{1, 2, 3} {
		if err := st.UpsertUser(ctx, id, id == 1, testNow.Add(-time.Hour)); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if _, err := st.CreateMailing(ctx, storage.Mailing{
		Type: "news", CreatedAt: testNow, PostLink: "https://t.me/chan/5", FromChat: "@chan", MessageID: 5, RecipientsCount: 3,
	}); err != nil {
		t.Fatalf("create mailing: %v", err)
	}
	for i, at := range []time.Time{testNow.Add(time.Hour), testNow.Add(2 * time.Hour)} {
		if _, err := st.CreateScheduled(ctx, storage.ScheduledMailing{
			MailingType: "promotion", PostLink: "https://t.me/chan/6", FromChat: "@chan", MessageID: 6 + i,
			AdminChatID: 1, ScheduledAt: at, CreatedAt: testNow, Status: storage.StatusPending,
		}); err != nil {
			t.Fatalf("create scheduled: %v", err)
		}
	}
	if err := st.TransitionScheduled(ctx, 2, storage.StatusPending, storage.StatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

func get(t *testing.T, h http.Handler, path string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestRouterEndpoints(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	seed(t, st)

	h := NewRouter(Sources{
		Store: st,
		Now:   func() time.Time { return testNow },
		Supervisors: func() map[string]rtsup.Snapshot {
			return map[string]rtsup.Snapshot{"core": {Active: 2, Started: 2}}
		},
	}, Config{}, logx.Nop())

	tests := []struct {
		path string
		code int
	}{
		{"/healthz", http.StatusOK},
		{"/stats", http.StatusOK},
		{"/mailings", http.StatusOK},
		{"/mailings/1", http.StatusOK},
		{"/mailings/99", http.StatusNotFound},
		{"/mailings/abc", http.StatusBadRequest},
		{"/mailings?limit=0", http.StatusBadRequest},
		{"/scheduled", http.StatusOK},
		{"/scheduled/2", http.StatusOK},
		{"/scheduled/404", http.StatusNotFound},
		{"/events", http.StatusOK},
		{"/runtime", http.StatusOK},
		{"/debug/pprof/", http.StatusNotFound},
	}
	for _, tc := range tests {
		if rec := get(t, h, tc.path, nil); rec.Code != tc.code {
			t.Fatalf("GET %s: got %d want %d (%s)", tc.path, rec.Code, tc.code, rec.Body.String())
		}
	}

	stats := decode[storage.UserStats](t, get(t, h, "/stats", nil))
	if stats.Total != 3 || stats.Active24h != 3 {
		t.Fatalf("stats: %+v", stats)
	}

	rows := decode[[]storage.ScheduledMailing](t, get(t, h, "/scheduled?status=pending", nil))
	if len(rows) != 1 || rows[0].ID != 1 {
		t.Fatalf("pending rows: %+v", rows)
	}

	m := decode[storage.Mailing](t, get(t, h, "/mailings/1", nil))
	if m.FromChat != "@chan" || m.RecipientsCount != 3 {
		t.Fatalf("mailing: %+v", m)
	}

	rt := decode[map[string]rtsup.Snapshot](t, get(t, h, "/runtime", nil))
	if rt["core"].Active != 2 {
		t.Fatalf("runtime: %+v", rt)
	}

	if ev := decode[[]eventbus.Event](t, get(t, h, "/events", nil)); len(ev) != 0 {
		t.Fatalf("events without a buffer: %+v", ev)
	}
}

func TestRouterToken(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	h := NewRouter(Sources{Store: st}, Config{Token: "s3cret"}, logx.Nop())

	tests := []struct {
		name string
		path string
		hdr  map[string]string
		code int
	}{
		{"missing", "/healthz", nil, http.StatusUnauthorized},
		{"wrong query", "/healthz?token=nope", nil, http.StatusUnauthorized},
		{"query", "/healthz?token=s3cret", nil, http.StatusOK},
		{"bearer", "/healthz", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"wrong bearer", "/healthz", map[string]string{"Authorization": "Bearer x"}, http.StatusUnauthorized},
	}
	for _, tc := range tests {
		if rec := get(t, h, tc.path, tc.hdr); rec.Code != tc.code {
			t.Fatalf("%s: got %d want %d", tc.name, rec.Code, tc.code)
		}
	}
}

func TestRouterProfilingAndEvents(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	bus := eventbus.New()
	recent := eventbus.NewRecent(10)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go recent.Run(ctx, bus)

	h := NewRouter(Sources{Store: st, Events: recent}, Config{Profiling: true}, logx.Nop())
	if rec := get(t, h, "/debug/pprof/", nil); rec.Code != http.StatusOK {
		t.Fatalf("pprof index: %d", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(eventbus.Event{Type: eventbus.TypeScheduledTransition})
		ev := decode[[]eventbus.Event](t, get(t, h, "/events", nil))
		if len(ev) > 0 {
			if ev[0].Type != eventbus.TypeScheduledTransition {
				t.Fatalf("event: %+v", ev[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no events recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServiceRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	if !isLoopbackAddr("127.0.0.1:0") || !isLoopbackAddr("localhost:80") || isLoopbackAddr("0.0.0.0:80") {
		t.Fatalf("isLoopbackAddr misclassified")
	}

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Sources{Store: openStore(t)}, logx.Nop())
	if err := s.serveOnce(context.Background()); err == nil {
		t.Fatalf("expected refusal for non-loopback addr without token")
	}
}

func TestServiceServesAndReconfigures(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Sources{Store: st}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	t.Cleanup(func() { s.Stop(ctx) })

	addr := waitAddr(t, s)
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatalf("still listening after disable")
	}
}

func waitAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a := s.Addr(); a != "" {
			return a
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server did not start")
	return ""
}
