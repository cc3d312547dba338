package tgui

import (
	"strings"
	"testing"
	"time"
)

func TestDataRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		scope, action, payload string
		want                   string
	}{
		{"adm", "stats", "", "adm:stats"},
		{"mtype", "pick", "news", "mtype:pick:news"},
		{"sched", "cancel", "12:34", "sched:cancel:12:34"},
	}
	for _, tc := range cases {
		got := Data(tc.scope, tc.action, tc.payload)
		if got != tc.want {
			t.Fatalf("Data(%q,%q,%q) = %q, want %q", tc.scope, tc.action, tc.payload, got, tc.want)
		}
		cb, ok := ParseData(got)
		if !ok || cb.Scope != tc.scope || cb.Action != tc.action || cb.Payload != tc.payload {
			t.Fatalf("ParseData(%q) = %+v, %v", got, cb, ok)
		}
	}

	for _, bad := range []string{"", "noscope", ":x", "x:"} {
		if _, ok := ParseData(bad); ok {
			t.Fatalf("ParseData(%q) accepted", bad)
		}
	}
	if err := CheckData(strings.Repeat("x", MaxCallbackDataLen+1)); err != ErrCallbackDataTooLong {
		t.Fatalf("CheckData long = %v", err)
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()

	if got := TruncRunes("короткий", 70); got != "короткий" {
		t.Fatalf("short string changed: %q", got)
	}
	long := strings.Repeat("я", 80)
	got := TruncRunes(long, 70)
	if n := len([]rune(got)); n != 70 || !strings.HasSuffix(got, "…") {
		t.Fatalf("TruncRunes len=%d got=%q", n, got)
	}
	if got := HeadRunes("абвгд", 3); got != "абв" {
		t.Fatalf("HeadRunes = %q", got)
	}
	if got := OneLine("a\nb\r\nc"); got != "a b c" {
		t.Fatalf("OneLine = %q", got)
	}
}

func TestBuilderEscapes(t *testing.T) {
	t.Parallel()

	msg := New().Title("📊", "Stats").Bullet("a < b").Build()
	if msg.Text != "📊 <b>Stats</b>\n• a &lt; b" {
		t.Fatalf("unexpected text: %q", msg.Text)
	}
	if msg.Opt.ParseMode != "HTML" || msg.Opt.ReplyMarkupAdapter != nil {
		t.Fatalf("unexpected options: %+v", msg.Opt)
	}

	plain := New().Plain().Line("a < b").Build()
	if plain.Text != "a < b" || plain.Opt.ParseMode != "" {
		t.Fatalf("plain builder escaped text: %+v", plain)
	}
}

func TestKeyedStoreTTL(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewKeyedStore[int64, string](time.Minute).WithClock(func() time.Time { return now })

	s.Put(1, "link")
	if v, ok := s.Get(1); !ok || v != "link" {
		t.Fatalf("Get(1) = %q, %v", v, ok)
	}

	now = now.Add(59 * time.Second)
	s.Put(1, "type")
	now = now.Add(59 * time.Second)
	if v, ok := s.Get(1); !ok || v != "type" {
		t.Fatalf("Put should refresh ttl; Get(1) = %q, %v", v, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := s.Get(1); ok {
		t.Fatalf("entry should have expired")
	}

	s.Put(2, "x")
	s.Delete(2)
	if _, ok := s.Get(2); ok {
		t.Fatalf("deleted entry still present")
	}
}

func TestKeyedStoreMax(t *testing.T) {
	t.Parallel()

	s := NewKeyedStore[int, int](time.Hour).WithMax(2)
	s.Put(1, 1)
	s.Put(2, 2)
	s.Put(3, 3)
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	if _, ok := s.Get(3); !ok {
		t.Fatalf("most recent key was evicted")
	}
}
