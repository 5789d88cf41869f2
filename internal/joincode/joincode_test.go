package joincode

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/duel/internal/session"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		addr    string
		code    string
		wantErr bool
	}{
		{in: "192.168.1.10:7420", addr: "192.168.1.10:7420"},
		{in: " localhost:80 ", addr: "localhost:80"},
		{in: "[::1]:7420", addr: "[::1]:7420"},
		{in: "ch-7kq2zd", code: "CH-7KQ2ZD"},
		{in: "CH-ABC123", code: "CH-ABC123"},
		{in: "CH-ABC12", wantErr: true},
		{in: "10.0.0.1", wantErr: true},
		{in: "10.0.0.1:0", wantErr: true},
		{in: "10.0.0.1:70000", wantErr: true},
		{in: ":7420", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidJoinCode) {
				t.Fatalf("Parse(%q) err=%v, want ErrInvalidJoinCode", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got.Address != tc.addr || got.Code != tc.code {
			t.Fatalf("Parse(%q) = %+v", tc.in, got)
		}
	}
}

func TestResolveAddressSkipsResolver(t *testing.T) {
	addr, err := Resolve(context.Background(), "127.0.0.1:7420", nil)
	if err != nil || addr != "127.0.0.1:7420" {
		t.Fatalf("resolve: %q %v", addr, err)
	}
	if _, err := Resolve(context.Background(), "CH-ABC123", nil); !errors.Is(err, ErrNoResolver) {
		t.Fatalf("code without resolver: %v", err)
	}
}

func TestRedisResolver(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := session.NewRedisStore(rdb)

	ctx := context.Background()
	ok, err := store.ClaimCode(ctx, "CH-AAAAAA", session.Listing{SessionID: "s1", Address: "10.1.2.3", Port: 7420})
	if err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}

	r := NewRedisResolver(store)
	addr, err := Resolve(ctx, "ch-aaaaaa", r)
	if err != nil || addr != "10.1.2.3:7420" {
		t.Fatalf("resolve: %q %v", addr, err)
	}
	if _, err := r.Resolve(ctx, "CH-ZZZZZZ"); !errors.Is(err, ErrInvalidJoinCode) {
		t.Fatalf("unknown code: %v", err)
	}
}

func TestHTTPResolverAgainstDirectory(t *testing.T) {
	store := session.NewMemoryStore()
	ctx := context.Background()
	if _, err := store.ClaimCode(ctx, "CH-BBBBBB", session.Listing{SessionID: "s2", Address: "host.lan", Port: 9000}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	srv := httptest.NewServer(NewDirectoryHandler(store, nil))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL, WithTimeout(2*time.Second))
	addr, err := r.Resolve(ctx, "CH-BBBBBB")
	if err != nil || addr != "host.lan:9000" {
		t.Fatalf("resolve: %q %v", addr, err)
	}
	if _, err := r.Resolve(ctx, "CH-CCCCCC"); !errors.Is(err, ErrInvalidJoinCode) {
		t.Fatalf("unknown code: %v", err)
	}
}

func TestHTTPResolverRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"address":"10.9.9.9","port":7420}`))
	}))
	defer srv.Close()

	r := NewHTTPResolver(srv.URL, WithRetry(3))
	addr, err := r.Resolve(context.Background(), "CH-DDDDDD")
	if err != nil || addr != "10.9.9.9:7420" {
		t.Fatalf("resolve: %q %v", addr, err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestHTTPResolverGivesUpOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewHTTPResolver(srv.URL).Resolve(context.Background(), "CH-EEEEEE")
	if err == nil || !strings.Contains(err.Error(), "status=400") {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("client errors must not retry, calls=%d", calls.Load())
	}
}

func TestChainFallsThrough(t *testing.T) {
	store := session.NewMemoryStore()
	ctx := context.Background()
	_, _ = store.ClaimCode(ctx, "CH-FFFFFF", session.Listing{Address: "10.0.0.7", Port: 7420})

	c := Chain{NewDirectoryResolver(session.NewMemoryStore()), NewDirectoryResolver(store)}
	addr, err := c.Resolve(ctx, "CH-FFFFFF")
	if err != nil || addr != "10.0.0.7:7420" {
		t.Fatalf("chain: %q %v", addr, err)
	}
}
