package pprof

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"testing"
	"time"

	logx "framesched/pkg/logx"
)

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp
}

func TestApplyEnableDisable(t *testing.T) {
	prevMutex := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		runtime.SetMutexProfileFraction(prevMutex)
		runtime.SetBlockProfileRate(0)
	})

	s := New(logx.Nop(), func() any { return map[string]int{"frames": 3} })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.Cleanup(func() { s.Stop(context.Background()) })

	cfg := Config{Enabled: true, Addr: "127.0.0.1:0", Token: "t0k", MutexProfileFraction: 7}
	if err := s.Apply(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("expected bound address")
	}
	if got := runtime.SetMutexProfileFraction(-1); got != 7 {
		t.Fatalf("mutex profile fraction = %d, want 7", got)
	}

	resp := get(t, "http://"+addr+"/debug/pprof/", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", resp.StatusCode)
	}

	resp = get(t, "http://"+addr+"/debug/pprof/stats", "t0k")
	var body map[string]int
	err := json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err != nil || body["frames"] != 3 {
		t.Fatalf("stats = %v, %v", body, err)
	}

	// Same config: no restart, same address.
	if err := s.Apply(ctx, cfg); err != nil || s.Addr() != addr {
		t.Fatalf("reapply changed server: %v %q", err, s.Addr())
	}

	if err := s.Apply(ctx, Config{Enabled: false}); err != nil {
		t.Fatal(err)
	}
	if s.Addr() != "" {
		t.Fatal("server still bound after disable")
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), nil)
	err := s.Apply(context.Background(), Config{Enabled: true, Addr: "0.0.0.0:0", MutexProfileFraction: -1, BlockProfileRate: -1})
	if !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("err = %v, want ErrInsecureBind", err)
	}
}

func TestHelpers(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{"": "/debug/pprof/", "dbg": "/dbg/", "/x/": "/x/"} {
		if got := normalizePrefix(in); got != want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
	for addr, want := range map[string]bool{"127.0.0.1:1": true, "localhost:1": true, "[::1]:1": true, ":6060": false, "10.0.0.1:1": false, "bad": false} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}
