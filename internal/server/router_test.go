package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func named(name string) chi.Router {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(name))
	})
	return r
}

func TestRegisterDomain(t *testing.T) {
	s := New("8080")
	s.RegisterDomain("events.example.com", named("events"))
	s.RegisterDomain("api.example.com", named("api"))

	tests := map[string]int{
		"http://events.example.com/": http.StatusOK,
		"http://api.example.com/":    http.StatusOK,
		"http://other.example.com/":  http.StatusNotFound,
	}
	for target, status := range tests {
		w := httptest.NewRecorder()
		s.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		if w.Code != status {
			t.Errorf("GET %s = %d, want %d", target, w.Code, status)
		}
	}

	w := httptest.NewRecorder()
	s.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://api.example.com/", nil))
	if w.Body.String() != "api" {
		t.Errorf("api.example.com served %q", w.Body.String())
	}
}

func TestFallbackDomain(t *testing.T) {
	s := New("8080")
	s.RegisterDomain("events.example.com", named("events"))
	s.RegisterDomain("", named("fallback"))

	w := httptest.NewRecorder()
	s.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://localhost/", nil))
	if w.Code != http.StatusOK || w.Body.String() != "fallback" {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New("0")
	s.RegisterDomain("", named("fallback"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
