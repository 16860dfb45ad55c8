package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/siam-sk/nexus-living-bms-client/internal/config"
)

func TestProxyForwardsSessionToken(t *testing.T) {
	var gotPath, gotRaw, gotAuth, gotCookie, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotRaw = r.URL.Path, r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		gotCookie = r.Header.Get("Cookie")
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer upstream.Close()

	h, err := MakeProxyHandler(config.RouteConfig{
		Path:     "/payments/{email}",
		Upstream: upstream.URL + "/payments/{email}",
	}, Options{Token: func(*http.Request) string { return "id-token" }})
	if err != nil {
		t.Fatalf("MakeProxyHandler: %v", err)
	}
	r := chi.NewRouter()
	r.Get("/payments/{email}", h.ServeHTTP)
	srv := httptest.NewServer(r)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/payments/ada@x.com?page=2", nil)
	req.AddCookie(&http.Cookie{Name: "nexus_session", Value: "abc"})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if gotPath != "/payments/ada@x.com" || gotRaw != "/payments/ada@x.com" {
		t.Errorf("upstream path = %q (%q)", gotPath, gotRaw)
	}
	if gotAuth != "Bearer id-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotCookie != "" {
		t.Errorf("session cookie leaked upstream: %q", gotCookie)
	}
	if gotQuery != "page=2" {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestProxyInvalidatesSessionOnUpstreamAuthFailure(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		invalidated := 0
		h, err := MakeProxyHandler(config.RouteConfig{Path: "/coupons", Upstream: upstream.URL + "/coupons"}, Options{
			Token:         func(*http.Request) string { return "id-token" },
			OnAuthFailure: func(*http.Request) { invalidated++ },
		})
		if err != nil {
			t.Fatalf("MakeProxyHandler: %v", err)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/coupons", nil))
		upstream.Close()

		if invalidated != 1 {
			t.Fatalf("status %d: invalidated %d times", status, invalidated)
		}
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status %d: client got %d", status, rec.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["redirect_to"] != "/login" {
			t.Fatalf("body = %v", body)
		}
	}
}

func TestProxyAnonymousForbiddenIsPassedThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer upstream.Close()

	called := false
	h, _ := MakeProxyHandler(config.RouteConfig{Path: "/apartments", Upstream: upstream.URL + "/apartments"}, Options{
		OnAuthFailure: func(*http.Request) { called = true },
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/apartments", nil))
	if called || rec.Code != http.StatusForbidden {
		t.Fatalf("called=%v status=%d", called, rec.Code)
	}
}

func TestProxyBadUpstream(t *testing.T) {
	if _, err := MakeProxyHandler(config.RouteConfig{Path: "/x", Upstream: "not a url"}, Options{}); err == nil {
		t.Fatal("expected error for invalid upstream")
	}
}

func TestProxyUpstreamDown(t *testing.T) {
	h, _ := MakeProxyHandler(config.RouteConfig{Path: "/x", Upstream: "http://127.0.0.1:1/x"}, Options{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}
