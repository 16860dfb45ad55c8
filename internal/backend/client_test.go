package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestIsAdminSendsBearerAndPath(t *testing.T) {
	var gotPath, gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"admin":true}`))
	})

	ok, err := c.IsAdmin(context.Background(), "tok", "a@x.com")
	if err != nil {
		t.Fatalf("IsAdmin: %v", err)
	}
	if !ok {
		t.Fatal("expected admin=true")
	}
	if gotPath != "/users/admin/a@x.com" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("authorization = %q", gotAuth)
	}
}

func TestIsMemberOmitsHeaderWithoutToken(t *testing.T) {
	var hadAuth bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, hadAuth = r.Header["Authorization"]
		_, _ = w.Write([]byte(`{"member":false}`))
	})
	ok, err := c.IsMember(context.Background(), "", "b@x.com")
	if err != nil || ok {
		t.Fatalf("IsMember = %t, %v", ok, err)
	}
	if hadAuth {
		t.Fatal("authorization header must be omitted without a token")
	}
}

func TestFlagEscapesSlash(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{"member":true}`))
	})
	if _, err := c.IsMember(context.Background(), "", "we/ird@x.com"); err != nil {
		t.Fatalf("IsMember: %v", err)
	}
	if gotPath != "/users/member/we%2Fird@x.com" {
		t.Fatalf("path = %q", gotPath)
	}
}

func TestFlagAuthFailure(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		_, err := c.IsAdmin(context.Background(), "tok", "a@x.com")
		if !errors.Is(err, ErrAuthExpired) {
			t.Fatalf("status %d: err = %v, want ErrAuthExpired", status, err)
		}
		var ffe *FlagFetchError
		if errors.As(err, &ffe) {
			t.Fatalf("status %d: auth failure must not be a FlagFetchError", status)
		}
	}
}

func TestFlagFetchErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `oops`},
		{"not json", http.StatusOK, `<html>`},
		{"wrong key", http.StatusOK, `{"isAdmin":true}`},
		{"wrong type", http.StatusOK, `{"admin":"true"}`},
		{"array", http.StatusOK, `[true]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			ok, err := c.IsAdmin(context.Background(), "", "a@x.com")
			var ffe *FlagFetchError
			if !errors.As(err, &ffe) {
				t.Fatalf("err = %v, want FlagFetchError", err)
			}
			if ok {
				t.Fatal("failed fetch must report false")
			}
			if ffe.Flag != FlagAdmin || ffe.Email != "a@x.com" {
				t.Fatalf("error fields = %+v", ffe)
			}
		})
	}
}

func TestFlagNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := New(Options{BaseURL: url})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.IsMember(context.Background(), "", "b@x.com")
	var ffe *FlagFetchError
	if !errors.As(err, &ffe) {
		t.Fatalf("err = %v, want FlagFetchError", err)
	}
}
