package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/siam-sk/nexus-living-bms-client/internal/backend"
	"github.com/siam-sk/nexus-living-bms-client/internal/config"
	"github.com/siam-sk/nexus-living-bms-client/internal/middleware"
)

// Options connect the proxy to the caller's session.
type Options struct {
	// Token returns the identity token to forward for r; empty forwards none.
	Token func(r *http.Request) string
	// OnAuthFailure runs when the upstream rejected a forwarded token.
	OnAuthFailure func(r *http.Request)
}

// SessionExpiredBody is the response a client gets once its session has been
// invalidated by the backend.
var SessionExpiredBody = map[string]any{
	"error":       "session expired",
	"code":        http.StatusUnauthorized,
	"redirect_to": "/login",
}

// MakeProxyHandler forwards requests for route to its upstream. Path
// parameters in the upstream URL ({email}, {id}) are filled from the chi route.
func MakeProxyHandler(route config.RouteConfig, opts Options) (http.Handler, error) {
	upstreamURL, err := url.Parse(route.Upstream)
	if err != nil || upstreamURL.Scheme == "" || upstreamURL.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q", route.Upstream)
	}
	target := &url.URL{Scheme: upstreamURL.Scheme, Host: upstreamURL.Host}

	rp := httputil.NewSingleHostReverseProxy(target)
	origDirector := rp.Director
	rp.Director = func(req *http.Request) {
		origDirector(req)
		path, raw := upstreamURL.Path, upstreamURL.Path
		if ctx := chi.RouteContext(req.Context()); ctx != nil {
			for i, key := range ctx.URLParams.Keys {
				val := ctx.URLParams.Values[i]
				path = strings.ReplaceAll(path, "{"+key+"}", val)
				raw = strings.ReplaceAll(raw, "{"+key+"}", url.PathEscape(val))
			}
		}
		req.URL.Path = path
		req.URL.RawPath = raw
		req.Header.Del("Cookie")
		token := ""
		if opts.Token != nil {
			token = opts.Token(req)
		}
		backend.SetBearer(req.Header, token)
	}
	rp.ModifyResponse = func(resp *http.Response) error {
		if !backend.IsAuthStatus(resp.StatusCode) || resp.Request.Header.Get("Authorization") == "" {
			return nil
		}
		slog.Info("upstream rejected session token", "route", route.Path, "status", resp.StatusCode)
		if opts.OnAuthFailure != nil {
			opts.OnAuthFailure(resp.Request)
		}
		body, _ := json.Marshal(SessionExpiredBody)
		_ = resp.Body.Close()
		resp.StatusCode = http.StatusUnauthorized
		resp.Status = "401 " + http.StatusText(http.StatusUnauthorized)
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))
		resp.Header.Set("Content-Type", "application/json")
		resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
		return nil
	}
	rp.ErrorHandler = func(rw http.ResponseWriter, req *http.Request, err error) {
		slog.Error("proxy error", "method", req.Method, "path", req.URL.Path, "upstream", target.Host, "error", err)
		middleware.WriteJSONError(rw, http.StatusBadGateway, "upstream error")
	}
	return rp, nil
}
