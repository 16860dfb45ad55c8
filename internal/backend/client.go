// Package backend talks to the Nexus Living REST API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	FlagAdmin  = "admin"
	FlagMember = "member"
)

// Flag payloads are validated before they are trusted: anything but
// {"<flag>": <bool>} is a fetch failure.
var flagSchemas = map[string]string{
	FlagAdmin:  `{"type":"object","required":["admin"],"properties":{"admin":{"type":"boolean"}}}`,
	FlagMember: `{"type":"object","required":["member"],"properties":{"member":{"type":"boolean"}}}`,
}

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	schemas    map[string]*jsonschema.Schema
}

type Options struct {
	BaseURL string
	Timeout time.Duration
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

func New(opts Options) (*Client, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		base = "http://localhost:5000"
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	compiler := jsonschema.NewCompiler()
	schemas := make(map[string]*jsonschema.Schema, len(flagSchemas))
	for name, src := range flagSchemas {
		res := name + ".json"
		if err := compiler.AddResource(res, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("load %s schema: %w", name, err)
		}
		sch, err := compiler.Compile(res)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		schemas[name] = sch
	}

	return &Client{baseURL: u, httpClient: hc, schemas: schemas}, nil
}

// BaseURL is the backend root requests are resolved against.
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// IsAdmin calls GET /users/admin/{email}.
func (c *Client) IsAdmin(ctx context.Context, token, email string) (bool, error) {
	return c.flag(ctx, FlagAdmin, token, email)
}

// IsMember calls GET /users/member/{email}.
func (c *Client) IsMember(ctx context.Context, token, email string) (bool, error) {
	return c.flag(ctx, FlagMember, token, email)
}

func (c *Client) flag(ctx context.Context, name, token, email string) (bool, error) {
	sch, ok := c.schemas[name]
	if !ok {
		return false, &FlagFetchError{Flag: name, Email: email, Err: fmt.Errorf("unknown flag")}
	}
	body, err := c.get(ctx, token, c.URL("users", name, email))
	if err != nil {
		if IsAuthFailure(err) {
			return false, err
		}
		return false, &FlagFetchError{Flag: name, Email: email, Err: err}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return false, &FlagFetchError{Flag: name, Email: email, Err: fmt.Errorf("decode: %w", err)}
	}
	if err := sch.Validate(doc); err != nil {
		return false, &FlagFetchError{Flag: name, Email: email, Err: fmt.Errorf("unexpected payload: %w", err)}
	}
	v, _ := doc.(map[string]any)[name].(bool)
	return v, nil
}

// URL resolves path segments against the backend root. Each segment is
// escaped on its own, so an email containing '/' stays one segment.
func (c *Client) URL(segments ...string) *url.URL {
	u := c.BaseURL()
	base := strings.TrimRight(u.Path, "/")
	raw := strings.TrimRight(u.EscapedPath(), "/")
	for _, s := range segments {
		base += "/" + s
		raw += "/" + url.PathEscape(s)
	}
	u.Path = base
	u.RawPath = raw
	return u
}

// NewRequest builds a request against the backend and attaches the bearer
// token when there is one.
func (c *Client) NewRequest(ctx context.Context, method string, u *url.URL, token string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	SetBearer(req.Header, token)
	return req, nil
}

// SetBearer sets or removes the Authorization header.
func SetBearer(h http.Header, token string) {
	if token == "" {
		h.Del("Authorization")
		return
	}
	h.Set("Authorization", "Bearer "+token)
}

func (c *Client) get(ctx context.Context, token string, u *url.URL) ([]byte, error) {
	req, err := c.NewRequest(ctx, http.MethodGet, u, token, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}
	if IsAuthStatus(resp.StatusCode) {
		return nil, fmt.Errorf("%w (status %d)", ErrAuthExpired, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
