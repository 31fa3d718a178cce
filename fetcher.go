package gentlefetch

//go:generate mockgen -source=fetcher.go -destination=internal/mock/fetcher.go -package=mock

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// FetchRequest is a single wire attempt handed to a Fetcher.
type FetchRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Proxy is the proxy URL for this attempt, empty for a direct connection.
	Proxy string
}

// FetchResponse is what a Fetcher returns for an attempt that reached the server.
type FetchResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher performs one request attempt. Implementations may solve
// anti-bot challenges transparently; they must honour ctx.
type Fetcher interface {
	Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *FetchRequest) (*FetchResponse, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
	return f(ctx, req)
}

// Middleware wraps each attempt.
type Middleware func(ctx context.Context, req *FetchRequest, next Fetcher) (*FetchResponse, error)

func chain(base Fetcher, middleware []Middleware) Fetcher {
	f := base
	for i := len(middleware) - 1; i >= 0; i-- {
		mw, next := middleware[i], f
		f = FetcherFunc(func(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
			return mw(ctx, req, next)
		})
	}
	return f
}

// HTTPFetcher is the default Fetcher on net/http. It keeps one transport
// per proxy so connections are reused across attempts.
type HTTPFetcher struct {
	jar       http.CookieJar
	verifySSL bool

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// NewHTTPFetcher creates a fetcher sharing jar across every proxy.
func NewHTTPFetcher(jar http.CookieJar, verifySSL bool) *HTTPFetcher {
	return &HTTPFetcher{
		jar:        jar,
		verifySSL:  verifySSL,
		transports: make(map[string]*http.Transport),
	}
}

// Fetch performs the attempt and reads the whole body.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
	transport, err := f.transport(req.Proxy)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &Error{Kind: KindPermanentRequestFailure, Message: "malformed request", Cause: err, Method: req.Method, URL: req.URL}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	client := &http.Client{Transport: transport, Jar: f.jar}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &FetchResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

func (f *HTTPFetcher) transport(proxy string) (*http.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if t, ok := f.transports[proxy]; ok {
		return t, nil
	}

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = 10
	t.IdleConnTimeout = 90 * time.Second
	if !f.verifySSL {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via verify_ssl=false
	}
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, &Error{Kind: KindPermanentRequestFailure, Message: "invalid proxy URL", Cause: err, Proxy: proxy}
		}
		t.Proxy = http.ProxyURL(u)
	} else {
		t.Proxy = nil
	}
	f.transports[proxy] = t
	return t, nil
}

// CloseIdleConnections closes idle connections of every transport.
func (f *HTTPFetcher) CloseIdleConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transports {
		t.CloseIdleConnections()
	}
}
