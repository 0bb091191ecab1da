package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"streamrelay/work/config"
	"streamrelay/work/logger"
	"streamrelay/work/metrics"
	"streamrelay/work/types"
	"streamrelay/work/utils"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/net/publicsuffix"
)

// Options configures a Gateway.
type Options struct {
	UserAgent         string
	Origin            string
	Referer           string
	Cooldown          time.Duration // spacing between completion and next dispatch, per host
	RequestsPerSecond int           // optional per-host ceiling, 0 disables
	Timeout           time.Duration // per request, covers reading the body
	ObfuscateURLs     bool
}

// OptionsFromConfig maps the application config onto gateway options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		UserAgent:         cfg.UserAgent,
		Origin:            cfg.ReqOrigin,
		Referer:           cfg.ReqReferrer,
		Cooldown:          cfg.RequestCooldown,
		RequestsPerSecond: cfg.HostRequestsPerSecond,
		Timeout:           cfg.RequestTimeout,
		ObfuscateURLs:     cfg.ObfuscateUrls,
	}
}

// FetchOptions adjusts a single request. The zero value is a plain GET that
// follows redirects and treats any non-2xx status as a failure.
type FetchOptions struct {
	Method      string
	Body        string
	Headers     map[string]string
	NoRedirect  bool // return 3xx responses instead of following them
	AllowStatus bool // accept any status without turning it into a NetworkError
}

// Response is a fully read origin response.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Gateway is the only way the relay talks to remote hosts. All requests share
// one cookie jar; requests to the same host go through that host's queue and
// are strictly serialized, FIFO, with the configured cooldown between them.
type Gateway struct {
	opts       Options
	jar        http.CookieJar
	client     *http.Client
	noRedirect *http.Client
	queues     *xsync.MapOf[string, *hostQueue]
	quit       chan struct{}
	closeOnce  sync.Once
	closed     atomic.Bool
	mu         sync.Mutex // orders worker starts against Close
	wg         sync.WaitGroup
}

// NewGateway builds a gateway with its own cookie jar and transport.
func NewGateway(opts Options) (*Gateway, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	return &Gateway{
		opts: opts,
		jar:  jar,
		client: &http.Client{
			Transport: transport,
			Jar:       jar,
		},
		noRedirect: &http.Client{
			Transport: transport,
			Jar:       jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		queues: xsync.NewMapOf[string, *hostQueue](),
		quit:   make(chan struct{}),
	}, nil
}

// Fetch submits a request to the queue of the URL's host and waits for it.
// The host key includes the port, so two servers on one address are two hosts.
func (g *Gateway) Fetch(ctx context.Context, rawURL string, opts *FetchOptions) (*Response, error) {
	if opts == nil {
		opts = &FetchOptions{}
	}
	if g.closed.Load() {
		return nil, &types.NetworkError{URL: rawURL, Err: types.ErrGatewayClosed}
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		if err == nil {
			err = fmt.Errorf("missing host")
		}
		return nil, &types.NetworkError{URL: rawURL, Err: err}
	}

	j := &job{
		ctx:  ctx,
		url:  u,
		opts: opts,
		done: make(chan result, 1),
	}
	g.queueFor(u.Host).push(j)

	select {
	case res := <-j.done:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, &types.NetworkError{URL: rawURL, Err: ctx.Err()}
	}
}

// FetchBytes GETs a URL and returns its body.
func (g *Gateway) FetchBytes(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := g.Fetch(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// PostForm sends an url-encoded form.
func (g *Gateway) PostForm(ctx context.Context, rawURL string, form url.Values) (*Response, error) {
	return g.Fetch(ctx, rawURL, &FetchOptions{
		Method:  http.MethodPost,
		Body:    form.Encode(),
		Headers: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
	})
}

// Ping checks that rawURL answers within timeout.
func (g *Gateway) Ping(ctx context.Context, rawURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := g.Fetch(ctx, rawURL, nil); err != nil {
		return &types.StartupError{URL: rawURL, Err: err}
	}
	return nil
}

// Cookies returns the cookies the jar would send to rawURL.
func (g *Gateway) Cookies(rawURL string) []*http.Cookie {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	return g.jar.Cookies(u)
}

// Hosts lists every host that has a queue.
func (g *Gateway) Hosts() []string {
	hosts := make([]string, 0, g.queues.Size())
	g.queues.Range(func(host string, _ *hostQueue) bool {
		hosts = append(hosts, host)
		return true
	})
	return hosts
}

// Close stops every host queue. Pending and later requests fail with
// ErrGatewayClosed.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.closed.Store(true)
		close(g.quit)
		g.mu.Unlock()
	})
	// no worker can be added after quit is closed
	g.wg.Wait()
	g.client.CloseIdleConnections()
}

// queueFor returns the queue of host, starting its worker on first use. A
// queue created after Close gets no worker and is stopped straight away.
func (g *Gateway) queueFor(host string) *hostQueue {
	q, loaded := g.queues.LoadOrCompute(host, func() *hostQueue {
		return newHostQueue(host, g)
	})
	if loaded {
		return q
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed.Load() {
		q.drain()
		return q
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		q.run()
	}()
	return q
}

// do performs one request and reads the whole body. It runs on a queue worker.
func (g *Gateway) do(j *job) (*Response, error) {
	rawURL := j.url.String()
	host := j.url.Host

	ctx, cancel := context.WithTimeout(j.ctx, g.opts.Timeout)
	defer cancel()

	method := j.opts.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if j.opts.Body != "" {
		body = strings.NewReader(j.opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, &types.NetworkError{URL: rawURL, Err: err}
	}
	g.setHeaders(req, j.opts.Headers)

	httpClient := g.client
	if j.opts.NoRedirect {
		httpClient = g.noRedirect
	}

	logger.Debug("{client/client - do} %s %s", method, utils.LogURLWithFlag(g.opts.ObfuscateURLs, rawURL))
	resp, err := httpClient.Do(req)
	if err != nil {
		metrics.OriginRequests.WithLabelValues(host, "network_error").Inc()
		return nil, &types.NetworkError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.OriginRequests.WithLabelValues(host, "network_error").Inc()
		return nil, &types.NetworkError{URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}
	metrics.OriginBytes.WithLabelValues(host).Add(float64(len(data)))

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if j.opts.NoRedirect && resp.StatusCode >= 300 && resp.StatusCode < 400 {
		ok = true
	}
	if !ok && !j.opts.AllowStatus {
		metrics.OriginRequests.WithLabelValues(host, "http_error").Inc()
		return nil, &types.NetworkError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("HTTP %d", resp.StatusCode),
		}
	}
	metrics.OriginRequests.WithLabelValues(host, "ok").Inc()

	return &Response{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

func (g *Gateway) setHeaders(req *http.Request, extra map[string]string) {
	req.Header.Set("User-Agent", g.opts.UserAgent)
	req.Header.Set("Accept", "*/*")

	if g.opts.Origin != "" {
		req.Header.Set("Origin", g.opts.Origin)
	}
	if g.opts.Referer != "" {
		req.Header.Set("Referer", g.opts.Referer)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
}
