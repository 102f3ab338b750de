package oidcx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/bionicotaku/lingo-utils-oidcx/metrics"
)

const maxJWKSBytes = 1 << 20

// KeySetFetcher retrieves the JSON Web Key Set published at a URL.
type KeySetFetcher interface {
	Fetch(ctx context.Context, jwksURL string) (jwk.Set, error)
}

// keySetTransport rejects non-200 key-set responses with a coded error so
// they can be told apart from documents that fail to parse.
type keySetTransport struct {
	base http.RoundTripper
}

func (t *keySetTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err == nil && resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxJWKSBytes))
		resp.Body.Close()
		err = fmt.Errorf("jwks endpoint %s returned %s", req.URL, resp.Status)
	}
	if err != nil {
		metrics.JWKSFetchDuration.WithLabelValues(string(ErrCodeJWKSUnavailable)).Observe(time.Since(start).Seconds())
		return nil, newError(ErrCodeJWKSUnavailable, err)
	}
	metrics.JWKSFetchDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	resp.Body = limitedBody{Reader: io.LimitReader(resp.Body, maxJWKSBytes), Closer: resp.Body}
	return resp, nil
}

type limitedBody struct {
	io.Reader
	io.Closer
}

// keySetClient copies client with its transport wrapped by keySetTransport.
// Requests are not bound to the caller's context, so the copy always carries
// a timeout.
func keySetClient(client *http.Client, timeout time.Duration) *http.Client {
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	out := *client
	out.Transport = &keySetTransport{base: base}
	if out.Timeout == 0 {
		out.Timeout = timeout
	}
	return &out
}

// remoteKeySets fetches the key set on every call.
type remoteKeySets struct {
	client  *http.Client
	timeout time.Duration
}

func (r *remoteKeySets) Fetch(ctx context.Context, jwksURL string) (jwk.Set, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	set, err := jwk.Fetch(ctx, jwksURL, jwk.WithHTTPClient(r.client))
	if err != nil {
		return nil, keySetError(err)
	}
	return set, nil
}

// cachedKeySets keeps key sets in a jwk.Cache that refreshes them in the
// background every ttl. Sets are registered on first use. Each successful
// fetch is published to a lock-free map, so readers of a valid set never
// wait on a refresh in progress. Failures are not cached.
type cachedKeySets struct {
	cache   *jwk.Cache
	client  *http.Client
	timeout time.Duration
	ttl     time.Duration
	stop    context.CancelFunc

	registerMu sync.Mutex
	published  sync.Map // jwksURL -> jwk.Set
}

func newCachedKeySets(client *http.Client, timeout, ttl time.Duration) *cachedKeySets {
	// The cache refuses refresh intervals shorter than its one second minimum window.
	if ttl < time.Second {
		ttl = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &cachedKeySets{
		cache:   jwk.NewCache(ctx, jwk.WithRefreshWindow(ttl)),
		client:  client,
		timeout: timeout,
		ttl:     ttl,
		stop:    cancel,
	}
}

func (c *cachedKeySets) Fetch(ctx context.Context, jwksURL string) (jwk.Set, error) {
	if v, ok := c.published.Load(jwksURL); ok {
		metrics.JWKSCacheTotal.WithLabelValues("hit").Inc()
		return v.(jwk.Set), nil
	}
	metrics.JWKSCacheTotal.WithLabelValues("miss").Inc()

	if err := c.register(jwksURL); err != nil {
		return nil, newError(ErrCodeInternal, err)
	}

	// The fetch outlives the caller so that one caller giving up does not
	// fail the others waiting on the same entry.
	done := make(chan keySetResult, 1)
	go func() {
		set, err := c.get(context.WithoutCancel(ctx), jwksURL)
		done <- keySetResult{set: set, err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, keySetError(r.err)
		}
		return r.set, nil
	case <-ctx.Done():
		return nil, newError(ErrCodeJWKSUnavailable, ctx.Err())
	}
}

type keySetResult struct {
	set jwk.Set
	err error
}

func (c *cachedKeySets) get(ctx context.Context, jwksURL string) (jwk.Set, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	set, err := c.cache.Get(ctx, jwksURL)
	if err != nil && errors.Unwrap(err) == nil {
		// An entry whose earlier fetch failed holds no set and Get will not
		// fetch it again.
		set, err = c.cache.Refresh(ctx, jwksURL)
	}
	return set, err
}

func (c *cachedKeySets) register(jwksURL string) error {
	if c.cache.IsRegistered(jwksURL) {
		return nil
	}
	c.registerMu.Lock()
	defer c.registerMu.Unlock()
	if c.cache.IsRegistered(jwksURL) {
		return nil
	}
	return c.cache.Register(jwksURL,
		jwk.WithHTTPClient(c.client),
		jwk.WithRefreshInterval(c.ttl),
		jwk.WithPostFetcher(jwk.PostFetchFunc(func(u string, set jwk.Set) (jwk.Set, error) {
			c.published.Store(u, set)
			return set, nil
		})),
	)
}

// Close stops background refreshes.
func (c *cachedKeySets) Close() {
	c.stop()
}

// keySetError codes an error from jwk.Fetch or jwk.Cache. Transport, status
// and deadline failures mean the key set is unavailable; anything else came
// from parsing the document.
func keySetError(err error) error {
	var coded *Error
	var urlErr *url.Error
	switch {
	case errors.As(err, &coded):
		return coded
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.As(err, &urlErr):
		return newError(ErrCodeJWKSUnavailable, err)
	default:
		return newError(ErrCodeMalformedJWKS, err)
	}
}

// fetchError makes sure anything returned by a custom fetcher is coded.
func fetchError(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newError(ErrCodeJWKSUnavailable, err)
}
