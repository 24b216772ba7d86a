// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

// Package fetch implements the fetch engine (C7): a bounded worker pool
// that executes data-fetch directives against pluggable providers, with
// an optional JSONPath post-processing step before the result is handed
// to the policy store adapter.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"golang.org/x/time/rate"

	"github.com/vutetech/opal/server/pkg/wire"
)

// Provider fetches raw data for a single directive. The default
// provider is an HTTP GET; other providers (file, postgres, s3, ...)
// register under their own scheme in a Registry.
type Provider interface {
	// Fetch retrieves and returns the raw JSON-decodable bytes named by
	// the directive's URL/config.
	Fetch(ctx context.Context, directive wire.DataUpdateDirective) ([]byte, error)
}

// Registry maps a provider name (e.g. the URL scheme or an explicit
// "config.fetcher" field) to a Provider implementation.
type Registry struct {
	providers map[string]Provider
	fallback  Provider
}

// NewRegistry builds a Registry whose fallback provider is a plain HTTP
// GET, matching any directive whose config doesn't name a fetcher.
func NewRegistry(httpClient *http.Client) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		fallback:  &HTTPProvider{client: httpClient},
	}
}

// Register adds a named provider (e.g. "postgres", "s3").
func (r *Registry) Register(name string, p Provider) {
	r.providers[name] = p
}

func (r *Registry) resolve(directive wire.DataUpdateDirective) Provider {
	if name, ok := directive.Config["fetcher"].(string); ok {
		if p, ok := r.providers[name]; ok {
			return p
		}
	}
	if u, err := url.Parse(directive.URL); err == nil && u.Scheme != "" {
		if p, ok := r.providers[u.Scheme]; ok {
			return p
		}
	}
	return r.fallback
}

// HTTPProvider fetches a directive's URL with a plain GET, applying any
// custom headers from the directive.
type HTTPProvider struct {
	client *http.Client
}

func (h *HTTPProvider) Fetch(ctx context.Context, d wire.DataUpdateDirective) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request failed: %w", err)
	}
	for k, v := range d.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: request to %s failed: %w", d.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch: %s returned status %d", d.URL, resp.StatusCode)
	}

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch: reading response from %s failed: %w", d.URL, err)
	}
	return buf, nil
}

// Result is the outcome of one fetch job.
type Result struct {
	Directive wire.DataUpdateDirective
	Data      any
	Err       error
}

// Engine runs a bounded pool of workers pulling fetch jobs off a
// channel, the same worker-pool shape the teacher uses for its
// concurrent health-check sweeps.
type Engine struct {
	registry *Registry
	jobs     chan job
	workers  int
	timeout  time.Duration
	limiter  *rate.Limiter
}

type job struct {
	ctx       context.Context
	directive wire.DataUpdateDirective
	result    chan<- Result
}

// New builds an Engine with the given worker count, per-fetch timeout,
// and job queue size. ratePerSecond caps how many fetches the engine as
// a whole may start per second: one limiter is shared by all workers,
// with a burst equal to the worker count; 0 disables the cap.
func New(registry *Registry, workers, queueSize int, timeout time.Duration, ratePerSecond float64) *Engine {
	if workers < 1 {
		workers = 1
	}
	e := &Engine{registry: registry, jobs: make(chan job, queueSize), workers: workers, timeout: timeout}
	if ratePerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), workers)
	}
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e
}

func (e *Engine) worker() {
	for j := range e.jobs {
		if e.limiter != nil {
			if err := e.limiter.Wait(j.ctx); err != nil {
				j.result <- Result{Directive: j.directive, Err: fmt.Errorf("fetch: rate limit wait failed: %w", err)}
				continue
			}
		}
		ctx, cancel := context.WithTimeout(j.ctx, e.timeout)
		data, err := e.fetchOne(ctx, j.directive)
		cancel()
		j.result <- Result{Directive: j.directive, Data: data, Err: err}
	}
}

func (e *Engine) fetchOne(ctx context.Context, d wire.DataUpdateDirective) (any, error) {
	provider := e.registry.resolve(d)
	raw, err := provider.Fetch(ctx, d)
	if err != nil {
		return nil, err
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("fetch: response from %s is not valid JSON: %w", d.URL, err)
	}

	if expr, ok := d.Config["jsonpath"].(string); ok && expr != "" {
		result, err := jsonpath.Get(expr, decoded)
		if err != nil {
			return nil, fmt.Errorf("fetch: jsonpath %q failed: %w", expr, err)
		}
		return result, nil
	}
	return decoded, nil
}

// Enqueue schedules a directive for fetching and returns a channel that
// will receive exactly one Result. EnqueueTimeout bounds how long the
// caller waits for room in the job queue.
func (e *Engine) Enqueue(ctx context.Context, d wire.DataUpdateDirective, enqueueTimeout time.Duration) <-chan Result {
	result := make(chan Result, 1)

	enqueueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()

	select {
	case e.jobs <- job{ctx: ctx, directive: d, result: result}:
	case <-enqueueCtx.Done():
		result <- Result{Directive: d, Err: fmt.Errorf("fetch: queue full, dropped after %s", enqueueTimeout)}
	}
	return result
}

// FetchAll enqueues every directive and waits for all results,
// collecting errors without failing the whole batch on one directive.
func (e *Engine) FetchAll(ctx context.Context, directives []wire.DataUpdateDirective, enqueueTimeout time.Duration) []Result {
	channels := make([]<-chan Result, len(directives))
	for i, d := range directives {
		channels[i] = e.Enqueue(ctx, d, enqueueTimeout)
	}

	results := make([]Result, len(directives))
	for i, ch := range channels {
		results[i] = <-ch
		if results[i].Err != nil {
			log.Printf("fetch: directive %s failed: %v", results[i].Directive.URL, results[i].Err)
		}
	}
	return results
}
