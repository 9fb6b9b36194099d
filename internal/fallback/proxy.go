package fallback

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/kohakuhub/kohakuhub/internal/apierr"
	"github.com/kohakuhub/kohakuhub/internal/config"
	"github.com/kohakuhub/kohakuhub/internal/metrics"
)

// Source is one external registry this instance can fall back to,
// probed in priority order. Type records which kind of registry it is
// (HuggingFace or another KohakuHub instance); RemapURL does not consult
// it. Token, if set, is attached to outgoing probe requests
// instead of any credential from the inbound request. Namespace, if
// set, restricts this source to requests for that namespace only.
type Source struct {
	Name      string
	BaseURL   string
	Type      string
	Priority  int
	Token     string
	Namespace string
	Enabled   bool
}

// Proxy probes Sources in priority order for a repo this instance
// doesn't host, caching the winning source and preventing concurrent
// duplicate probes for the same repo (stampede prevention).
type Proxy struct {
	sources    []Source
	cache      *Cache
	httpClient *http.Client
	sem        chan struct{}

	mu        sync.Mutex
	inflight  map[string]*sync.WaitGroup
}

// NewProxy builds a Proxy from configuration and a source list, sorted
// into priority order (lower Priority value probed first) since the
// spec's ordering is a source property, not an argument-order
// convention callers must uphold themselves.
func NewProxy(cfg config.FallbackConfig, sources []Source) *Proxy {
	ordered := make([]Source, len(sources))
	copy(ordered, sources)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })
	return &Proxy{
		sources:    ordered,
		cache:      NewCache(cfg.CacheTTL, cfg.CacheCapacity),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		inflight:   make(map[string]*sync.WaitGroup),
	}
}

// Resolve finds which external source (if any) hosts repoPath for a
// request under namespace, probing enabled, namespace-eligible sources
// in priority order and caching the result. Concurrent calls for the
// same repoPath share one round of probing.
func (p *Proxy) Resolve(ctx context.Context, namespace, repoPath string) (*Source, error) {
	if src, ok := p.cache.Get(repoPath); ok {
		if src == "" {
			return nil, apierr.New(apierr.KindNotFound, "no fallback source hosts "+repoPath)
		}
		if metrics.FallbackCacheHitsTotal != nil {
			metrics.FallbackCacheHitsTotal.Add(ctx, 1)
		}
		return p.bySource(src), nil
	}

	p.mu.Lock()
	wg, inProgress := p.inflight[repoPath]
	if !inProgress {
		wg = &sync.WaitGroup{}
		wg.Add(1)
		p.inflight[repoPath] = wg
	}
	p.mu.Unlock()

	if inProgress {
		wg.Wait()
		if src, ok := p.cache.Get(repoPath); ok && src != "" {
			return p.bySource(src), nil
		}
		return nil, apierr.New(apierr.KindNotFound, "no fallback source hosts "+repoPath)
	}

	defer func() {
		p.mu.Lock()
		delete(p.inflight, repoPath)
		p.mu.Unlock()
		wg.Done()
	}()

	found := p.probeAll(ctx, namespace, repoPath)
	if found == nil {
		p.cache.Put(repoPath, "")
		return nil, apierr.New(apierr.KindNotFound, "no fallback source hosts "+repoPath)
	}
	p.cache.Put(repoPath, found.Name)
	return found, nil
}

func (p *Proxy) bySource(name string) *Source {
	for _, s := range p.sources {
		if s.Name == name {
			return &s
		}
	}
	return nil
}

// probeAll checks each enabled, namespace-eligible source in priority
// order, respecting the bounded concurrency semaphore, and returns the
// first that responds positively. Probing is sequential by priority
// (not fanned out) since the first match wins and later probes would be
// wasted work; the semaphore still bounds how many concurrent Resolve
// calls for *different* repos can probe at once.
func (p *Proxy) probeAll(ctx context.Context, namespace, repoPath string) *Source {
	for _, src := range p.sources {
		if !src.Enabled {
			continue
		}
		if src.Namespace != "" && src.Namespace != namespace {
			continue
		}
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		ok := p.probe(ctx, src, repoPath)
		<-p.sem
		if metrics.FallbackProbesTotal != nil {
			metrics.FallbackProbesTotal.Add(ctx, 1)
		}
		if ok {
			return &src
		}
	}
	return nil
}

func (p *Proxy) probe(ctx context.Context, src Source, repoPath string) bool {
	probeURL := RemapURL(src.BaseURL, repoPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
	if err != nil {
		return false
	}
	// User credentials are never forwarded to an external source: no
	// Authorization header is copied from the inbound request. Only an
	// admin-configured per-source token, if any, is attached.
	if src.Token != "" {
		req.Header.Set("Authorization", "Bearer "+src.Token)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}

// RemapURL rewrites a HuggingFace-style repo path onto an external
// source's own path convention. HuggingFace itself uses
// /{namespace}/{name} for models and /datasets/{namespace}/{name} or
// /spaces/{namespace}/{name} for the other two types; repoPath is
// already in that form and is joined onto baseURL unchanged, whatever
// the source's Type.
func RemapURL(baseURL, repoPath string) string {
	return strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(repoPath, "/")
}

// BuildFallbackResourceURL constructs the URL for a specific file within
// a repo at an external source, used once Resolve has identified which
// source to stream a resolve/download request through.
func BuildFallbackResourceURL(src Source, repoPath, revision, filePath string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s",
		strings.TrimSuffix(src.BaseURL, "/"),
		strings.TrimPrefix(repoPath, "/"),
		url.PathEscape(revision),
		filePath,
	)
}

// ListAggregated merges repo listings from every configured source for
// discovery endpoints that enumerate across the whole fallback chain,
// deduplicating by repo id and preferring the first (highest-priority)
// source's data when both list the same repo.
func ListAggregated(lists ...map[string]any) map[string]any {
	out := make(map[string]any)
	for i := len(lists) - 1; i >= 0; i-- {
		for k, v := range lists[i] {
			out[k] = v
		}
	}
	return out
}
