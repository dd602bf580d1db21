// Package dedup suppresses near-identical repeat requests using
// content-addressed fingerprints with per-endpoint TTLs and optional
// response caching.
package dedup

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/opsmux/guardrail/internal/config"
	"github.com/opsmux/guardrail/internal/fingerprint"
	"github.com/opsmux/guardrail/internal/metrics"
	"github.com/opsmux/guardrail/internal/store"
)

// DuplicateNotice is the stock body returned for a duplicate hit with
// no cached response. It deliberately does not reveal whether dedup or
// processing produced the reply.
const DuplicateNotice = `{"message":"Your request is already being processed. Please wait a moment before retrying.","status":"accepted"}`

// CheckResult is the outcome of one dedup check.
type CheckResult struct {
	IsDuplicate    bool
	Skipped        bool
	Fingerprint    string
	OriginalAt     time.Time
	TTLRemaining   time.Duration
	CachedResponse []byte // nil when no response was cached
}

// Deduplicator detects repeat requests via an atomic check-and-set on
// the backing store, falling back to an in-memory store when the
// backend is unavailable and fail-open is configured.
type Deduplicator struct {
	primary  store.Store
	fallback *store.MemoryStore
	hasher   *fingerprint.Hasher
	settings config.DedupSettings
	failOpen bool
	logger   *slog.Logger

	cacheResponses map[string]struct{}

	// now is swappable for tests.
	now func() time.Time
}

// Config contains Deduplicator construction parameters.
type Config struct {
	Store    store.Store
	Hasher   *fingerprint.Hasher
	Settings config.DedupSettings
	FailOpen bool
	Logger   *slog.Logger
}

// New creates a Deduplicator.
func New(cfg Config) *Deduplicator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hasher == nil {
		cfg.Hasher = fingerprint.NewHasher()
	}

	cacheResponses := make(map[string]struct{}, len(cfg.Settings.CacheResponses))
	for _, ep := range cfg.Settings.CacheResponses {
		cacheResponses[fingerprint.NormalizeEndpoint(ep)] = struct{}{}
	}

	// Fallback entries are scavenged at the largest configured TTL.
	cleanup := cfg.Settings.DefaultTTL
	if cfg.Settings.TitleTTL > cleanup {
		cleanup = cfg.Settings.TitleTTL
	}

	return &Deduplicator{
		primary:        cfg.Store,
		fallback:       store.NewMemoryStore(cleanup),
		hasher:         cfg.Hasher,
		settings:       cfg.Settings,
		failOpen:       cfg.FailOpen,
		logger:         cfg.Logger,
		cacheResponses: cacheResponses,
		now:            time.Now,
	}
}

// ShouldSkip reports whether the request bypasses deduplication.
// GET, health checks, static assets, and multipart uploads are
// independent or idempotent.
func ShouldSkip(method, endpoint, contentType string) bool {
	if strings.EqualFold(method, "GET") {
		return true
	}

	ep := fingerprint.NormalizeEndpoint(endpoint)
	switch {
	case strings.HasPrefix(ep, "/health"),
		strings.HasPrefix(ep, "/metrics"),
		strings.HasPrefix(ep, "/static"),
		strings.HasPrefix(ep, "/assets"),
		ep == "/favicon.ico":
		return true
	}

	return strings.HasPrefix(strings.ToLower(contentType), "multipart/")
}

// TTLFor returns the per-endpoint dedup TTL.
func (d *Deduplicator) TTLFor(endpoint string) time.Duration {
	ep := fingerprint.NormalizeEndpoint(endpoint)
	switch {
	case fingerprint.IsTitleGeneration(ep):
		return d.settings.TitleTTL
	case strings.Contains(ep, "/agent/"):
		return d.settings.AgentQueryTTL
	default:
		return d.settings.DefaultTTL
	}
}

// Check runs the atomic check-and-set for the request's fingerprint.
// On a first sighting it records the fingerprint and returns
// IsDuplicate=false; on a repeat within TTL it returns the original
// timestamp and any cached response.
//
// When the primary store is down and fail_open=false, Check reports
// Skipped rather than an error: the rate limiter shares the same store
// and fails closed first, so no request reaches this point without
// Redis. That coupling is the invariant this shortcut relies on.
func (d *Deduplicator) Check(ctx context.Context, req fingerprint.Request, contentType string) CheckResult {
	if !d.settings.Enabled || ShouldSkip(req.Method, req.Endpoint, contentType) {
		return CheckResult{Skipped: true}
	}

	fp, err := d.hasher.Hash(req)
	if err != nil {
		// Undecodable body: degrade to the uncanonicalized digest.
		fp = d.hasher.SimpleHash(req.SessionID, req.Endpoint, req.Method)
	}

	ttl := d.TTLFor(req.Endpoint)
	key := "dedup:" + fp
	now := d.now()

	result := d.checkStore(ctx, d.primary, key, fp, now, ttl, req.Endpoint)
	if result != nil {
		return *result
	}

	// Primary unavailable.
	if !d.failOpen {
		// Fail-closed dedup treats the request as a first sighting; the
		// rate limiter's fail-closed path is the enforcement point.
		return CheckResult{Skipped: true, Fingerprint: fp}
	}

	d.logger.Warn("dedup backend unavailable, using in-memory fallback")
	if r := d.checkStore(ctx, d.fallback, key, fp, now, ttl, req.Endpoint); r != nil {
		r.TTLRemaining = ttl
		return *r
	}
	return CheckResult{Skipped: true, Fingerprint: fp}
}

// checkStore performs the check-and-set against one store. A nil
// return means the store failed.
func (d *Deduplicator) checkStore(ctx context.Context, s store.Store, key, fp string, now time.Time, ttl time.Duration, endpoint string) *CheckResult {
	set, err := s.SetNX(ctx, key, []byte(now.Format(time.RFC3339Nano)), ttl)
	if err != nil {
		return nil
	}

	if set {
		return &CheckResult{Fingerprint: fp}
	}

	// Duplicate: fetch original timestamp and remaining TTL.
	val, remaining, err := s.GetWithTTL(ctx, key)
	if err != nil {
		return nil
	}

	result := &CheckResult{
		IsDuplicate:  true,
		Fingerprint:  fp,
		TTLRemaining: remaining,
	}
	if val != nil {
		if ts, err := time.Parse(time.RFC3339Nano, string(val)); err == nil {
			result.OriginalAt = ts
		}
	}

	served := "notice"
	if cached, err := s.Get(ctx, key+":response"); err == nil && cached != nil {
		result.CachedResponse = cached
		served = "cached"
	}
	metrics.DedupHits.WithLabelValues(endpointClass(endpoint), served).Inc()

	return result
}

// CachesResponses reports whether the endpoint opted into response
// caching.
func (d *Deduplicator) CachesResponses(endpoint string) bool {
	_, ok := d.cacheResponses[fingerprint.NormalizeEndpoint(endpoint)]
	return ok
}

// StoreResponse caches a successful response body for duplicate
// replays. Only called for endpoints that opted in, on 200 completion.
func (d *Deduplicator) StoreResponse(ctx context.Context, fp, endpoint string, body []byte) {
	if !d.CachesResponses(endpoint) || fp == "" {
		return
	}

	ttl := d.TTLFor(endpoint)
	key := "dedup:" + fp + ":response"
	if err := d.primary.Set(ctx, key, body, ttl); err != nil {
		if d.failOpen {
			_ = d.fallback.Set(ctx, key, body, ttl)
		}
	}
}

// Cleanup evicts expired fallback entries; driven by the coordinator's
// cleanup loop.
func (d *Deduplicator) Cleanup() {
	// MemoryStore scavenges itself; nothing else to do today.
}

// Close releases the fallback store.
func (d *Deduplicator) Close() error {
	return d.fallback.Close()
}

func endpointClass(endpoint string) string {
	ep := fingerprint.NormalizeEndpoint(endpoint)
	switch {
	case fingerprint.IsTitleGeneration(ep):
		return "title_generation"
	case strings.Contains(ep, "/agent/"):
		return "agent"
	default:
		return "default"
	}
}
