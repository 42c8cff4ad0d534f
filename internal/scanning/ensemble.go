package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zombor/receipt-pipeline/internal/preprocess"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultCacheTTL is how long a merged transcript is reused
	DefaultCacheTTL = 24 * time.Hour
	// DefaultBackendTimeout bounds a single backend call
	DefaultBackendTimeout = 30 * time.Second
)

// EnsembleConfig tunes an Ensemble. Zero values take the defaults.
type EnsembleConfig struct {
	BackendTimeout time.Duration
	// Timeouts overrides BackendTimeout per backend name
	Timeouts map[string]time.Duration
	CacheTTL time.Duration
	// Now is the clock; nil uses time.Now
	Now func() time.Time
}

// Extraction is the outcome of running one image through the ensemble
type Extraction struct {
	Fields     Fields        `json:"fields"`
	Transcript Transcript    `json:"transcript"`
	Results    []Result      `json:"results,omitempty"`
	Cost       float64       `json:"cost"`
	Cached     bool          `json:"cached"`
	Duration   time.Duration `json:"duration"`
}

// Stats summarizes ensemble activity since construction
type Stats struct {
	Processed      int           `json:"processed"`
	Succeeded      int           `json:"succeeded"`
	CacheHits      int           `json:"cache_hits"`
	AverageLatency time.Duration `json:"average_latency"`
	SuccessRate    float64       `json:"success_rate"`
	AverageCost    float64       `json:"average_cost"`
}

// Ensemble fans an image out to every backend and merges what comes back
type Ensemble struct {
	backends  []Backend
	priority  map[string]int
	cache     TranscriptCache
	templates *TemplateCatalog
	cfg       EnsembleConfig

	mu           sync.Mutex
	stats        Stats
	totalLatency time.Duration
	totalCost    float64
}

// NewEnsemble creates an Ensemble. Backend order is the tie-break priority.
func NewEnsemble(backends []Backend, cache TranscriptCache, templates *TemplateCatalog, cfg EnsembleConfig) *Ensemble {
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = DefaultBackendTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if templates == nil {
		templates = DefaultTemplates()
	}

	priority := make(map[string]int, len(backends))
	for i, b := range backends {
		if _, ok := priority[b.Name()]; !ok {
			priority[b.Name()] = i
		}
	}

	return &Ensemble{
		backends:  backends,
		priority:  priority,
		cache:     cache,
		templates: templates,
		cfg:       cfg,
	}
}

// Templates exposes the template catalog for runtime registration
func (e *Ensemble) Templates() *TemplateCatalog {
	return e.templates
}

// Extract returns fields for an image, reusing a fresh cached transcript when present
func (e *Ensemble) Extract(ctx context.Context, img *preprocess.Image) (*Extraction, error) {
	start := time.Now()

	if t := e.cached(img.Hash); t != nil {
		e.record(time.Since(start), true, true, 0)
		return &Extraction{
			Fields:     e.templates.ExtractFields(t.Text, e.cfg.Now()),
			Transcript: *t,
			Cached:     true,
			Duration:   time.Since(start),
		}, nil
	}

	results := e.fanOut(ctx, img.Data)
	if len(results) == 0 {
		e.record(time.Since(start), false, false, 0)
		return nil, fmt.Errorf("%w: no backend returned a transcript", ErrExtractionFailed)
	}

	transcript := mergeResults(results, e.priority)
	transcript.CreatedAt = e.cfg.Now()

	if err := e.cache.Put(img.Hash, &transcript); err != nil {
		slog.Warn("Failed to cache transcript", "hash", img.Hash, "error", err)
	}

	var cost float64
	for _, r := range results {
		cost += r.Cost
	}

	e.record(time.Since(start), true, false, cost)

	return &Extraction{
		Fields:     e.templates.ExtractFields(transcript.Text, e.cfg.Now()),
		Transcript: transcript,
		Results:    results,
		Cost:       cost,
		Duration:   time.Since(start),
	}, nil
}

func (e *Ensemble) cached(hash string) *Transcript {
	t, found, err := e.cache.Get(hash)
	if err != nil {
		slog.Warn("Transcript cache read failed, treating as miss", "hash", hash, "error", err)
		return nil
	}
	if !found || t == nil {
		return nil
	}
	if e.cfg.Now().Sub(t.CreatedAt) >= e.cfg.CacheTTL {
		return nil
	}
	return t
}

// fanOut calls every backend concurrently under its own timeout. Failed
// backends contribute nothing; results keep backend configuration order.
func (e *Ensemble) fanOut(ctx context.Context, image []byte) []Result {
	slots := make([]*Result, len(e.backends))

	var g errgroup.Group
	for i, b := range e.backends {
		g.Go(func() error {
			r, err := e.call(ctx, b, image)
			if err != nil {
				slog.Warn("Backend extraction failed", "backend", b.Name(), "error", err)
				return nil
			}
			slots[i] = r
			return nil
		})
	}
	_ = g.Wait()

	results := make([]Result, 0, len(slots))
	for _, r := range slots {
		if r != nil {
			results = append(results, *r)
		}
	}
	return results
}

func (e *Ensemble) call(ctx context.Context, b Backend, image []byte) (*Result, error) {
	timeout := e.cfg.BackendTimeout
	if t, ok := e.cfg.Timeouts[b.Name()]; ok && t > 0 {
		timeout = t
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	r, err := b.Extract(callCtx, image)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s: %w", ErrBackendTimeout, b.Name(), timeout, err)
		}
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%s returned no result", b.Name())
	}

	out := *r
	out.Backend = b.Name()
	out.Confidence = clamp01(out.Confidence)
	out.Latency = time.Since(start)
	out.Cost = b.Cost()
	out.Timestamp = e.cfg.Now()
	return &out, nil
}

func (e *Ensemble) record(latency time.Duration, ok, cacheHit bool, cost float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.Processed++
	if ok {
		e.stats.Succeeded++
	}
	if cacheHit {
		e.stats.CacheHits++
	}
	e.totalLatency += latency
	e.totalCost += cost
}

// Stats returns a snapshot of processing statistics
func (e *Ensemble) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.stats
	if s.Processed > 0 {
		s.AverageLatency = e.totalLatency / time.Duration(s.Processed)
		s.SuccessRate = float64(s.Succeeded) / float64(s.Processed)
		s.AverageCost = e.totalCost / float64(s.Processed)
	}
	return s
}

// Close closes every backend, returning the first error
func (e *Ensemble) Close() error {
	var first error
	for _, b := range e.backends {
		if err := b.Close(); err != nil && first == nil {
			first = fmt.Errorf("closing %s: %w", b.Name(), err)
		}
	}
	return first
}
