// Package routing decides whether a message maps to a single tool, so the
// runtime can skip planning entirely for unambiguous queries.
package routing

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aide-run/aide/pkg/config"
	"github.com/aide-run/aide/pkg/metrics"
	"github.com/aide-run/aide/pkg/models"
	"github.com/aide-run/aide/pkg/oracle"
	"github.com/aide-run/aide/pkg/registry"
)

// Synthetic routes the classifier may return besides registered tools.
const (
	RouteConversational = "conversational"
	RouteGeneralSearch  = "general_search"
)

const (
	similarityThreshold  = 0.75
	similarMinConfidence = 0.85
	similarDiscount      = 0.95
)

// Decision is the routing verdict for one message.
type Decision struct {
	Tool       string  `json:"tool"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	FromCache  bool    `json:"from_cache"`
}

type cacheEntry struct {
	decision Decision
	tokens   map[string]bool
	storedAt time.Time
}

// Classifier routes messages to tools, caching recent verdicts.
type Classifier struct {
	registry *registry.Registry
	oracle   oracle.Oracle
	cfg      *config.RoutingConfig
	clock    models.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a classifier. A nil clock selects the system clock.
func New(reg *registry.Registry, o oracle.Oracle, cfg *config.RoutingConfig,
	clock models.Clock, m *metrics.Metrics, logger *slog.Logger) *Classifier {
	if clock == nil {
		clock = models.SystemClock{}
	}
	return &Classifier{
		registry: reg,
		oracle:   o,
		cfg:      cfg,
		clock:    clock,
		metrics:  m,
		logger:   logger,
		cache:    make(map[string]cacheEntry),
	}
}

// Classify routes one message. Identical messages inside the cache TTL get
// the identical verdict; near-identical messages reuse a high-confidence
// verdict at a discount. Everything else goes to the oracle.
func (c *Classifier) Classify(ctx context.Context, message string) (Decision, error) {
	key := normalize(message)
	now := c.clock.Now()

	c.mu.Lock()
	if entry, ok := c.cache[key]; ok && now.Sub(entry.storedAt) < c.cfg.CacheTTL {
		c.mu.Unlock()
		c.countHit("exact")
		d := entry.decision
		d.FromCache = true
		return d, nil
	}
	queryTokens := tokenize(key)
	var best *cacheEntry
	bestScore := 0.0
	for _, entry := range c.cache {
		if now.Sub(entry.storedAt) >= c.cfg.CacheTTL {
			continue
		}
		if entry.decision.Confidence < similarMinConfidence {
			continue
		}
		if score := similarity(queryTokens, entry.tokens); score >= similarityThreshold && score > bestScore {
			e := entry
			best = &e
			bestScore = score
		}
	}
	c.mu.Unlock()

	if best != nil {
		c.countHit("similar")
		return Decision{
			Tool:       best.decision.Tool,
			Confidence: clamp(best.decision.Confidence * similarDiscount),
			Reasoning:  best.decision.Reasoning,
			FromCache:  true,
		}, nil
	}

	decision, err := c.consult(ctx, message)
	if err != nil {
		return Decision{}, err
	}
	c.countHit("oracle")

	c.mu.Lock()
	c.cache[key] = cacheEntry{decision: decision, tokens: queryTokens, storedAt: now}
	c.mu.Unlock()
	return decision, nil
}

// consult asks the oracle, guarding against hallucinated tool names.
func (c *Classifier) consult(ctx context.Context, message string) (Decision, error) {
	options := []oracle.ToolOption{
		{Name: RouteConversational, Description: "answer directly from conversation, no tool needed"},
		{Name: RouteGeneralSearch, Description: "general web lookup when no specific tool fits"},
	}
	for _, info := range c.registry.List() {
		options = append(options, oracle.ToolOption{Name: info.Name, Description: info.Description})
	}

	result, err := c.oracle.Classify(ctx, message, options)
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{
		Tool:       result.Tool,
		Confidence: clamp(result.Confidence),
		Reasoning:  result.Reasoning,
	}
	if !c.validRoute(decision.Tool) {
		c.logger.Warn("classifier returned unknown tool, falling back",
			"tool", decision.Tool)
		decision.Tool = RouteConversational
		decision.Confidence = 0.5
	}
	return decision, nil
}

func (c *Classifier) validRoute(name string) bool {
	if name == RouteConversational || name == RouteGeneralSearch {
		return true
	}
	_, ok := c.registry.Get(name)
	return ok
}

// ShouldRouteDirectly reports whether the verdict is confident enough to
// invoke the tool without planning.
func (c *Classifier) ShouldRouteDirectly(d Decision) bool {
	if d.Tool == RouteConversational || d.Tool == "" {
		return false
	}
	return d.Confidence >= c.cfg.ConfidenceThreshold
}

// Start launches the periodic cache sweep.
func (c *Classifier) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// Stop halts the sweep loop.
func (c *Classifier) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Classifier) sweep() {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.cache {
		if now.Sub(entry.storedAt) >= c.cfg.CacheTTL {
			delete(c.cache, key)
		}
	}
}

// CacheSize returns the live entry count.
func (c *Classifier) CacheSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

func (c *Classifier) countHit(source string) {
	if c.metrics != nil {
		c.metrics.RoutingCacheHits.WithLabelValues(source).Inc()
	}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, f := range strings.Fields(s) {
		f = strings.Trim(f, ".,!?;:'\"")
		if f != "" {
			tokens[f] = true
		}
	}
	return tokens
}

// similarity is the Jaccard index of two token sets.
func similarity(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for t := range a {
		if b[t] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
