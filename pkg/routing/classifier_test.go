package routing

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-run/aide/pkg/config"
	"github.com/aide-run/aide/pkg/models"
	"github.com/aide-run/aide/pkg/oracle"
	"github.com/aide-run/aide/pkg/registry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type namedTool struct{ name string }

func (t *namedTool) Name() string                       { return t.name }
func (t *namedTool) Category() string                   { return "information" }
func (t *namedTool) Description() string                { return t.name + " lookups" }
func (t *namedTool) Parameters() []models.ToolParameter { return nil }
func (t *namedTool) Capabilities() []string             { return []string{models.CapabilityReadOnly} }
func (t *namedTool) Execute(context.Context, map[string]any, *models.ExecutionContext) (*models.ToolResult, error) {
	return &models.ToolResult{Success: true}, nil
}

func newTestClassifier(t *testing.T, o oracle.Oracle) (*Classifier, *fakeClock) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(&namedTool{name: "weather"}))
	require.NoError(t, reg.Register(&namedTool{name: "news"}))

	clock := &fakeClock{now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	cfg := &config.RoutingConfig{
		CacheTTL:            5 * time.Minute,
		SweepInterval:       time.Minute,
		ConfidenceThreshold: 0.7,
	}
	return New(reg, o, cfg, clock, nil, slog.Default()), clock
}

func TestClassifier_ExactCacheHit(t *testing.T) {
	var calls atomic.Int32
	o := &oracle.ScriptOracle{
		ClassifyFunc: func(_ context.Context, _ string, _ []oracle.ToolOption) (*oracle.Classification, error) {
			calls.Add(1)
			return &oracle.Classification{Tool: "weather", Confidence: 0.9, Reasoning: "asks about weather"}, nil
		},
	}
	c, clock := newTestClassifier(t, o)
	ctx := context.Background()

	first, err := c.Classify(ctx, "What's the weather in Paris?")
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, "weather", first.Tool)

	// Same message with different spacing and case hits the cache verbatim.
	second, err := c.Classify(ctx, "what's  the WEATHER in paris?")
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Tool, second.Tool)
	assert.Equal(t, first.Confidence, second.Confidence)
	assert.Equal(t, int32(1), calls.Load())

	// Past the TTL the oracle is consulted again.
	clock.Advance(6 * time.Minute)
	third, err := c.Classify(ctx, "What's the weather in Paris?")
	require.NoError(t, err)
	assert.False(t, third.FromCache)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClassifier_SimilarHitDiscountsConfidence(t *testing.T) {
	var calls atomic.Int32
	o := &oracle.ScriptOracle{
		ClassifyFunc: func(_ context.Context, _ string, _ []oracle.ToolOption) (*oracle.Classification, error) {
			calls.Add(1)
			return &oracle.Classification{Tool: "weather", Confidence: 0.9}, nil
		},
	}
	c, _ := newTestClassifier(t, o)
	ctx := context.Background()

	_, err := c.Classify(ctx, "what is the weather in berlin today please")
	require.NoError(t, err)

	similar, err := c.Classify(ctx, "what is the weather in berlin tomorrow please")
	require.NoError(t, err)
	assert.True(t, similar.FromCache)
	assert.Equal(t, "weather", similar.Tool)
	assert.InDelta(t, 0.9*0.95, similar.Confidence, 1e-9)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClassifier_LowConfidenceNotReusedForSimilar(t *testing.T) {
	var calls atomic.Int32
	o := &oracle.ScriptOracle{
		ClassifyFunc: func(_ context.Context, _ string, _ []oracle.ToolOption) (*oracle.Classification, error) {
			calls.Add(1)
			return &oracle.Classification{Tool: "weather", Confidence: 0.75}, nil
		},
	}
	c, _ := newTestClassifier(t, o)
	ctx := context.Background()

	_, err := c.Classify(ctx, "what is the weather in berlin today please")
	require.NoError(t, err)
	_, err = c.Classify(ctx, "what is the weather in berlin tomorrow please")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClassifier_UnknownToolFallsBack(t *testing.T) {
	o := &oracle.ScriptOracle{
		ClassifyFunc: func(_ context.Context, _ string, _ []oracle.ToolOption) (*oracle.Classification, error) {
			return &oracle.Classification{Tool: "teleport", Confidence: 0.99}, nil
		},
	}
	c, _ := newTestClassifier(t, o)

	d, err := c.Classify(context.Background(), "beam me up")
	require.NoError(t, err)
	assert.Equal(t, RouteConversational, d.Tool)
	assert.Equal(t, 0.5, d.Confidence)
}

func TestClassifier_ConfidenceClamped(t *testing.T) {
	o := &oracle.ScriptOracle{
		ClassifyFunc: func(_ context.Context, _ string, _ []oracle.ToolOption) (*oracle.Classification, error) {
			return &oracle.Classification{Tool: "news", Confidence: 1.7}, nil
		},
	}
	c, _ := newTestClassifier(t, o)

	d, err := c.Classify(context.Background(), "latest headlines")
	require.NoError(t, err)
	assert.Equal(t, 1.0, d.Confidence)
}

func TestClassifier_SyntheticRoutesOffered(t *testing.T) {
	var seen []string
	o := &oracle.ScriptOracle{
		ClassifyFunc: func(_ context.Context, _ string, tools []oracle.ToolOption) (*oracle.Classification, error) {
			for _, opt := range tools {
				seen = append(seen, opt.Name)
			}
			return &oracle.Classification{Tool: RouteGeneralSearch, Confidence: 0.8}, nil
		},
	}
	c, _ := newTestClassifier(t, o)

	d, err := c.Classify(context.Background(), "who invented velcro")
	require.NoError(t, err)
	assert.Equal(t, RouteGeneralSearch, d.Tool)
	assert.Contains(t, seen, RouteConversational)
	assert.Contains(t, seen, RouteGeneralSearch)
	assert.Contains(t, seen, "weather")
}

func TestClassifier_ShouldRouteDirectly(t *testing.T) {
	c, _ := newTestClassifier(t, &oracle.ScriptOracle{})

	assert.True(t, c.ShouldRouteDirectly(Decision{Tool: "weather", Confidence: 0.7}))
	assert.False(t, c.ShouldRouteDirectly(Decision{Tool: "weather", Confidence: 0.69}))
	assert.False(t, c.ShouldRouteDirectly(Decision{Tool: RouteConversational, Confidence: 0.99}))
}

func TestClassifier_Sweep(t *testing.T) {
	o := &oracle.ScriptOracle{
		ClassifyFunc: func(_ context.Context, _ string, _ []oracle.ToolOption) (*oracle.Classification, error) {
			return &oracle.Classification{Tool: "weather", Confidence: 0.9}, nil
		},
	}
	c, clock := newTestClassifier(t, o)
	ctx := context.Background()

	_, err := c.Classify(ctx, "weather in oslo")
	require.NoError(t, err)
	require.Equal(t, 1, c.CacheSize())

	clock.Advance(10 * time.Minute)
	c.sweep()
	assert.Equal(t, 0, c.CacheSize())
}
