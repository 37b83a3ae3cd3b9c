package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-run/aide/pkg/models"
)

type stubTool struct {
	name     string
	category string
}

func (t *stubTool) Name() string                    { return t.name }
func (t *stubTool) Category() string                { return t.category }
func (t *stubTool) Description() string             { return "stub " + t.name }
func (t *stubTool) Parameters() []models.ToolParameter {
	return []models.ToolParameter{{Name: "q", Type: "string", Required: true}}
}
func (t *stubTool) Capabilities() []string { return []string{models.CapabilityReadOnly} }
func (t *stubTool) Execute(context.Context, map[string]any, *models.ExecutionContext) (*models.ToolResult, error) {
	return &models.ToolResult{Success: true}, nil
}

func TestRegistry_Register(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&stubTool{name: "weather", category: "information"}))
	require.NoError(t, r.Register(&stubTool{name: "news", category: "information"}))

	t.Run("duplicate name rejected", func(t *testing.T) {
		err := r.Register(&stubTool{name: "weather"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("empty name rejected", func(t *testing.T) {
		require.Error(t, r.Register(&stubTool{name: ""}))
	})

	t.Run("lookup", func(t *testing.T) {
		tool, ok := r.Get("weather")
		require.True(t, ok)
		assert.Equal(t, "weather", tool.Name())

		_, ok = r.Get("missing")
		assert.False(t, ok)
	})

	t.Run("names sorted", func(t *testing.T) {
		assert.Equal(t, []string{"news", "weather"}, r.Names())
	})

	t.Run("list metadata", func(t *testing.T) {
		infos := r.List()
		require.Len(t, infos, 2)
		assert.Equal(t, "news", infos[0].Name)
		assert.Equal(t, "information", infos[0].Category)
		assert.Len(t, infos[1].Parameters, 1)
	})
}

func TestRegistry_Freeze(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(&stubTool{name: "weather"}))
	r.Freeze()

	err := r.Register(&stubTool{name: "news"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frozen")
	assert.Equal(t, 1, r.Len())
}
