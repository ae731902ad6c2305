package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorzero-go/gateway/internal/config"
)

func TestBuildProviders_CoversModelsAndEmbeddingModels(t *testing.T) {
	gc := &config.GatewayConfig{
		Models: map[string]config.ModelConfig{
			"chat-model": {
				Routing:   []string{"chat-dummy"},
				Providers: map[string]config.ModelProviderConfig{"chat-dummy": {Type: "dummy"}},
			},
		},
		EmbeddingModels: map[string]config.ModelConfig{
			"embed-model": {
				Routing:   []string{"embed-dummy"},
				Providers: map[string]config.ModelProviderConfig{"embed-dummy": {Type: "dummy"}},
			},
		},
	}

	provs, err := BuildProviders(context.Background(), &config.Config{}, gc)
	require.NoError(t, err)
	assert.Contains(t, provs, "chat-dummy")
	assert.Contains(t, provs, "embed-dummy")
	assert.Len(t, provs, 2)
}

func TestBuildProviders_SharedProviderNameBuiltOnce(t *testing.T) {
	gc := &config.GatewayConfig{
		Models: map[string]config.ModelConfig{
			"chat-model": {
				Routing:   []string{"shared"},
				Providers: map[string]config.ModelProviderConfig{"shared": {Type: "dummy"}},
			},
		},
		EmbeddingModels: map[string]config.ModelConfig{
			"embed-model": {
				Routing:   []string{"shared"},
				Providers: map[string]config.ModelProviderConfig{"shared": {Type: "dummy"}},
			},
		},
	}

	provs, err := BuildProviders(context.Background(), &config.Config{}, gc)
	require.NoError(t, err)
	require.Len(t, provs, 1)
	assert.Equal(t, "shared", provs["shared"].Name())
}

func TestBuildProviders_UnknownProviderType(t *testing.T) {
	gc := &config.GatewayConfig{
		Models: map[string]config.ModelConfig{
			"m": {Routing: []string{"p"}, Providers: map[string]config.ModelProviderConfig{"p": {Type: "not-a-real-provider"}}},
		},
	}
	_, err := BuildProviders(context.Background(), &config.Config{}, gc)
	require.Error(t, err)
}
