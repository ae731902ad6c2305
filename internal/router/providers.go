package router

import (
	"context"
	"fmt"

	"github.com/tensorzero-go/gateway/internal/config"
	"github.com/tensorzero-go/gateway/internal/providers"
	anthropicprov "github.com/tensorzero-go/gateway/internal/providers/anthropic"
	azureprov "github.com/tensorzero-go/gateway/internal/providers/azure"
	bedrockprov "github.com/tensorzero-go/gateway/internal/providers/bedrock"
	dummyprov "github.com/tensorzero-go/gateway/internal/providers/dummy"
	geminiprov "github.com/tensorzero-go/gateway/internal/providers/gemini"
	mistralprov "github.com/tensorzero-go/gateway/internal/providers/mistral"
	openaiprov "github.com/tensorzero-go/gateway/internal/providers/openai"
	openaicompatprov "github.com/tensorzero-go/gateway/internal/providers/openaicompat"
	vertexaiprov "github.com/tensorzero-go/gateway/internal/providers/vertexai"
)

// BuildProviders instantiates one providers.Provider per (model, provider)
// pair named in gc.Models — keyed by the provider name as it appears in
// that model's routing list, e.g. "openai_primary" — so two models can each
// point a differently-configured provider entry at the same provider kind.
// Credentials come from cred (the env-loaded Config), looked up by kind.
func BuildProviders(ctx context.Context, cred *config.Config, gc *config.GatewayConfig) (map[string]providers.Provider, error) {
	out := make(map[string]providers.Provider)

	for modelName, m := range gc.Models {
		if err := buildInto(ctx, cred, out, modelName, m); err != nil {
			return nil, err
		}
	}
	for modelName, m := range gc.EmbeddingModels {
		if err := buildInto(ctx, cred, out, modelName, m); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func buildInto(ctx context.Context, cred *config.Config, out map[string]providers.Provider, modelName string, m config.ModelConfig) error {
	for provName, pc := range m.Providers {
		if _, exists := out[provName]; exists {
			// Two models sharing a provider entry name reuse one client.
			continue
		}
		p, err := buildOne(ctx, cred, provName, pc)
		if err != nil {
			return fmt.Errorf("router: model %q provider %q: %w", modelName, provName, err)
		}
		out[provName] = p
	}
	return nil
}

func buildOne(ctx context.Context, cred *config.Config, name string, pc config.ModelProviderConfig) (providers.Provider, error) {
	switch pc.Type {
	case "openai":
		var opts []openaiprov.Option
		if pc.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(pc.BaseURL))
		} else if cred.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cred.OpenAI.BaseURL))
		}
		return openaiprov.New(cred.OpenAI.APIKey, opts...), nil

	case "anthropic":
		var opts []anthropicprov.Option
		if pc.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(pc.BaseURL))
		}
		return anthropicprov.New(cred.Anthropic.APIKey, opts...), nil

	case "mistral":
		var opts []mistralprov.Option
		if pc.BaseURL != "" {
			opts = append(opts, mistralprov.WithBaseURL(pc.BaseURL))
		}
		return mistralprov.New(cred.Mistral.APIKey, opts...), nil

	case "azure":
		apiVersion := cred.Azure.APIVersion
		if apiVersion == "" {
			apiVersion = "2024-12-01-preview"
		}
		return azureprov.New(cred.Azure.Endpoint, cred.Azure.APIKey, apiVersion), nil

	case "bedrock":
		var opts []bedrockprov.Option
		if cred.Bedrock.SessionToken != "" {
			opts = append(opts, bedrockprov.WithSessionToken(cred.Bedrock.SessionToken))
		}
		if cred.Bedrock.EndpointURL != "" {
			opts = append(opts, bedrockprov.WithEndpointURL(cred.Bedrock.EndpointURL))
		}
		return bedrockprov.New(cred.Bedrock.AccessKey, cred.Bedrock.SecretKey, cred.Bedrock.Region, opts...), nil

	case "google_ai_studio_gemini":
		var opts []geminiprov.Option
		if pc.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(pc.BaseURL))
		}
		return geminiprov.New(ctx, cred.Gemini.APIKey, opts...), nil

	case "gcp_vertex_gemini", "gcp_vertex_anthropic":
		var opts []vertexaiprov.Option
		if cred.VertexAI.Location != "" {
			opts = append(opts, vertexaiprov.WithLocation(cred.VertexAI.Location))
		}
		return vertexaiprov.New(ctx, cred.VertexAI.Project, opts...)

	case "fireworks":
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = "https://api.fireworks.ai/inference/v1"
		}
		return openaicompatprov.New(name, cred.Fireworks.APIKey, baseURL), nil

	case "together":
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = "https://api.together.xyz/v1"
		}
		return openaicompatprov.New(name, cred.Together.APIKey, baseURL), nil

	case "vllm":
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = cred.VLLM.BaseURL
		}
		return openaicompatprov.New(name, cred.VLLM.APIKey, baseURL), nil

	case "dummy":
		return dummyprov.New(name), nil

	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}
