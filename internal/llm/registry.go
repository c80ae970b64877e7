package llm

import (
	"time"

	"github.com/fininsight/agent-backend/internal/config"
	"github.com/fininsight/agent-backend/internal/logger"
)

// NewRegistry builds the provider dispatch table from configuration.
// Providers whose API key is absent are left out so the service can run
// with a partial set; calls to a missing provider fail at dispatch.
func NewRegistry(cfgs map[string]config.ProviderConfig, log *logger.Logger) Registry {
	registry := make(Registry, len(cfgs))

	if pc, ok := cfgs[config.ProviderOpenAI]; ok && pc.APIKey != "" {
		p, err := NewOpenAIProvider(OpenAIOptions{
			Name:      config.ProviderOpenAI,
			APIKey:    pc.APIKey,
			BaseURL:   pc.BaseURL,
			Model:     pc.Model,
			MaxTokens: pc.MaxTokens,
			Stream:    true,
		}, log)
		if err == nil {
			registry[config.ProviderOpenAI] = p
		}
	}

	if pc, ok := cfgs[config.ProviderGrok]; ok && pc.APIKey != "" {
		p, err := NewOpenAIProvider(OpenAIOptions{
			Name:      config.ProviderGrok,
			APIKey:    pc.APIKey,
			BaseURL:   pc.BaseURL,
			Model:     pc.Model,
			MaxTokens: pc.MaxTokens,
			Stream:    true,
		}, log)
		if err == nil {
			registry[config.ProviderGrok] = p
		}
	}

	if pc, ok := cfgs[config.ProviderGemini]; ok && pc.APIKey != "" {
		p, err := NewGeminiProvider(GeminiOptions{
			APIKey:    pc.APIKey,
			BaseURL:   pc.BaseURL,
			Model:     pc.Model,
			MaxTokens: pc.MaxTokens,
			Timeout:   time.Duration(pc.TimeoutSeconds) * time.Second,
		}, log)
		if err == nil {
			registry[config.ProviderGemini] = p
		}
	}

	if pc, ok := cfgs[config.ProviderDeepResearch]; ok && pc.APIKey != "" {
		p, err := NewOpenAIProvider(OpenAIOptions{
			Name:        config.ProviderDeepResearch,
			APIKey:      pc.APIKey,
			BaseURL:     pc.BaseURL,
			Model:       pc.Model,
			MaxTokens:   pc.MaxTokens,
			Instruction: DeepResearchInstruction,
			Stream:      false,
			Timeout:     time.Duration(pc.TimeoutSeconds) * time.Second,
		}, log)
		if err == nil {
			registry[config.ProviderDeepResearch] = p
		}
	}

	for name := range cfgs {
		if _, ok := registry[name]; !ok {
			log.Warn("provider not registered, missing API key", "provider", name)
		}
	}
	return registry
}
