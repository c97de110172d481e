package providers

import (
	"strings"

	"github.com/sashabaranov/go-openai"
)

const ownedBy = "coderider"

// ModelConfig is the subset of /api/v1/config the catalog reads.
type ModelConfig struct {
	ChatModels           []string         `json:"chat_models"`
	CodeCompletionModels []string         `json:"code_completion_models"`
	LoomModels           []string         `json:"loom_models"`
	LLMModelsParams      []map[string]any `json:"llm_models_params"`
}

// ModelList is an OpenAI list envelope.
type ModelList[T any] struct {
	Object string `json:"object"`
	Data   []T    `json:"data"`
}

// FullModel is one entry of /v1/models/full.
type FullModel struct {
	ID            string         `json:"id"`
	Object        string         `json:"object"`
	OwnedBy       string         `json:"owned_by"`
	Type          string         `json:"type"`
	Name          string         `json:"name"`
	Provider      any            `json:"provider,omitempty"`
	ContextWindow any            `json:"context_window"`
	Temperature   any            `json:"temperature,omitempty"`
	Raw           map[string]any `json:"raw"`
}

var staticModels = []struct {
	id       string
	provider string
}{
	{"maas-minimax-m2", "minimax"},
	{"maas-deepseek-v3.1", "deepseek"},
	{"maas-glm-4.6", "glm"},
}

// StaticModels lists the default model followed by the commonly mapped ones.
func StaticModels(defaultModel string) ModelList[openai.Model] {
	data := []openai.Model{{ID: defaultModel, Object: "model", OwnedBy: ownedBy}}
	for _, m := range staticModels {
		data = append(data, openai.Model{ID: m.id, Object: "model", OwnedBy: ownedBy})
	}
	return ModelList[openai.Model]{Object: "list", Data: data}
}

// FullModels expands an upstream config into catalog entries. The static
// models are appended when the upstream does not list them.
func FullModels(cfg *ModelConfig) ModelList[FullModel] {
	params := make(map[string]map[string]any)
	if cfg != nil {
		for _, p := range cfg.LLMModelsParams {
			name, _ := p["name"].(string)
			params[name] = p
		}
	}

	var data []FullModel
	add := func(tags []string, kind string) {
		for _, tag := range tags {
			bare := bareName(tag)
			p := params[bare]
			if p == nil {
				p = map[string]any{}
			}
			data = append(data, FullModel{
				ID:            tag,
				Object:        "model",
				OwnedBy:       ownedBy,
				Type:          kind,
				Name:          bare,
				Provider:      p["provider"],
				ContextWindow: p["context_window"],
				Temperature:   p["temperature"],
				Raw:           p,
			})
		}
	}
	if cfg != nil {
		add(cfg.ChatModels, "chat")
		add(cfg.CodeCompletionModels, "code_completion")
		add(cfg.LoomModels, "loom")
	}

	for _, m := range staticModels {
		if containsModel(data, m.id) {
			continue
		}
		data = append(data, FullModel{
			ID:       m.id,
			Object:   "model",
			OwnedBy:  ownedBy,
			Type:     "chat",
			Name:     m.id,
			Provider: m.provider,
		})
	}

	return ModelList[FullModel]{Object: "list", Data: data}
}

// bareName drops a "provider/" prefix, keeping the second path segment.
func bareName(tag string) string {
	if parts := strings.Split(tag, "/"); len(parts) > 1 {
		return parts[1]
	}
	return tag
}

func containsModel(data []FullModel, id string) bool {
	for _, d := range data {
		if d.ID == id {
			return true
		}
	}
	return false
}
