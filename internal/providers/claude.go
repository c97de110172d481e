package providers

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// claudeModels maps Claude model ids onto CodeRider models. Unknown ids
// pass through unchanged.
var claudeModels = map[string]string{
	"claude-3-5-sonnet-20241022": "maas-minimax-m2",
	"claude-3-5-haiku-20241022":  "maas-deepseek-v3.1",
	"claude-3-opus-20240229":     "maas-glm-4.6",
	"claude-sonnet-4-5-20250929": "maas-minimax-m2",
	"claude-haiku-4-5-20251001":  "maas-deepseek-v3.1",
	"claude-opus-4-5-20251101":   "maas-glm-4.6",
}

// MapClaudeModel returns the CodeRider model for a Claude model id.
func MapClaudeModel(model string) string {
	if mapped, ok := claudeModels[model]; ok {
		return mapped
	}
	return model
}

// ClaudeRequest is the accepted subset of a /v1/messages request.
type ClaudeRequest struct {
	Model         string          `json:"model"`
	Messages      []ClaudeMessage `json:"messages"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
}

// ClaudeMessage carries content either as a string or as a block list.
type ClaudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Text flattens the content: strings are kept, text blocks are joined
// with newlines, anything else is empty.
func (m ClaudeMessage) Text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToChatRequest converts a Claude request into a non-streaming CodeRider request.
func (r *ClaudeRequest) ToChatRequest() ChatRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(r.Messages))
	for _, m := range r.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Text()})
	}

	extra := map[string]any{}
	if r.MaxTokens != 0 {
		extra["max_tokens"] = r.MaxTokens
	}
	if r.Temperature != nil {
		extra["temperature"] = *r.Temperature
	}
	if r.TopP != nil {
		extra["top_p"] = *r.TopP
	}
	if r.TopK != nil {
		extra["top_k"] = *r.TopK
	}
	if r.StopSequences != nil {
		extra["stop_sequences"] = r.StopSequences
	}

	return ChatRequest{
		Model:    MapClaudeModel(r.Model),
		Messages: messages,
		Stream:   false,
		Extra:    extra,
	}
}

// ClaudeContent is a text content block.
type ClaudeContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClaudeResponse is the /v1/messages response body.
type ClaudeResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Role         string          `json:"role"`
	Content      []ClaudeContent `json:"content"`
	Model        string          `json:"model"`
	StopReason   string          `json:"stop_reason"`
	StopSequence *string         `json:"stop_sequence"`
	Usage        json.RawMessage `json:"usage,omitempty"`
}

// ToClaudeResponse reshapes an OpenAI chat completion body. model is the
// id the client asked for, not the mapped one.
func ToClaudeResponse(body []byte, model string, now time.Time) (*ClaudeResponse, error) {
	var completion openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, fmt.Errorf("failed to decode chat completion: %w", err)
	}
	var raw struct {
		Usage json.RawMessage `json:"usage"`
	}
	_ = json.Unmarshal(body, &raw)

	out := &ClaudeResponse{
		ID:         completion.ID,
		Type:       "message",
		Role:       openai.ChatMessageRoleAssistant,
		Content:    []ClaudeContent{},
		Model:      model,
		StopReason: "end_turn",
	}
	if out.ID == "" {
		out.ID = fmt.Sprintf("msg-%d", now.UnixMilli())
	}
	if len(raw.Usage) > 0 && string(raw.Usage) != "null" {
		out.Usage = raw.Usage
	}
	if len(completion.Choices) > 0 {
		choice := completion.Choices[0]
		if choice.Message.Content != "" {
			out.Content = append(out.Content, ClaudeContent{Type: "text", Text: choice.Message.Content})
		}
		if choice.FinishReason != "" {
			out.StopReason = string(choice.FinishReason)
		}
	}
	return out, nil
}
