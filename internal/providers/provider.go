// Package providers talks to the CodeRider upstream: JWT issuance, chat
// completions, model configuration and the Claude-compatible reshaping.
package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// ChatRequest is an OpenAI-shaped chat request bound for CodeRider.
type ChatRequest struct {
	Model    string         // optional; prefixes maas/ and server/ are stripped
	Messages any            // forwarded as received
	Stream   bool           // forwarded; the body is relayed without accounting
	Extra    map[string]any // other top-level fields, never overriding the three above
}

// ChatResponse is the upstream answer to a chat request.
type ChatResponse struct {
	StatusCode      int
	Body            []byte
	ContentType     string
	Usage           *openai.Usage // nil when the body reports none
	ProviderLatency time.Duration
}

// AccessTokenSource supplies GitLab OAuth access tokens.
type AccessTokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
	ClearCache()
}

// Authenticator prepares an upstream request.
type Authenticator interface {
	Authenticate(ctx context.Context, req *http.Request) error
}

// extractUsage returns the usage block of an OpenAI-shaped body, or nil.
func extractUsage(body []byte) *openai.Usage {
	var envelope struct {
		Usage *openai.Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}
	return envelope.Usage
}
