package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"jihu_proxy/internal/logging"
	"jihu_proxy/internal/middleware"
	"jihu_proxy/internal/providers"
	"jihu_proxy/internal/utils"
)

// ChatClient is the upstream the chat routes forward to.
type ChatClient interface {
	ChatCompletions(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error)
	ModelConfig(ctx context.Context) (*providers.ModelConfig, error)
	DefaultModel() string
}

// UsageRecorder adds billable usage to an API key.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, apiKeyID int64, inputTokens, outputTokens int64) error
}

// ChatHandler serves the OpenAI- and Claude-compatible routes.
type ChatHandler struct {
	client ChatClient
	usage  UsageRecorder
	audit  logging.Sink
	logger *utils.Logger
	now    func() time.Time
}

func NewChatHandler(client ChatClient, usage UsageRecorder, audit logging.Sink) *ChatHandler {
	if audit == nil {
		audit = logging.NewNoopSink()
	}
	return &ChatHandler{
		client: client,
		usage:  usage,
		audit:  audit,
		logger: utils.NewLogger("chat"),
		now:    time.Now,
	}
}

// fixedFields are taken out of the payload; everything else is forwarded as is.
var fixedFields = []string{"model", "messages", "stream"}

// ChatCompletions handles POST /v1/chat/completions.
//
// The body is forwarded with model, messages and stream pulled out and
// every other field passed through. Streaming bodies are relayed raw and
// never metered.
func (h *ChatHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	ctx := r.Context()

	var payload map[string]any
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	model, _ := payload["model"].(string)
	stream := truthy(payload["stream"])
	messages := payload["messages"]
	if messages == nil {
		messages = []any{}
	}
	extra := make(map[string]any, len(payload))
	for k, v := range payload {
		extra[k] = v
	}
	for _, k := range fixedFields {
		delete(extra, k)
	}

	resp, err := h.client.ChatCompletions(ctx, providers.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
		Extra:    extra,
	})
	rec := h.newRecord(r, "chat_completions", model, stream, start)
	if err != nil {
		h.finish(rec, nil, err)
		h.logger.Warn("chat completion failed", "request_id", rec.RequestID, "err", err)
		respondUpstreamError(w, err)
		return
	}

	if !stream {
		h.recordUsage(ctx, resp)
	}
	h.finish(rec, resp, nil)

	contentType := resp.ContentType
	if stream {
		contentType = "text/event-stream"
	} else if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		h.logger.Debug("failed to write chat response", "err", err)
	}
}

// Messages handles POST /v1/messages, the Claude-shaped variant. Requests
// are always sent upstream without streaming.
func (h *ChatHandler) Messages(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	ctx := r.Context()

	var req providers.ClaudeRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	chatReq := req.ToChatRequest()
	resp, err := h.client.ChatCompletions(ctx, chatReq)
	rec := h.newRecord(r, "messages", chatReq.Model, false, start)
	if err != nil {
		h.finish(rec, nil, err)
		h.logger.Warn("messages call failed", "request_id", rec.RequestID, "err", err)
		respondUpstreamError(w, err)
		return
	}

	h.recordUsage(ctx, resp)
	h.finish(rec, resp, nil)

	out, err := providers.ToClaudeResponse(resp.Body, req.Model, h.now())
	if err != nil {
		respondUpstreamError(w, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, out)
}

// Models handles GET /v1/models.
func (h *ChatHandler) Models(w http.ResponseWriter, r *http.Request) {
	utils.RespondWithJSON(w, http.StatusOK, providers.StaticModels(h.client.DefaultModel()))
}

// ModelsFull handles GET /v1/models/full, built from the upstream config.
func (h *ChatHandler) ModelsFull(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.client.ModelConfig(r.Context())
	if err != nil {
		if utils.IsRecoverableError(err) {
			respondAuthExpired(w, err)
			return
		}
		h.logger.Warn("model config fetch failed", "err", err)
		utils.RespondWithError(w, http.StatusBadGateway,
			fmt.Sprintf("failed to fetch CodeRider model config: %s", normalizeErrorMessage(err.Error())))
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, providers.FullModels(cfg))
}

// recordUsage meters a key when the upstream reported usage. Failures are
// logged only.
func (h *ChatHandler) recordUsage(ctx context.Context, resp *providers.ChatResponse) {
	record, ok := middleware.GetAPIKeyRecord(ctx)
	if !ok || resp.Usage == nil || h.usage == nil {
		return
	}
	err := h.usage.RecordUsage(context.WithoutCancel(ctx), record.ID,
		int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens))
	if err != nil {
		h.logger.Error("failed to record usage", "api_key_id", record.ID, "err", err)
	}
}

func (h *ChatHandler) newRecord(r *http.Request, route, model string, stream bool, start time.Time) *logging.UsageRecord {
	rec := &logging.UsageRecord{
		Timestamp: start,
		RequestID: middleware.GetRequestID(r.Context()),
		Route:     route,
		Model:     providers.NormalizeModel(model),
		Stream:    stream,
	}
	if rec.Model == "" {
		rec.Model = providers.NormalizeModel(h.client.DefaultModel())
	}
	if key, ok := middleware.GetAPIKeyRecord(r.Context()); ok {
		rec.APIKeyID = key.ID
		rec.Username = key.Username
	}
	return rec
}

// finish completes and enqueues an audit record. A full queue drops it.
func (h *ChatHandler) finish(rec *logging.UsageRecord, resp *providers.ChatResponse, err error) {
	rec.GatewayMs = h.now().Sub(rec.Timestamp).Milliseconds()
	if err != nil {
		rec.Error = err.Error()
		rec.StatusCode = statusOf(err)
	}
	if resp != nil {
		rec.StatusCode = resp.StatusCode
		rec.ProviderMs = resp.ProviderLatency.Milliseconds()
		if resp.Usage != nil {
			rec.InputTokens = resp.Usage.PromptTokens
			rec.OutputTokens = resp.Usage.CompletionTokens
		}
	}
	if qerr := h.audit.Enqueue(rec); qerr != nil {
		h.logger.Debug("usage record dropped", "request_id", rec.RequestID, "err", qerr)
	}
}

// statusOf returns the upstream status carried by err, or 0.
func statusOf(err error) int {
	var ue *utils.UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode
	}
	return 0
}

// truthy follows loose JSON truthiness for the stream flag.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return false
	}
}
