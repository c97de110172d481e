// Package logging records one audit line per proxied chat call.
package logging

import (
	"context"
	"errors"
	"time"
)

// ErrQueueFull is returned when a record is dropped because the writer is behind.
var ErrQueueFull = errors.New("usage log queue full")

// UsageRecord is one audited upstream call.
type UsageRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id,omitempty"`
	Route        string    `json:"route"`
	APIKeyID     int64     `json:"api_key_id,omitempty"`
	Username     string    `json:"username,omitempty"`
	Model        string    `json:"model"`
	Stream       bool      `json:"stream"`
	StatusCode   int       `json:"status_code"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	ProviderMs   int64     `json:"provider_ms"`
	GatewayMs    int64     `json:"gateway_ms"`
	Error        string    `json:"error,omitempty"`
}

// Sink receives usage records from the chat handlers.
type Sink interface {
	Enqueue(rec *UsageRecord) error
	Shutdown(ctx context.Context) error
}

// NoopSink discards records.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) Enqueue(*UsageRecord) error { return nil }

func (s *NoopSink) Shutdown(context.Context) error { return nil }
