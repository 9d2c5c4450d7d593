// Package modelclient defines the abstract Model Client the core
// consumes: language-model inference is out of scope, so the worker and
// orchestrator only see this interface plus the token-usage report every
// completion carries back for billing.
package modelclient

import (
	"context"

	"forge.control/internal/model"
)

// Usage is the token-usage report attached to every completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request is a single completion request.
type Request struct {
	Model     string         `json:"model"`
	Provider  model.Provider `json:"provider"`
	System    string         `json:"system,omitempty"`
	Prompt    string         `json:"prompt"`
	MaxTokens int            `json:"max_tokens,omitempty"`
}

// Response carries the completion text and the provider-reported usage.
type Response struct {
	Text       string `json:"text"`
	Usage      Usage  `json:"usage"`
	StopReason string `json:"stop_reason,omitempty"`
}

// Client is the abstract inference client. Implementations live outside
// the core; tests substitute a scripted fake.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
