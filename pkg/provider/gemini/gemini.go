// Package gemini implements agent.CompletionProvider on the Gemini API
// through google.golang.org/genai.
package gemini

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/harun/turnloop/pkg/agent"
	"github.com/harun/turnloop/pkg/provider"
)

// Config configures a Provider.
type Config struct {
	APIKey  string
	BaseURL string
}

// Provider calls GenerateContent.
type Provider struct {
	client Client
}

// New creates a provider backed by the Gemini API.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return NewWithClient(&sdkClient{client: client}), nil
}

// NewWithClient creates a provider on an existing client.
func NewWithClient(client Client) *Provider {
	return &Provider{client: client}
}

func (p *Provider) Name() string {
	return "gemini"
}

// Complete sends one GenerateContent request.
func (p *Provider) Complete(ctx context.Context, req agent.CompletionRequest) (*agent.Completion, error) {
	contents, config := buildRequest(req)

	resp, err := p.client.GenerateContent(ctx, req.Config.Model, contents, config)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, &provider.APIError{Provider: p.Name(), StatusCode: apiErr.Code, Err: err}
		}
		return nil, err
	}

	return parseResponse(resp)
}
