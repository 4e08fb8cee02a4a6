package gemini

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/harun/turnloop/pkg/agent"
	"github.com/harun/turnloop/pkg/session"
)

// ErrBlocked is returned when the response was withheld by safety filters.
var ErrBlocked = errors.New("content blocked by safety filters")

func buildRequest(req agent.CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	if req.Config.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Config.Temperature))
	}
	if req.Config.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.Config.MaxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = toTools(req.Tools)
	}

	system, contents := toContents(req.Messages)
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(system)}}
	}
	return contents, config
}

// toContents splits off the system text and groups consecutive tool
// messages into one user content of function responses.
func toContents(msgs []session.Message) (string, []*genai.Content) {
	var system []string
	out := make([]*genai.Content, 0, len(msgs))
	var responses []*genai.Part

	flush := func() {
		if len(responses) > 0 {
			out = append(out, &genai.Content{Role: genai.RoleUser, Parts: responses})
			responses = nil
		}
	}

	for _, msg := range msgs {
		switch msg.Role {
		case session.RoleSystem:
			system = append(system, msg.Content)
		case session.RoleTool:
			key := "output"
			if msg.IsError {
				key = "error"
			}
			responses = append(responses, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     msg.ToolName,
					Response: map[string]any{key: msg.Content},
				},
			})
		case session.RoleUser:
			flush()
			out = append(out, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{genai.NewPartFromText(msg.Content)},
			})
		case session.RoleAssistant:
			flush()
			parts := make([]*genai.Part, 0, len(msg.ToolCalls)+1)
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Input},
				})
			}
			if len(parts) == 0 {
				parts = append(parts, genai.NewPartFromText(""))
			}
			out = append(out, &genai.Content{Role: genai.RoleModel, Parts: parts})
		}
	}
	flush()

	return strings.Join(system, "\n\n"), out
}

func toTools(specs []agent.ToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 spec.Name,
			Description:          spec.Description,
			ParametersJsonSchema: spec.InputSchema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func parseResponse(resp *genai.GenerateContentResponse) (*agent.Completion, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in response")
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return nil, ErrBlocked
	}

	completion := &agent.Completion{}
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" && !part.Thought {
				completion.Content += part.Text
			}
			if part.FunctionCall != nil {
				args := part.FunctionCall.Args
				if args == nil {
					args = map[string]any{}
				}
				completion.ToolCalls = append(completion.ToolCalls, session.ToolCall{
					ID:    part.FunctionCall.ID,
					Name:  part.FunctionCall.Name,
					Input: args,
				})
			}
		}
	}

	if usage := resp.UsageMetadata; usage != nil {
		completion.Usage = &agent.Usage{
			InputTokens:  int(usage.PromptTokenCount),
			OutputTokens: int(usage.CandidatesTokenCount),
		}
	}
	return completion, nil
}
