package providers

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const geminiDefaultModel = "gemini-2.5-flash"

// GeminiProvider talks to the Gemini API through the google genai SDK.
type GeminiProvider struct {
	client       *genai.Client
	defaultModel string
}

// NewGeminiProvider creates a Gemini API client.
func NewGeminiProvider(ctx context.Context, apiKey, defaultModel string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	if defaultModel == "" {
		defaultModel = geminiDefaultModel
	}
	return &GeminiProvider{client: client, defaultModel: defaultModel}, nil
}

func (p *GeminiProvider) Name() string         { return "gemini" }
func (p *GeminiProvider) DefaultModel() string { return p.defaultModel }

// buildContents splits system messages into SystemInstruction and maps the
// rest to user/model turns.
func (p *GeminiProvider) buildContents(req ChatRequest) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	var system []string
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	if t, ok := optFloat(req.Options, OptTemperature); ok {
		cfg.Temperature = genai.Ptr(float32(t))
	}
	if n, ok := optInt(req.Options, OptMaxTokens); ok {
		cfg.MaxOutputTokens = int32(n)
	}
	return model, contents, cfg
}

func geminiUsage(resp *genai.GenerateContentResponse) *Usage {
	if resp == nil || resp.UsageMetadata == nil {
		return nil
	}
	u := resp.UsageMetadata
	return &Usage{
		PromptTokens:     int(u.PromptTokenCount),
		CompletionTokens: int(u.CandidatesTokenCount),
		TotalTokens:      int(u.TotalTokenCount),
	}
}

func geminiFinish(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	return string(resp.Candidates[0].FinishReason)
}

// Chat implements Provider.
func (p *GeminiProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model, contents, cfg := p.buildContents(req)
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}
	return &ChatResponse{
		Content:      resp.Text(),
		FinishReason: geminiFinish(resp),
		Usage:        geminiUsage(resp),
	}, nil
}

// ChatStream implements Provider.
func (p *GeminiProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	model, contents, cfg := p.buildContents(req)
	var sb strings.Builder
	out := &ChatResponse{}
	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			return nil, fmt.Errorf("gemini: stream: %w", err)
		}
		text := resp.Text()
		if text != "" {
			sb.WriteString(text)
			if onChunk != nil {
				onChunk(StreamChunk{Content: text})
			}
		}
		if u := geminiUsage(resp); u != nil {
			out.Usage = u
		}
		if f := geminiFinish(resp); f != "" {
			out.FinishReason = f
		}
	}
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	out.Content = sb.String()
	return out, nil
}
