package core

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"learnova.app/backend/internal/quota"
)

const defaultModelName = "gemini-1.5-flash-latest"

// AnswerProvider generates an answer for a composed prompt. Errors wrap
// quota.ErrProvider and carry the provider's message.
type AnswerProvider interface {
	GenerateText(ctx context.Context, prompt, systemInstruction string) (string, error)
	GenerateTextAndImage(ctx context.Context, prompt, imageBase64, mimeType, systemInstruction string) (string, error)
}

type GeminiProvider struct {
	client    *genai.Client
	modelName string
	log       zerolog.Logger
}

func NewGeminiProvider(ctx context.Context, apiKey, modelName string, log zerolog.Logger) (*GeminiProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if modelName == "" {
		modelName = defaultModelName
	}
	return &GeminiProvider{client: client, modelName: modelName, log: log}, nil
}

func (p *GeminiProvider) Close() {
	if p.client == nil {
		return
	}
	if err := p.client.Close(); err != nil {
		p.log.Error().Err(err).Msg("error closing GenAI client")
		return
	}
	p.log.Info().Msg("GenAI client closed")
}

func (p *GeminiProvider) model(systemInstruction string) *genai.GenerativeModel {
	model := p.client.GenerativeModel(p.modelName)
	if systemInstruction != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(systemInstruction)},
		}
	}
	return model
}

func (p *GeminiProvider) GenerateText(ctx context.Context, prompt, systemInstruction string) (string, error) {
	resp, err := p.model(systemInstruction).GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("%w: %v", quota.ErrProvider, err)
	}
	return responseText(resp)
}

func (p *GeminiProvider) GenerateTextAndImage(ctx context.Context, prompt, imageBase64, mimeType, systemInstruction string) (string, error) {
	data, mimeType, err := decodeImage(imageBase64, mimeType)
	if err != nil {
		return "", err
	}
	resp, err := p.model(systemInstruction).GenerateContent(ctx,
		genai.Text(prompt),
		genai.Blob{MIMEType: mimeType, Data: data},
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", quota.ErrProvider, err)
	}
	return responseText(resp)
}

// decodeImage accepts raw base64 or a data URL. A mime type embedded in the
// data URL wins over the declared one.
func decodeImage(encoded, mimeType string) ([]byte, string, error) {
	encoded = strings.TrimSpace(encoded)
	if rest, ok := strings.CutPrefix(encoded, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", fmt.Errorf("%w: malformed image data url", quota.ErrProvider)
		}
		if declared, _, _ := strings.Cut(header, ";"); declared != "" {
			mimeType = declared
		}
		encoded = payload
	}
	if mimeType == "" {
		return nil, "", fmt.Errorf("%w: image mime type is required", quota.ErrProvider)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("%w: image is not valid base64: %v", quota.ErrProvider, err)
	}
	return data, mimeType, nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: empty response from model", quota.ErrProvider)
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%w: model returned no text", quota.ErrProvider)
	}
	return sb.String(), nil
}
