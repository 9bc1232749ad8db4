package fraud

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

const classifierPrompt = `You are a fraud analyst for an agricultural marketplace.
Given the JSON transaction snapshot below, respond with a JSON object of the
form {"isFraudulent": bool, "score": number, "fraudExplanation": string}.
Score is your confidence the transaction is fraudulent, between 0 and 1.
Consider order size relative to the buyer's history, order frequency, and
account age. Transaction snapshot:
`

// GeminiClassifier scores checkouts with a Gemini model. Responses are
// requested as JSON and decoded into the shared Result shape.
type GeminiClassifier struct {
	client *genai.Client
	model  string
}

// NewGeminiClassifier constructs a classifier backed by the Gemini API.
func NewGeminiClassifier(ctx context.Context, apiKey, model string) (*GeminiClassifier, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("fraud: Gemini API key is required")
	}
	if strings.TrimSpace(model) == "" {
		model = defaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("fraud: create Gemini client: %w", err)
	}
	return &GeminiClassifier{client: client, model: model}, nil
}

func (c *GeminiClassifier) Classify(ctx context.Context, signal Signal) (Result, error) {
	payload, err := json.Marshal(signal)
	if err != nil {
		return Result{}, err
	}
	contents := []*genai.Content{
		genai.NewContentFromText(classifierPrompt+string(payload), genai.RoleUser),
	}
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return Result{}, fmt.Errorf("fraud: Gemini classify: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Result{}, fmt.Errorf("fraud: empty model response")
	}
	var result Result
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return Result{}, fmt.Errorf("fraud: decode model response: %w", err)
	}
	if result.Score < 0 {
		result.Score = 0
	}
	if result.Score > 1 {
		result.Score = 1
	}
	return result, nil
}
