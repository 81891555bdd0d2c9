// Package anthropic wraps the Anthropic Messages API for pairing score
// augmentation. The model re-ranks a shortlist of candidate wines against a
// dish; deterministic scoring always runs first and survives provider
// outages.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/aristath/cellar/internal/apperrors"
	"github.com/aristath/cellar/internal/config"
)

const defaultModel = "claude-sonnet-4-20250514"

// Candidate is the compact wine view sent to the model.
type Candidate struct {
	WineID   string `json:"wine_id"`
	Name     string `json:"name"`
	Producer string `json:"producer,omitempty"`
	WineType string `json:"wine_type"`
	Region   string `json:"region,omitempty"`
	Year     int    `json:"year,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// Score is one model judgement for a candidate.
type Score struct {
	WineID    string  `json:"wine_id"`
	Score     float64 `json:"score"` // 0..100
	Rationale string  `json:"rationale"`
}

// Client calls the Anthropic Messages API.
type Client struct {
	api     sdk.Client
	model   sdk.Model
	timeout time.Duration
	enabled bool
	log     zerolog.Logger
}

// NewClient creates a provider client from configuration. A missing API key
// yields a disabled client; callers decide whether that is an error.
func NewClient(cfg config.AIConfig, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		model:   sdk.Model(defaultModel),
		timeout: timeout,
		log:     log.With().Str("client", "anthropic").Logger(),
	}
	if cfg.APIKey != "" {
		c.api = sdk.NewClient(option.WithAPIKey(cfg.APIKey))
		c.enabled = true
	}
	return c
}

// Enabled reports whether the provider is configured.
func (c *Client) Enabled() bool {
	return c.enabled
}

// ScorePairings asks the model to score each candidate against the dish.
// Returns AINotConfigured when no key is set and AIUnavailable on provider
// failure; context cancellation is passed through.
func (c *Client) ScorePairings(ctx context.Context, dish string, candidates []Candidate) ([]Score, error) {
	if !c.enabled {
		return nil, apperrors.ErrAINotConfigured
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt, err := buildPrompt(dish, candidates)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	msg, err := c.api.Messages.New(ctx, sdk.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Warn().Err(err).Msg("Provider call failed")
		return nil, fmt.Errorf("%w: %v", apperrors.ErrAIUnavailable, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	scores, err := parseScores(text.String())
	if err != nil {
		c.log.Warn().Err(err).Msg("Unparseable provider response")
		return nil, fmt.Errorf("%w: %v", apperrors.ErrAIUnavailable, err)
	}

	c.log.Debug().
		Int("candidates", len(candidates)).
		Int("scores", len(scores)).
		Dur("elapsed", time.Since(start)).
		Msg("Scored pairings")

	return scores, nil
}

// buildPrompt renders a compact instruction with the dish and candidate
// list. The model must answer with bare JSON.
func buildPrompt(dish string, candidates []Candidate) (string, error) {
	list, err := json.Marshal(candidates)
	if err != nil {
		return "", fmt.Errorf("failed to marshal candidates: %w", err)
	}

	var b strings.Builder
	b.WriteString("You are a sommelier. Score how well each wine pairs with the dish.\n\n")
	b.WriteString("Dish: ")
	b.WriteString(dish)
	b.WriteString("\n\nWines:\n")
	b.Write(list)
	b.WriteString("\n\nRespond with ONLY a JSON array, one object per wine: ")
	b.WriteString(`[{"wine_id":"...","score":0-100,"rationale":"one short sentence"}]`)
	return b.String(), nil
}

// parseScores extracts the JSON array from a model response, tolerating
// surrounding prose and markdown fences.
func parseScores(text string) ([]Score, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in response")
	}

	var scores []Score
	if err := json.Unmarshal([]byte(text[start:end+1]), &scores); err != nil {
		return nil, fmt.Errorf("failed to parse scores: %w", err)
	}

	for i := range scores {
		if scores[i].Score < 0 {
			scores[i].Score = 0
		}
		if scores[i].Score > 100 {
			scores[i].Score = 100
		}
	}
	return scores, nil
}
