package anthropic

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/cellar/internal/apperrors"
	"github.com/aristath/cellar/internal/config"
)

func TestScorePairingsNotConfigured(t *testing.T) {
	client := NewClient(config.AIConfig{}, zerolog.Nop())
	assert.False(t, client.Enabled())

	_, err := client.ScorePairings(context.Background(), "duck confit", []Candidate{{WineID: "w-1"}})
	assert.ErrorIs(t, err, apperrors.ErrAINotConfigured)
}

func TestBuildPrompt(t *testing.T) {
	prompt, err := buildPrompt("duck confit", []Candidate{
		{WineID: "w-1", Name: "Clos de Tart", WineType: "Red", Region: "Burgundy", Year: 2019},
	})
	require.NoError(t, err)

	assert.Contains(t, prompt, "duck confit")
	assert.Contains(t, prompt, "w-1")
	assert.Contains(t, prompt, "Clos de Tart")
	assert.Contains(t, prompt, "JSON array")
}

func TestParseScoresBareArray(t *testing.T) {
	scores, err := parseScores(`[{"wine_id":"w-1","score":88,"rationale":"earthy match"}]`)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, "w-1", scores[0].WineID)
	assert.Equal(t, 88.0, scores[0].Score)
}

func TestParseScoresWithFencesAndProse(t *testing.T) {
	text := "Here are the scores:\n```json\n[{\"wine_id\":\"w-1\",\"score\":72,\"rationale\":\"ok\"},{\"wine_id\":\"w-2\",\"score\":95,\"rationale\":\"great\"}]\n```\nLet me know if you need more."

	scores, err := parseScores(text)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, "w-2", scores[1].WineID)
}

func TestParseScoresClampsRange(t *testing.T) {
	scores, err := parseScores(`[{"wine_id":"a","score":130},{"wine_id":"b","score":-5}]`)
	require.NoError(t, err)
	assert.Equal(t, 100.0, scores[0].Score)
	assert.Equal(t, 0.0, scores[1].Score)
}

func TestParseScoresNoArray(t *testing.T) {
	_, err := parseScores("I cannot score these wines.")
	assert.Error(t, err)
}
