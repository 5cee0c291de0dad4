package ingest

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curvetrack/backend/internal/chain"
	"github.com/curvetrack/backend/internal/config"
)

func TestDecodePythPrice(t *testing.T) {
	price, err := decodePythPrice("12276250", -5)
	require.NoError(t, err)
	assert.InDelta(t, 122.7625, price, 1e-9)

	price, err = decodePythPrice("5", 2)
	require.NoError(t, err)
	assert.InDelta(t, 500, price, 1e-9)

	price, err = decodePythPrice("42", 0)
	require.NoError(t, err)
	assert.InDelta(t, 42, price, 1e-9)

	_, err = decodePythPrice("", -5)
	assert.Error(t, err)

	_, err = decodePythPrice("abc", -5)
	assert.Error(t, err)
}

func TestBuildPythStreamURL(t *testing.T) {
	feeds := map[string]chain.Chain{
		"feed-sol": chain.Solana,
		"feed-mon": chain.Monad,
	}

	streamURL, err := buildPythStreamURL("https://hermes.pyth.network/v2/updates/price/stream", feeds)
	require.NoError(t, err)

	parsed, err := url.Parse(streamURL)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"feed-sol", "feed-mon"}, parsed.Query()["ids[]"])
	assert.Equal(t, "true", parsed.Query().Get("parsed"))

	_, err = buildPythStreamURL("not a url", feeds)
	assert.Error(t, err)
}

func TestPythFeedChains(t *testing.T) {
	s := &Service{cfg: config.IngestorConfig{
		Chains: map[string]config.ChainSourceConfig{
			"solana": {PythFeedID: "FEED-SOL"},
			"monad":  {PythFeedID: ""},
		},
	}}

	feeds := s.pythFeedChains()
	require.Len(t, feeds, 1)
	assert.Equal(t, chain.Solana, feeds["feed-sol"])
}
