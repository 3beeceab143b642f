package infrastructure

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLoggerFromPrefersAttachedLogger(t *testing.T) {
	var attached, fallback bytes.Buffer
	ctx := WithLogger(context.Background(), zerolog.New(&attached).With().Str(FieldRequestID, "req-1").Logger())

	LoggerFrom(ctx, zerolog.New(&fallback)).Info().Msg("handled")

	assert.Contains(t, attached.String(), `"request_id":"req-1"`)
	assert.Contains(t, attached.String(), `"message":"handled"`)
	assert.Empty(t, fallback.String())
}

func TestLoggerFromFallsBack(t *testing.T) {
	var fallback bytes.Buffer

	LoggerFrom(context.Background(), zerolog.New(&fallback)).Warn().Str(FieldChannel, "c1").Msg("no request logger")

	assert.Contains(t, fallback.String(), `"channel_id":"c1"`)
	assert.Contains(t, fallback.String(), `"level":"warn"`)
}

func TestComponentLoggerChainsEvents(t *testing.T) {
	logger := Component("postgres")
	assert.NotPanics(t, func() {
		logger.Debug().Int("tables", 3).Msg("schema migrated")
	})
}
