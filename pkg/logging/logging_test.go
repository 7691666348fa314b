package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSetupWriterJSON(t *testing.T) {
	prev := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prev)

	var buf bytes.Buffer
	logger, err := SetupWriter(Settings{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)
	logger.Debug().Str("component", "test").Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "hello", line["message"])
	require.Equal(t, "test", line["component"])
	require.Equal(t, "debug", line["level"])
}

func TestSetupWriterRejectsBadSettings(t *testing.T) {
	prev := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prev)

	_, err := SetupWriter(Settings{Level: "loud"}, &bytes.Buffer{})
	require.Error(t, err)
	_, err = SetupWriter(Settings{Format: "xml"}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestWatermillAdapter(t *testing.T) {
	var buf bytes.Buffer
	a := NewWatermillAdapter(zerolog.New(&buf).Level(zerolog.DebugLevel))
	a.With(watermill.LogFields{"topic": "ingest.orders"}).
		Error("publish failed", errors.New("boom"), watermill.LogFields{"uuid": "u-1"})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "error", line["level"])
	require.Equal(t, "boom", line["error"])
	require.Equal(t, "ingest.orders", line["topic"])
	require.Equal(t, "u-1", line["uuid"])
	require.Equal(t, "watermill", line["component"])

	buf.Reset()
	a.Trace("noise", nil)
	require.Empty(t, buf.String())
}
