package server

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/ingestgw/pkg/content"
	"github.com/go-go-golems/ingestgw/pkg/sender"
)

// LogConsumer logs one line per delivered content.
type LogConsumer struct{}

func (LogConsumer) OnContent(_ context.Context, c *content.Content) {
	log.Info().
		Str("component", "consumer").
		Str("consumer", "log").
		Str("type", c.Type).
		Str("media_type", c.MediaType).
		Str("session_id", c.SessionID()).
		Str("message_id", c.MessageID()).
		Int("bytes", len(c.Payload())).
		Msg("content received")
}

// EchoReplyConsumer sends every payload back on the connection it came from.
type EchoReplyConsumer struct{}

func (EchoReplyConsumer) OnContent(_ context.Context, c *content.Content) {
	err := c.Sender().Reply(c.Payload())
	switch {
	case err == nil:
	case sender.IsClosed(err):
		log.Debug().Str("component", "consumer").Str("session_id", c.SessionID()).Msg("echo-reply: connection already closed")
	default:
		log.Warn().Err(err).Str("component", "consumer").Str("session_id", c.SessionID()).Msg("echo-reply failed")
	}
}
