package journal

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/ingestgw/pkg/content"
	"github.com/go-go-golems/ingestgw/pkg/dispatch"
)

// Consumer writes every delivered content to a Store.
type Consumer struct {
	store *Store

	saved  atomic.Uint64
	failed atomic.Uint64
}

var _ dispatch.Consumer = (*Consumer)(nil)

func NewConsumer(store *Store) *Consumer {
	return &Consumer{store: store}
}

func (c *Consumer) OnContent(ctx context.Context, ct *content.Content) {
	e := Entry{
		SessionID:  ct.SessionID(),
		MessageID:  ct.MessageID(),
		Type:       ct.Type,
		MediaType:  ct.MediaType,
		Payload:    ct.Payload(),
		ReceivedAt: ct.ReceivedAt,
	}
	if ct.Envelope != nil {
		e.Status = ct.Envelope.Status().String()
	}
	if _, err := c.store.Save(ctx, e); err != nil {
		c.failed.Add(1)
		log.Warn().Err(err).
			Str("component", "journal").
			Str("session_id", e.SessionID).
			Str("type", e.Type).
			Msg("journal write failed")
		return
	}
	c.saved.Add(1)
}

func (c *Consumer) Saved() uint64  { return c.saved.Load() }
func (c *Consumer) Failed() uint64 { return c.failed.Load() }

func (c *Consumer) Store() *Store { return c.store }
