// Package bridge republishes dispatched contents onto a watermill topic so that
// consumers in other processes can see them, and tails such topics.
//
// Remote consumers cannot reply: the Sender of a content is bound to a
// connection of this process and does not cross the bridge.
package bridge

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/ingestgw/pkg/content"
	"github.com/go-go-golems/ingestgw/pkg/dispatch"
)

const (
	MetaSessionID = "session_id"
	MetaMessageID = "message_id"
	MetaType      = "type"
	MetaMediaType = "media_type"
	MetaStatus    = "status"
)

// Publisher is a dispatch.Consumer that publishes each content to
// prefix + content type.
type Publisher struct {
	pub    message.Publisher
	prefix string

	published atomic.Uint64
	failed    atomic.Uint64
}

var _ dispatch.Consumer = (*Publisher)(nil)

func NewPublisher(pub message.Publisher, topicPrefix string) *Publisher {
	return &Publisher{pub: pub, prefix: topicPrefix}
}

func (p *Publisher) Topic(contentType string) string {
	return TopicFor(p.prefix, contentType)
}

// TopicFor builds the topic of contentType under prefix.
func TopicFor(prefix, contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		contentType = "_"
	}
	return prefix + contentType
}

func (p *Publisher) OnContent(ctx context.Context, c *content.Content) {
	if err := p.Publish(ctx, c); err != nil {
		p.failed.Add(1)
		log.Warn().Err(err).Str("component", "bridge").
			Str("type", c.Type).
			Str("session_id", c.SessionID()).
			Msg("bridge publish failed")
		return
	}
	p.published.Add(1)
}

func (p *Publisher) Publish(ctx context.Context, c *content.Content) error {
	if c == nil {
		return errors.New("nil content")
	}
	msg := ToMessage(c)
	msg.SetContext(ctx)
	topic := p.Topic(c.Type)
	if err := p.pub.Publish(topic, msg); err != nil {
		return errors.Wrapf(err, "publish to %s", topic)
	}
	return nil
}

// ToMessage copies the payload and envelope fields of c into a new message.
func ToMessage(c *content.Content) *message.Message {
	payload := append([]byte(nil), c.Payload()...)
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetaSessionID, c.SessionID())
	msg.Metadata.Set(MetaMessageID, c.MessageID())
	msg.Metadata.Set(MetaType, c.Type)
	msg.Metadata.Set(MetaMediaType, c.MediaType)
	if c.Envelope != nil {
		msg.Metadata.Set(MetaStatus, c.Envelope.Status().String())
	}
	return msg
}

func (p *Publisher) Published() uint64 { return p.published.Load() }
func (p *Publisher) Failed() uint64    { return p.failed.Load() }

func (p *Publisher) Close() error {
	if p.pub == nil {
		return nil
	}
	return p.pub.Close()
}
