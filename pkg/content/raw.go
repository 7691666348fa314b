package content

import (
	"time"

	"github.com/go-go-golems/ingestgw/pkg/envelope"
	"github.com/go-go-golems/ingestgw/pkg/sender"
	"github.com/go-go-golems/ingestgw/pkg/session"
)

const MediaTypeOctetStream = "application/octet-stream"

// RawFactory passes the payload through untouched. The message id supplied with
// the frame header doubles as the dispatch type.
type RawFactory struct{}

func (RawFactory) Create(view session.View, payload []byte, s *sender.Sender) (*Content, error) {
	if view == nil {
		return nil, decodeFailure("raw: no session")
	}
	return &Content{
		Type:       view.MessageID(),
		MediaType:  firstNonEmpty(view.MediaType(), MediaTypeOctetStream),
		Envelope:   envelope.New(view.MessageID(), envelope.StatusOK, view.ID(), s, payload),
		ReceivedAt: time.Now(),
	}, nil
}
