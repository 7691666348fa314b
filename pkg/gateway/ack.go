package gateway

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/ingestgw/pkg/content"
)

// AckBody picks the body of a successful acknowledgement.
type AckBody interface {
	AckBody(c *content.Content, received []byte) []byte
}

type AckBodyFunc func(c *content.Content, received []byte) []byte

func (f AckBodyFunc) AckBody(c *content.Content, received []byte) []byte { return f(c, received) }

var (
	// AckEcho answers with the bytes that were received.
	AckEcho  AckBody = AckBodyFunc(func(_ *content.Content, received []byte) []byte { return received })
	AckEmpty AckBody = AckBodyFunc(func(*content.Content, []byte) []byte { return nil })
)

// ParseAckBody maps the config names "echo" and "empty".
func ParseAckBody(mode string) (AckBody, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "echo":
		return AckEcho, nil
	case "empty", "none":
		return AckEmpty, nil
	default:
		return nil, errors.Errorf("unknown ack body mode %q", mode)
	}
}
