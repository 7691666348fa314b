package content

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/go-go-golems/ingestgw/pkg/envelope"
	"github.com/go-go-golems/ingestgw/pkg/sender"
	"github.com/go-go-golems/ingestgw/pkg/session"
)

const MediaTypeProtobuf = "application/x-protobuf"

// Field numbers of the protobuf envelope:
//
//	message Envelope {
//	  string message_id = 1;
//	  int32  status     = 2;
//	  string type       = 3;
//	  bytes  payload    = 4;
//	}
const (
	protoFieldMessageID protowire.Number = 1
	protoFieldStatus    protowire.Number = 2
	protoFieldType      protowire.Number = 3
	protoFieldPayload   protowire.Number = 4
)

// ProtoEnvelope is the decoded form of the protobuf envelope.
type ProtoEnvelope struct {
	MessageID string
	Status    envelope.Status
	Type      string
	Payload   []byte
}

// ProtoFactory decodes a protobuf envelope. Unknown fields are skipped.
type ProtoFactory struct{}

func (ProtoFactory) Create(view session.View, payload []byte, s *sender.Sender) (*Content, error) {
	if view == nil {
		return nil, decodeFailure("proto: no session")
	}
	pe, err := UnmarshalProtoEnvelope(payload)
	if err != nil {
		return nil, err
	}
	messageID := firstNonEmpty(pe.MessageID, view.MessageID())
	env := envelope.New(messageID, pe.Status, view.ID(), s, nil)
	env.Merge(pe.Payload)
	return &Content{
		Type:       firstNonEmpty(pe.Type, messageID),
		MediaType:  firstNonEmpty(view.MediaType(), MediaTypeProtobuf),
		Envelope:   env,
		ReceivedAt: time.Now(),
	}, nil
}

func UnmarshalProtoEnvelope(b []byte) (ProtoEnvelope, error) {
	var pe ProtoEnvelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ProtoEnvelope{}, decodeFailure("proto: tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == protoFieldMessageID && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return ProtoEnvelope{}, decodeFailure("proto: message_id: %v", protowire.ParseError(m))
			}
			pe.MessageID, n = v, m
		case num == protoFieldStatus && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return ProtoEnvelope{}, decodeFailure("proto: status: %v", protowire.ParseError(m))
			}
			pe.Status, n = envelope.Status(int32(v)), m
		case num == protoFieldType && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return ProtoEnvelope{}, decodeFailure("proto: type: %v", protowire.ParseError(m))
			}
			pe.Type, n = v, m
		case num == protoFieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return ProtoEnvelope{}, decodeFailure("proto: payload: %v", protowire.ParseError(m))
			}
			pe.Payload, n = append([]byte(nil), v...), m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ProtoEnvelope{}, decodeFailure("proto: field %d: %v", num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return pe, nil
}

func MarshalProtoEnvelope(pe ProtoEnvelope) []byte {
	var b []byte
	if pe.MessageID != "" {
		b = protowire.AppendTag(b, protoFieldMessageID, protowire.BytesType)
		b = protowire.AppendString(b, pe.MessageID)
	}
	if pe.Status != 0 {
		b = protowire.AppendTag(b, protoFieldStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(pe.Status)))
	}
	if pe.Type != "" {
		b = protowire.AppendTag(b, protoFieldType, protowire.BytesType)
		b = protowire.AppendString(b, pe.Type)
	}
	if len(pe.Payload) > 0 {
		b = protowire.AppendTag(b, protoFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, pe.Payload)
	}
	return b
}
