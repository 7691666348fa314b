package content

import (
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/go-go-golems/ingestgw/pkg/envelope"
	"github.com/go-go-golems/ingestgw/pkg/sender"
	"github.com/go-go-golems/ingestgw/pkg/session"
)

const MediaTypeJSON = "application/json"

// JSONFactory decodes {"type", "message_id", "status", "payload"} objects.
// A string payload is delivered as its raw bytes; any other JSON value is
// delivered re-encoded as JSON.
type JSONFactory struct{}

func (JSONFactory) Create(view session.View, payload []byte, s *sender.Sender) (*Content, error) {
	if view == nil {
		return nil, decodeFailure("json: no session")
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(payload, st); err != nil {
		return nil, decodeFailure("json: %v", err)
	}
	fields := st.GetFields()

	typ, err := stringField(fields, "type")
	if err != nil {
		return nil, err
	}
	messageID, err := stringField(fields, "message_id")
	if err != nil {
		return nil, err
	}
	status := envelope.StatusOK
	if v, ok := fields["status"]; ok {
		n, isNum := v.GetKind().(*structpb.Value_NumberValue)
		if !isNum || n.NumberValue != math.Trunc(n.NumberValue) {
			return nil, decodeFailure("json: status must be an integer")
		}
		if n.NumberValue < math.MinInt32 || n.NumberValue > math.MaxInt32 {
			return nil, decodeFailure("json: status %v out of range", n.NumberValue)
		}
		status = envelope.Status(int32(n.NumberValue))
	}

	var inner []byte
	if v, ok := fields["payload"]; ok {
		switch k := v.GetKind().(type) {
		case *structpb.Value_StringValue:
			inner = []byte(k.StringValue)
		case *structpb.Value_NullValue:
		default:
			inner, err = protojson.Marshal(v)
			if err != nil {
				return nil, decodeFailure("json: payload: %v", err)
			}
		}
	}

	messageID = firstNonEmpty(messageID, view.MessageID())
	env := envelope.New(messageID, status, view.ID(), s, nil)
	env.Merge(inner)
	return &Content{
		Type:       firstNonEmpty(typ, messageID),
		MediaType:  firstNonEmpty(view.MediaType(), MediaTypeJSON),
		Envelope:   env,
		ReceivedAt: time.Now(),
	}, nil
}

func stringField(fields map[string]*structpb.Value, key string) (string, error) {
	v, ok := fields[key]
	if !ok {
		return "", nil
	}
	sv, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", decodeFailure("json: %s must be a string", key)
	}
	return sv.StringValue, nil
}

// MarshalJSONEnvelope builds a JSON envelope with a string payload.
func MarshalJSONEnvelope(typ, messageID string, payload string) ([]byte, error) {
	st, err := structpb.NewStruct(map[string]any{
		"type":       typ,
		"message_id": messageID,
		"payload":    payload,
	})
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(st)
}
