package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/egannguyen/order-saga/internal/entity"
)

const (
	// MetadataEventType carries the envelope type on every bus message.
	MetadataEventType = "name"
	// MetadataPartitionKey keeps one order's events on one Kafka partition.
	MetadataPartitionKey = "partition_key"
)

// EnvelopeMarshaler maps envelopes onto watermill messages one to one: the
// message UUID is the envelope id and the envelope type names the event.
type EnvelopeMarshaler struct{}

func (EnvelopeMarshaler) Marshal(v any) (*message.Message, error) {
	env, err := asEnvelope(v)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	msg := message.NewMessage(env.MessageID, payload)
	for k, v := range env.Metadata {
		msg.Metadata.Set(k, v)
	}
	msg.Metadata.Set(MetadataEventType, string(env.Type))
	msg.Metadata.Set(MetadataPartitionKey, env.PartitionKey())
	return msg, nil
}

func (EnvelopeMarshaler) Unmarshal(msg *message.Message, v any) error {
	env, ok := v.(*entity.Envelope)
	if !ok {
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return json.Unmarshal(msg.Payload, env)
}

func (EnvelopeMarshaler) Name(v any) string {
	env, err := asEnvelope(v)
	if err != nil {
		return fmt.Sprintf("%T", v)
	}
	return string(env.Type)
}

func (EnvelopeMarshaler) NameFromMessage(msg *message.Message) string {
	return msg.Metadata.Get(MetadataEventType)
}

func asEnvelope(v any) (entity.Envelope, error) {
	switch env := v.(type) {
	case entity.Envelope:
		return env, nil
	case *entity.Envelope:
		return *env, nil
	}
	return entity.Envelope{}, fmt.Errorf("unsupported event type %T", v)
}

// DecodeEnvelope parses a bus message. A payload that is not an envelope is permanent.
func DecodeEnvelope(msg *message.Message) (entity.Envelope, error) {
	var env entity.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return entity.Envelope{}, Permanent(fmt.Errorf("malformed envelope: %w", err))
	}
	if env.MessageID == "" || env.Type == "" {
		return entity.Envelope{}, Permanent(fmt.Errorf("envelope without id or type"))
	}
	return env, nil
}
