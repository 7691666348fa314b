package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/ingestgw/pkg/logging"
)

func newClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

func watermillLogger() watermill.LoggerAdapter {
	return logging.NewWatermillAdapter(log.Logger)
}

// BuildPublisher returns a Redis Streams publisher. Each topic is one stream.
func BuildPublisher(s Settings) (message.Publisher, error) {
	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("redis addr is empty")
	}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     newClient(s.Addr),
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, watermillLogger())
	if err != nil {
		return nil, errors.Wrap(err, "redis publisher")
	}
	return pub, nil
}

// BuildGroupSubscriber returns a Redis Streams subscriber bound to the given consumer group/name.
func BuildGroupSubscriber(addr, group, consumer string) (message.Subscriber, error) {
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        newClient(addr),
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, watermillLogger())
	if err != nil {
		return nil, errors.Wrap(err, "redis subscriber")
	}
	return sub, nil
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	client := newClient(addr)
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if IsBusyGroup(err) {
			return nil
		}
		return errors.Wrapf(err, "create group %s on %s", group, stream)
	}
	log.Info().Str("component", "redisstream").Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

// IsBusyGroup reports the error redis returns when a consumer group already exists.
func IsBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
