package cmds

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/ingestgw/pkg/bridge"
	"github.com/go-go-golems/ingestgw/pkg/logging"
	"github.com/go-go-golems/ingestgw/pkg/redisstream"
)

type tailSettings struct {
	Addr        string
	Group       string
	Consumer    string
	TopicPrefix string
	Type        string
	FromTail    bool
	Log         logging.Settings
}

type tailLine struct {
	Seq       uint64 `json:"seq"`
	StreamID  string `json:"stream_id,omitempty"`
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Status    string `json:"status,omitempty"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Payload   string `json:"payload"`
}

func NewTailCommand() *cobra.Command {
	s := tailSettings{Log: logging.Settings{Level: "info", Format: "auto"}}
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow contents bridged to redis streams and print them as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := logging.Setup(s.Log); err != nil {
				return err
			}
			if s.Type == "" {
				return errors.New("--type is required")
			}
			ctx := cmd.Context()
			topic := bridge.TopicFor(s.TopicPrefix, s.Type)
			if s.FromTail {
				if err := redisstream.EnsureGroupAtTail(ctx, s.Addr, topic, s.Group); err != nil {
					return err
				}
			}
			sub, err := redisstream.BuildGroupSubscriber(s.Addr, s.Group, s.Consumer)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			tail := bridge.NewTail(topic, sub, func(r bridge.Record) { printRecord(enc, r) })
			if err := tail.Start(ctx); err != nil {
				_ = sub.Close()
				return err
			}
			log.Info().Str("component", "tail").Str("topic", topic).Str("group", s.Group).Msg("tailing")
			select {
			case <-ctx.Done():
			case <-tail.Done():
			}
			tail.Close()
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&s.Addr, "redis-addr", "localhost:6379", "redis address host:port")
	f.StringVar(&s.Group, "group", "ingestgw-tail", "consumer group")
	f.StringVar(&s.Consumer, "consumer", "tail-1", "consumer name within the group")
	f.StringVar(&s.TopicPrefix, "topic-prefix", "ingest.", "bridge topic prefix")
	f.StringVarP(&s.Type, "type", "t", "", "content type to follow")
	f.BoolVar(&s.FromTail, "from-tail", true, "create the group at the stream tail instead of replaying history")
	f.StringVar(&s.Log.Level, "log-level", s.Log.Level, "log level")
	return cmd
}

func printRecord(enc *json.Encoder, r bridge.Record) {
	err := enc.Encode(tailLine{
		Seq:       r.Seq,
		StreamID:  r.StreamID,
		Type:      r.Type,
		MediaType: r.MediaType,
		Status:    r.Status,
		SessionID: r.SessionID,
		MessageID: r.MessageID,
		Payload:   string(r.Payload),
	})
	if err != nil && !errors.Is(err, io.ErrClosedPipe) {
		log.Warn().Err(err).Str("component", "tail").Msg("print record")
	}
}
