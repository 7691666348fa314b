package bridge

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// Record is one bridged content as seen by a tail.
type Record struct {
	Topic     string
	UUID      string
	SessionID string
	MessageID string
	Type      string
	MediaType string
	Status    string
	Payload   []byte
	// StreamID is the redis stream entry id, when the backend provides one.
	StreamID string
	Seq      uint64
}

// Tail consumes one topic and calls onRecord for every message, in order.
// Messages are acked after the callback returns.
type Tail struct {
	topic      string
	subscriber message.Subscriber
	onRecord   func(Record)

	seq atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

func NewTail(topic string, subscriber message.Subscriber, onRecord func(Record)) *Tail {
	return &Tail{
		topic:      topic,
		subscriber: subscriber,
		onRecord:   onRecord,
	}
}

// Start subscribes and consumes in the background. It returns the subscribe
// error, if any.
func (t *Tail) Start(ctx context.Context) error {
	if t == nil || t.subscriber == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := t.subscriber.Subscribe(runCtx, t.topic)
	if err != nil {
		cancel()
		log.Error().Err(err).Str("component", "bridge").Str("topic", t.topic).Msg("tail: subscribe failed")
		return err
	}
	t.cancel = cancel
	t.running = true
	t.done = make(chan struct{})
	go t.consume(ch, t.done)
	return nil
}

func (t *Tail) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	t.cancel = nil
	t.running = false
	t.mu.Unlock()
}

// Done is closed when the consume loop has exited. It is nil before Start.
func (t *Tail) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *Tail) Close() {
	if t == nil {
		return
	}
	t.Stop()
	if t.subscriber != nil {
		if err := t.subscriber.Close(); err != nil {
			log.Warn().Err(err).Str("component", "bridge").Str("topic", t.topic).Msg("tail: subscriber close failed")
		}
	}
}

func (t *Tail) IsRunning() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Tail) consume(ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	log.Info().Str("component", "bridge").Str("topic", t.topic).Msg("tail: started")
	for msg := range ch {
		rec := t.record(msg)
		if t.onRecord != nil {
			t.onRecord(rec)
		}
		msg.Ack()
	}
	log.Info().Str("component", "bridge").Str("topic", t.topic).Msg("tail: stopped")
	t.mu.Lock()
	t.running = false
	t.cancel = nil
	t.mu.Unlock()
}

func (t *Tail) record(msg *message.Message) Record {
	streamID := extractStreamID(msg)
	return Record{
		Topic:     t.topic,
		UUID:      msg.UUID,
		SessionID: msg.Metadata.Get(MetaSessionID),
		MessageID: msg.Metadata.Get(MetaMessageID),
		Type:      msg.Metadata.Get(MetaType),
		MediaType: msg.Metadata.Get(MetaMediaType),
		Status:    msg.Metadata.Get(MetaStatus),
		Payload:   msg.Payload,
		StreamID:  streamID,
		Seq:       t.nextSeq(streamID),
	}
}

// nextSeq is monotonic per tail. Redis entry ids ("<ms>-<n>") map to
// ms*1e6+n so that sequence numbers line up with the stream.
func (t *Tail) nextSeq(streamID string) uint64 {
	derived, ok := deriveSeqFromStreamID(streamID)
	for {
		current := t.seq.Load()
		next := current + 1
		if ok && derived > current {
			next = derived
		}
		if t.seq.CompareAndSwap(current, next) {
			return next
		}
	}
}

func extractStreamID(msg *message.Message) string {
	if msg == nil || msg.Metadata == nil {
		return ""
	}
	for _, k := range []string{"xid", "redis_xid"} {
		if v := msg.Metadata.Get(k); v != "" {
			return v
		}
	}
	return ""
}

func deriveSeqFromStreamID(streamID string) (uint64, bool) {
	ms, n, ok := strings.Cut(streamID, "-")
	if !ok {
		return 0, false
	}
	a, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return 0, false
	}
	b, err := strconv.ParseUint(n, 10, 64)
	if err != nil {
		return 0, false
	}
	return a*1_000_000 + b, true
}
