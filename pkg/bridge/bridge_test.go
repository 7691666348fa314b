package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/ingestgw/pkg/content"
	"github.com/go-go-golems/ingestgw/pkg/dispatch"
	"github.com/go-go-golems/ingestgw/pkg/envelope"
)

type collected struct {
	mu   sync.Mutex
	recs []Record
}

func (c *collected) add(r Record) {
	c.mu.Lock()
	c.recs = append(c.recs, r)
	c.mu.Unlock()
}

func (c *collected) snapshot() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.recs...)
}

func newPubSub() *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
}

func sample(typ string, payload string) *content.Content {
	return &content.Content{
		Type:      typ,
		MediaType: content.MediaTypeOctetStream,
		Envelope:  envelope.New("m-1", envelope.StatusOK, "conn-9", nil, []byte(payload)),
	}
}

func TestPublisherToTail(t *testing.T) {
	ps := newPubSub()
	defer func() { _ = ps.Close() }()

	got := &collected{}
	tail := NewTail(TopicFor("ingest.", "orders"), ps, got.add)
	require.NoError(t, tail.Start(context.Background()))
	require.True(t, tail.IsRunning())

	p := NewPublisher(ps, "ingest.")
	p.OnContent(context.Background(), sample("orders", "one"))
	p.OnContent(context.Background(), sample("orders", "two"))
	p.OnContent(context.Background(), sample("metrics", "other"))

	require.Eventually(t, func() bool { return len(got.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	recs := got.snapshot()
	require.ElementsMatch(t, []string{"one", "two"}, []string{string(recs[0].Payload), string(recs[1].Payload)})
	require.Equal(t, "conn-9", recs[0].SessionID)
	require.Equal(t, "m-1", recs[0].MessageID)
	require.Equal(t, "orders", recs[0].Type)
	require.Equal(t, "ok", recs[0].Status)
	require.Equal(t, "ingest.orders", recs[0].Topic)
	require.Less(t, recs[0].Seq, recs[1].Seq)
	require.Equal(t, uint64(3), p.Published())

	tail.Stop()
	require.False(t, tail.IsRunning())
}

func TestPublisherAsDispatchConsumer(t *testing.T) {
	ps := newPubSub()
	defer func() { _ = ps.Close() }()
	ch, err := ps.Subscribe(context.Background(), "bus.chat")
	require.NoError(t, err)

	m := dispatch.NewManager(context.Background())
	_, err = m.Register(dispatch.AnyType, NewPublisher(ps, "bus."))
	require.NoError(t, err)
	m.AddDispatch(sample("chat", "hi"))

	select {
	case msg := <-ch:
		require.Equal(t, "hi", string(msg.Payload))
		require.Equal(t, "chat", msg.Metadata.Get(MetaType))
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("bridged message not received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))
}

type failingPublisher struct{}

func (failingPublisher) Publish(string, ...*message.Message) error { return errors.New("down") }
func (failingPublisher) Close() error                              { return nil }

func TestPublisherCountsFailures(t *testing.T) {
	p := NewPublisher(failingPublisher{}, "x.")
	p.OnContent(context.Background(), sample("t", "p"))
	require.Equal(t, uint64(1), p.Failed())
	require.Equal(t, uint64(0), p.Published())
	require.Error(t, p.Publish(context.Background(), nil))
}

func TestTailEndsWhenSubscriberCloses(t *testing.T) {
	ps := newPubSub()
	tail := NewTail("t", ps, nil)
	require.NoError(t, tail.Start(context.Background()))
	tail.Close()
	select {
	case <-tail.Done():
	case <-time.After(time.Second):
		t.Fatal("tail did not stop")
	}
	require.False(t, tail.IsRunning())
}

func TestStreamIDSequence(t *testing.T) {
	seq, ok := deriveSeqFromStreamID("1700000000000-3")
	require.True(t, ok)
	require.Equal(t, uint64(1700000000000*1_000_000+3), seq)
	_, ok = deriveSeqFromStreamID("nope")
	require.False(t, ok)

	tail := NewTail("t", nil, nil)
	require.Equal(t, seq, tail.nextSeq("1700000000000-3"))
	require.Equal(t, seq+1, tail.nextSeq(""))
	require.Equal(t, seq+2, tail.nextSeq("1700000000000-3"))
	require.Equal(t, "_", TopicFor("", " ")[0:1])
}
