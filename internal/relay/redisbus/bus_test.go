package redisbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"spacerelay/internal/event"
)

func newTestBus(t *testing.T) (*Publisher, *Subscriber, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	log := zaptest.NewLogger(t)
	return NewPublisher(rdb, log), NewSubscriber(rdb, log), mr
}

func collect(t *testing.T, out <-chan Delivery, n int) []Delivery {
	t.Helper()
	deliveries := make([]Delivery, 0, n)
	for len(deliveries) < n {
		select {
		case d := <-out:
			deliveries = append(deliveries, d)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", len(deliveries)+1, n)
		}
	}
	return deliveries
}

func TestPublishRoundTrip(t *testing.T) {
	pub, sub, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan Delivery, 16)
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx, out) }()

	env := event.NewMessageSent(event.MessagePayload{MessageID: "m1", SpaceID: "42", AuthorID: "u1", Body: "hi"})
	require.Eventually(t, func() bool {
		return pub.Publish(ctx, env) == nil && len(out) > 0
	}, 3*time.Second, 20*time.Millisecond, "subscription never became active")

	d := collect(t, out, 1)[0]
	assert.Equal(t, "space.42", d.Topic)
	assert.Equal(t, env.DedupKey, d.Envelope.DedupKey)
	assert.Equal(t, event.MessageSent, d.Envelope.Event)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestMultiTopicEnvelopeDeliversPerTopic(t *testing.T) {
	pub, sub, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan Delivery, 16)
	go sub.Run(ctx, out)

	// One reaction fans out to the post topic and the owner's private
	// topic: one delivery per topic, same dedup key on both.
	env := event.NewReactionCreated(event.ReactionPayload{
		ReactionID: "r1", TargetID: "p5", UserID: "u1", Emoji: "🔥",
	}, "p5", "owner")
	require.Eventually(t, func() bool {
		return pub.Publish(ctx, env) == nil && len(out) >= 2
	}, 3*time.Second, 20*time.Millisecond)

	// Drain whatever the retries published and collapse by topic.
	byTopic := map[string]string{}
	for len(out) > 0 {
		d := <-out
		byTopic[d.Topic] = d.Envelope.DedupKey
	}
	assert.Equal(t, map[string]string{
		"post.p5":    "reaction:r1",
		"user.owner": "reaction:r1",
	}, byTopic)
}

func TestPublishRejectsInvalidEnvelope(t *testing.T) {
	pub, _, _ := newTestBus(t)

	env := event.NewMessageSent(event.MessagePayload{MessageID: "m1", SpaceID: "42", AuthorID: "u1"})
	env.DedupKey = ""

	err := pub.Publish(context.Background(), env)
	assert.ErrorIs(t, err, event.ErrNoDedupKey)
}

func TestMalformedPayloadIsSkipped(t *testing.T) {
	pub, sub, mr := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan Delivery, 16)
	go sub.Run(ctx, out)

	env := event.NewMessageSent(event.MessagePayload{MessageID: "m1", SpaceID: "42", AuthorID: "u1"})
	require.Eventually(t, func() bool {
		mr.Publish("topic:space.42", "{not json")
		return pub.Publish(ctx, env) == nil && len(out) > 0
	}, 3*time.Second, 20*time.Millisecond)

	// Only well-formed envelopes come through; the garbage in front of
	// them was dropped.
	for len(out) > 0 {
		d := <-out
		assert.Equal(t, env.DedupKey, d.Envelope.DedupKey)
	}
}

func TestNonTopicChannelsAreIgnored(t *testing.T) {
	_, sub, mr := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan Delivery, 16)
	go sub.Run(ctx, out)

	// The pattern only matches topic:* channels; nothing should arrive
	// from unrelated ones even if redis carried them.
	time.Sleep(100 * time.Millisecond)
	mr.Publish("other:events", `{"id":"x"}`)
	time.Sleep(100 * time.Millisecond)

	assert.Empty(t, out)
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(context.Background(), "not-a-url", zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestNewClientConnects(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := NewClient(context.Background(), "redis://"+mr.Addr(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer rdb.Close()
	assert.NoError(t, rdb.Ping(context.Background()).Err())
}
