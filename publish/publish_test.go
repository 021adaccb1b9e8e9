package publish

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/b-open-io/topicq/pubsub"
	"github.com/b-open-io/topicq/store"
	"github.com/b-open-io/topicq/topic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var testRetry = store.RetryPolicy{MinBackoff: 50 * time.Microsecond, MaxBackoff: 2 * time.Millisecond}

func TestPublishAppendsInOrder(t *testing.T) {
	ctx := context.Background()
	l := topic.NewLog(store.NewMemoryStore(), topic.NewKeys("test"))
	p := NewProducer(l, nil, testRetry)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	for i := 0; i < 3; i++ {
		msg, err := p.Publish(ctx, "orders", "m"+strconv.Itoa(i), "meta")
		require.NoError(t, err)
		assert.Equal(t, int64(i), msg.ID)
		assert.Equal(t, fixed, msg.CreateTime)
		assert.Equal(t, "orders", msg.Topic)
	}

	count, err := l.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	stored, err := l.Get(ctx, "orders", 2)
	require.NoError(t, err)
	assert.Equal(t, "m2", stored.Content)
	assert.Equal(t, "meta", stored.ExtraInfo)
	assert.Equal(t, fixed, stored.UpdateTime)
}

func TestConcurrentProducersGetDistinctOffsets(t *testing.T) {
	const producers, each = 6, 15
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rs, err := store.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	defer rs.Close()

	for name, s := range map[string]store.Store{"memory": store.NewMemoryStore(), "redis": rs} {
		t.Run(name, func(t *testing.T) {
			l := topic.NewLog(s, topic.NewKeys("test"))
			offsets := make(chan int64, producers*each)

			var g errgroup.Group
			for w := 0; w < producers; w++ {
				p := NewProducer(l, nil, testRetry)
				g.Go(func() error {
					for i := 0; i < each; i++ {
						msg, err := p.Publish(ctx, "orders", "x", "")
						if err != nil {
							return err
						}
						offsets <- msg.ID
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())
			close(offsets)

			var got []int64
			for o := range offsets {
				got = append(got, o)
			}
			sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
			require.Len(t, got, producers*each)
			for i, o := range got {
				assert.Equal(t, int64(i), o)
			}

			for _, o := range []int64{0, int64(producers*each - 1)} {
				m, err := l.Get(ctx, "orders", o)
				require.NoError(t, err)
				assert.Equal(t, o, m.ID)
			}
		})
	}
}

func TestPublishNotifies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ps := pubsub.NewChannelPubSub()
	defer ps.Close()
	l := topic.NewLog(store.NewMemoryStore(), topic.NewKeys("test"))

	events, err := ps.Subscribe(ctx, []string{l.Keys().Notify("orders")})
	require.NoError(t, err)

	_, err = NewProducer(l, ps, testRetry).Publish(ctx, "orders", "hello", "")
	require.NoError(t, err)

	select {
	case event := <-events:
		assert.Equal(t, int64(0), event.Offset)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}
}

type failingNotifier struct {
	pubsub.PubSub
}

func (failingNotifier) Publish(ctx context.Context, topic string, offset int64) error {
	return errors.New("notifier down")
}

func TestPublishSucceedsWhenNotifyFails(t *testing.T) {
	ctx := context.Background()
	l := topic.NewLog(store.NewMemoryStore(), topic.NewKeys("test"))

	msg, err := NewProducer(l, failingNotifier{}, testRetry).Publish(ctx, "orders", "hello", "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), msg.ID)
}

func TestPublishGivesUpUnderContention(t *testing.T) {
	ctx := context.Background()
	l := topic.NewLog(contendedStore{store.NewMemoryStore()}, topic.NewKeys("test"))

	_, err := NewProducer(l, nil, store.RetryPolicy{MaxAttempts: 2}).Publish(ctx, "orders", "x", "")
	assert.ErrorIs(t, err, store.ErrContention)
}

type contendedStore struct {
	store.Store
}

func (contendedStore) Watch(ctx context.Context, fn func(store.Tx) error, keys ...string) error {
	return store.ErrTxFailed
}
