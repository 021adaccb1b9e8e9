package topic

import (
	"context"
	"testing"
	"time"

	"github.com/b-open-io/topicq/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	k := NewKeys("")
	assert.Equal(t, "topicq:topic_count:orders", k.Count("orders"))
	assert.Equal(t, "topicq:topic_message:orders:7", k.Message("orders", 7))
	assert.Equal(t, "topicq:key_subscribers:orders:billing", k.Cursor("orders", "billing"))
	assert.Equal(t, "topicq:topic_notify:orders", k.Notify("orders"))

	assert.Equal(t, "shop:topic_count:orders", NewKeys("shop").Count("orders"))
}

func TestMessageEncoding(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := &Message{ID: 3, CreateTime: created, UpdateTime: created, Content: "hi", Topic: "orders"}

	raw, err := Encode(m)
	require.NoError(t, err)
	assert.Contains(t, raw, `"createTime":"2024-05-01T12:00:00Z"`)
	assert.NotContains(t, raw, "extraInfo")

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, m, decoded)

	_, err = Decode("not json")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestLogReads(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	l := NewLog(s, NewKeys("test"))
	keys := l.Keys()

	count, err := l.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	for i, content := range []string{"a", "b", "c", "d"} {
		raw, err := Encode(&Message{ID: int64(i), Content: content, Topic: "orders"})
		require.NoError(t, err)
		require.NoError(t, s.Set(ctx, keys.Message("orders", int64(i)), raw, 0))
	}
	require.NoError(t, s.Set(ctx, keys.Message("orders", 1), "garbage", 0))
	require.NoError(t, s.Del(ctx, keys.Message("orders", 2)))
	require.NoError(t, s.Set(ctx, keys.Count("orders"), "4", 0))

	count, err = l.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	m, err := l.Get(ctx, "orders", 0)
	require.NoError(t, err)
	assert.Equal(t, "a", m.Content)

	_, err = l.Get(ctx, "orders", 1)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = l.Get(ctx, "orders", 2)
	assert.ErrorIs(t, err, ErrNotFound)

	messages, err := l.Range(ctx, "orders", -5, 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "a", messages[0].Content)
	assert.Equal(t, "d", messages[1].Content)

	messages, err = l.Range(ctx, "orders", 0, 1)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestReadIntRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.Set(ctx, "n", "twelve", 0))

	_, err := ReadInt(ctx, s, "n")
	assert.Error(t, err)

	n, err := ReadInt(ctx, s, "absent")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
