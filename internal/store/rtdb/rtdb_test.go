package rtdb

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itinder-backend/internal/redis"
	"itinder-backend/internal/store"
)

func newFeed(t *testing.T, mr *miniredis.Miniredis) *Changefeed {
	t.Helper()
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewChangefeed(redis.New(rdb), "", logrus.NewEntry(logrus.New()))
}

func TestChangefeedDeliversOtherInstancesChanges(t *testing.T) {
	mr := miniredis.RunT(t)
	a, b := newFeed(t, mr), newFeed(t, mr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 4)
	ready := make(chan struct{})
	go func() { _ = b.Run(ctx, ready, func(p string) { got <- p }) }()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("changefeed never subscribed")
	}

	require.NoError(t, b.Publish(ctx, "users/self"))
	require.NoError(t, a.Publish(ctx, "users/u1/likes"))

	select {
	case p := <-got:
		assert.Equal(t, "users/u1/likes", p)
	case <-time.After(2 * time.Second):
		t.Fatal("change not delivered")
	}
	assert.Empty(t, got)
}

func TestChangefeedStopsWithContext(t *testing.T) {
	mr := miniredis.RunT(t)
	feed := newFeed(t, mr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx, nil, func(string) {}) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("changefeed did not stop")
	}
}

func TestTrimEndBefore(t *testing.T) {
	kids := func(keys ...string) []store.Child {
		out := make([]store.Child, len(keys))
		for i, k := range keys {
			out[i] = store.Child{Key: k}
		}
		return out
	}
	keysOf := func(cs []store.Child) []string {
		out := make([]string, len(cs))
		for i, c := range cs {
			out[i] = c.Key
		}
		return out
	}

	tests := []struct {
		name string
		in   []store.Child
		q    store.KeyQuery
		want []string
	}{
		{"cursor present", kids("u2", "u3", "u4"), store.KeyQuery{EndBefore: "u4", LimitToLast: 2}, []string{"u2", "u3"}},
		{"cursor deleted", kids("u1", "u2", "u3"), store.KeyQuery{EndBefore: "u4", LimitToLast: 2}, []string{"u2", "u3"}},
		{"short page", kids("u1"), store.KeyQuery{EndBefore: "u2", LimitToLast: 3}, []string{"u1"}},
		{"only cursor", kids("u1"), store.KeyQuery{EndBefore: "u1", LimitToLast: 3}, []string{}},
		{"no cursor", kids("u1", "u2"), store.KeyQuery{LimitToLast: 2}, []string{"u1", "u2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, keysOf(trimEndBefore(tt.in, tt.q)))
		})
	}
}
