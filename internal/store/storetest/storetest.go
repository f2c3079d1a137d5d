// Package storetest holds the behaviour every store.Tree backend must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itinder-backend/internal/store"
)

// Factory returns a fresh, empty tree for one subtest.
type Factory func(t *testing.T) store.Tree

// Run exercises a backend against the shared contract.
func Run(t *testing.T, newTree Factory) {
	t.Run("SetGet", func(t *testing.T) { testSetGet(t, newTree(t)) })
	t.Run("DeletePrunesEmptyParents", func(t *testing.T) { testDeletePrunes(t, newTree(t)) })
	t.Run("UpdateMultiPath", func(t *testing.T) { testUpdate(t, newTree(t)) })
	t.Run("QueryByKey", func(t *testing.T) { testQueryByKey(t, newTree(t)) })
	t.Run("Transact", func(t *testing.T) { testTransact(t, newTree(t)) })
	t.Run("Subscribe", func(t *testing.T) { testSubscribe(t, newTree(t)) })
}

type profile struct {
	Name  string   `json:"name"`
	Likes []string `json:"likes,omitempty"`
}

func testSetGet(t *testing.T, tree store.Tree) {
	ctx := context.Background()

	require.NoError(t, tree.Set(ctx, "users/u1", profile{Name: "Ann", Likes: []string{"u2"}}))

	v, err := tree.Get(ctx, "users/u1/name")
	require.NoError(t, err)
	assert.Equal(t, "Ann", v)

	v, err = tree.Get(ctx, "users/u1")
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok, "expected a map, got %T", v)
	assert.Equal(t, "Ann", m["name"])
	assert.NotNil(t, m["likes"])

	v, err = tree.Get(ctx, "users/missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	assert.Error(t, tree.Set(ctx, "users/bad.key", "x"))
}

func testDeletePrunes(t *testing.T, tree store.Tree) {
	ctx := context.Background()

	require.NoError(t, tree.Set(ctx, "a/b/c", "leaf"))
	require.NoError(t, tree.Set(ctx, "a/d", true))
	require.NoError(t, tree.Delete(ctx, "a/b/c"))

	v, err := tree.Get(ctx, "a/b")
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = tree.Get(ctx, "a/d")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	require.NoError(t, tree.Delete(ctx, "a"))
	v, err = tree.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func testUpdate(t *testing.T, tree store.Tree) {
	ctx := context.Background()

	require.NoError(t, tree.Set(ctx, "users/u1/conversations/u2/conversationId", "c1"))
	require.NoError(t, tree.Set(ctx, "users/u1/name", "Ann"))

	require.NoError(t, tree.Update(ctx, "users", map[string]any{
		"u1/conversations/u2": nil,
		"u2/name":             "Bob",
		"u2/conversations/u1": map[string]any{"conversationId": "c1", "lastMessageWasRead": true},
	}))

	v, err := tree.Get(ctx, "users/u1/conversations")
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = tree.Get(ctx, "users/u1/name")
	require.NoError(t, err)
	assert.Equal(t, "Ann", v)

	v, err = tree.Get(ctx, "users/u2/conversations/u1/lastMessageWasRead")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	// A scalar in the way of a nested write is replaced by a map.
	require.NoError(t, tree.Set(ctx, "x", "scalar"))
	require.NoError(t, tree.Set(ctx, "x/y", "nested"))
	v, err = tree.Get(ctx, "x/y")
	require.NoError(t, err)
	assert.Equal(t, "nested", v)
}

func testQueryByKey(t *testing.T, tree store.Tree) {
	ctx := context.Background()
	for _, id := range []string{"u1", "u2", "u3", "u4", "u5"} {
		require.NoError(t, tree.Set(ctx, "users/"+id+"/identifier", id))
	}

	children, err := tree.QueryByKey(ctx, "users", store.KeyQuery{LimitToLast: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"u4", "u5"}, keys(children))

	children, err = tree.QueryByKey(ctx, "users", store.KeyQuery{EndBefore: "u4", LimitToLast: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"u2", "u3"}, keys(children))
	assert.Equal(t, map[string]any{"identifier": "u2"}, children[0].Value)

	children, err = tree.QueryByKey(ctx, "users", store.KeyQuery{EndBefore: "u1", LimitToLast: 2})
	require.NoError(t, err)
	assert.Empty(t, children)

	children, err = tree.QueryByKey(ctx, "users", store.KeyQuery{})
	require.NoError(t, err)
	assert.Len(t, children, 5)
}

func testTransact(t *testing.T, tree store.Tree) {
	ctx := context.Background()
	appendID := func(id string) func(any) (any, error) {
		return func(current any) (any, error) {
			list, _ := current.([]any)
			return append(list, id), nil
		}
	}

	require.NoError(t, tree.Transact(ctx, "users/u1/likes", appendID("u2")))
	require.NoError(t, tree.Transact(ctx, "users/u1/likes", appendID("u3")))

	v, err := tree.Get(ctx, "users/u1/likes")
	require.NoError(t, err)
	assert.Equal(t, []any{"u2", "u3"}, v)

	require.NoError(t, tree.Transact(ctx, "users/u1/likes", func(any) (any, error) {
		return nil, store.ErrAbortTransaction
	}))
	v, err = tree.Get(ctx, "users/u1/likes")
	require.NoError(t, err)
	assert.Equal(t, []any{"u2", "u3"}, v)

	boom := errors.New("boom")
	assert.ErrorIs(t, tree.Transact(ctx, "users/u1/likes", func(any) (any, error) { return nil, boom }), boom)
}

func testSubscribe(t *testing.T, tree store.Tree) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := tree.Subscribe(ctx, "conversations/c1/messages")
	require.NoError(t, err)

	first := Next(t, sub)
	assert.False(t, first.Exists())

	require.NoError(t, tree.Set(ctx, "conversations/c1/messages/m1/text", "hi"))
	snap := Next(t, sub)
	require.True(t, snap.Exists())
	assert.Equal(t, "hi", store.Lookup(snap.Value, []string{"m1", "text"}))

	// An ancestor write that changes the subtree is delivered too.
	require.NoError(t, tree.Delete(ctx, "conversations/c1"))
	snap = Next(t, sub)
	assert.False(t, snap.Exists())

	sub.Cancel()
	sub.Cancel()
	select {
	case _, ok := <-sub.Updates():
		assert.False(t, ok, "updates must be closed after cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}

// Next waits for the next snapshot of sub.
func Next(t *testing.T, sub *store.Subscription) store.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Updates():
		require.True(t, ok, "subscription closed")
		require.NoError(t, snap.Err)
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return store.Snapshot{}
	}
}

func keys(children []store.Child) []string {
	out := make([]string, 0, len(children))
	for _, c := range children {
		out = append(out, c.Key)
	}
	return out
}
