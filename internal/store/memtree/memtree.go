// Package memtree is an in-process store.Tree used for development and tests.
package memtree

import (
	"context"
	"errors"
	"sort"
	"sync"

	"itinder-backend/internal/store"
)

type Tree struct {
	mu   sync.RWMutex
	root any
	hub  *store.Hub
}

var _ store.Tree = (*Tree)(nil)

func New() *Tree {
	t := &Tree{}
	t.hub = store.NewHub(t.Get)
	return t
}

func (t *Tree) Get(ctx context.Context, path string) (any, error) {
	if err := store.ValidatePath(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return store.Clone(store.Lookup(t.root, store.Split(path))), nil
}

func (t *Tree) Set(ctx context.Context, path string, value any) error {
	return t.Update(ctx, "", map[string]any{store.Clean(path): value})
}

func (t *Tree) Delete(ctx context.Context, path string) error {
	return t.Set(ctx, path, nil)
}

func (t *Tree) Update(ctx context.Context, path string, values map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	writes := make(map[string]any, len(values))
	for rel, v := range values {
		full := store.Join(path, rel)
		if err := store.ValidatePath(full); err != nil {
			return err
		}
		nv, err := store.Normalize(v)
		if err != nil {
			return err
		}
		writes[full] = nv
	}

	t.mu.Lock()
	for _, full := range sortedKeys(writes) {
		t.root = store.Assign(t.root, store.Split(full), writes[full])
	}
	t.mu.Unlock()

	for full := range writes {
		t.hub.Changed(full)
	}
	return nil
}

func (t *Tree) Transact(ctx context.Context, path string, fn func(current any) (any, error)) error {
	if err := store.ValidatePath(path); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	segs := store.Split(path)
	t.mu.Lock()
	next, err := fn(store.Clone(store.Lookup(t.root, segs)))
	if err == nil {
		next, err = store.Normalize(next)
	}
	if err != nil {
		t.mu.Unlock()
		if errors.Is(err, store.ErrAbortTransaction) {
			return nil
		}
		return err
	}
	t.root = store.Assign(t.root, segs, next)
	t.mu.Unlock()

	t.hub.Changed(path)
	return nil
}

func (t *Tree) QueryByKey(ctx context.Context, path string, q store.KeyQuery) ([]store.Child, error) {
	if err := store.ValidatePath(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	children := store.Children(store.Lookup(t.root, store.Split(path)))
	keys := make([]string, 0, len(children))
	for k := range children {
		if q.EndBefore != "" && k >= q.EndBefore {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if q.LimitToLast > 0 && len(keys) > q.LimitToLast {
		keys = keys[len(keys)-q.LimitToLast:]
	}

	out := make([]store.Child, 0, len(keys))
	for _, k := range keys {
		out = append(out, store.Child{Key: k, Value: store.Clone(children[k])})
	}
	return out, nil
}

func (t *Tree) Subscribe(ctx context.Context, path string) (*store.Subscription, error) {
	return t.hub.Subscribe(ctx, path)
}

// Subscribers returns the number of live subscriptions.
func (t *Tree) Subscribers() int { return t.hub.Len() }

func (t *Tree) Close() error {
	t.hub.Close()
	return nil
}

// sortedKeys orders parents before their children so a multi-path write
// that sets a node and one of its descendants keeps both.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
