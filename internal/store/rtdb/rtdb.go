// Package rtdb backs the tree with the Firebase Realtime Database, the store
// the mobile clients already write to.
package rtdb

import (
	"context"
	"errors"
	"fmt"

	"firebase.google.com/go/v4/db"
	"github.com/sirupsen/logrus"

	"itinder-backend/internal/store"
)

type Tree struct {
	client *db.Client
	hub    *store.Hub
	feed   *Changefeed
	log    *logrus.Entry
	stop   context.CancelFunc
}

var _ store.Tree = (*Tree)(nil)

// New returns a tree over client. When feed is non-nil, writes are announced
// on it and changes announced by other instances wake local subscriptions.
func New(client *db.Client, feed *Changefeed, log *logrus.Entry) (*Tree, error) {
	t := &Tree{client: client, feed: feed, log: log}
	t.hub = store.NewHub(t.Get)
	if feed == nil {
		return t, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.stop = cancel
	ready := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- feed.Run(ctx, ready, t.hub.Changed)
	}()
	select {
	case <-ready:
	case err := <-errc:
		cancel()
		return nil, fmt.Errorf("failed to subscribe to tree changes: %w", err)
	}
	go func() {
		if err := <-errc; err != nil {
			log.WithError(err).Error("Tree changefeed stopped")
		}
	}()
	return t, nil
}

func (t *Tree) ref(path string) *db.Ref {
	return t.client.NewRef("/" + store.Clean(path))
}

func (t *Tree) Get(ctx context.Context, path string) (any, error) {
	if err := store.ValidatePath(path); err != nil {
		return nil, err
	}
	var v any
	if err := t.ref(path).Get(ctx, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (t *Tree) Set(ctx context.Context, path string, value any) error {
	if err := store.ValidatePath(path); err != nil {
		return err
	}
	nv, err := store.Normalize(value)
	if err != nil {
		return err
	}
	if nv == nil {
		err = t.ref(path).Delete(ctx)
	} else {
		err = t.ref(path).Set(ctx, nv)
	}
	if err != nil {
		return err
	}
	t.changed(ctx, store.Clean(path))
	return nil
}

func (t *Tree) Delete(ctx context.Context, path string) error {
	return t.Set(ctx, path, nil)
}

// Update issues a single multi-location update, which the database applies
// atomically.
func (t *Tree) Update(ctx context.Context, path string, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	writes := make(map[string]any, len(values))
	for rel, v := range values {
		if err := store.ValidatePath(store.Join(path, rel)); err != nil {
			return err
		}
		nv, err := store.Normalize(v)
		if err != nil {
			return err
		}
		writes[store.Clean(rel)] = nv
	}
	if err := t.ref(path).Update(ctx, writes); err != nil {
		return err
	}
	for rel := range writes {
		t.changed(ctx, store.Join(path, rel))
	}
	return nil
}

func (t *Tree) Transact(ctx context.Context, path string, fn func(current any) (any, error)) error {
	if err := store.ValidatePath(path); err != nil {
		return err
	}
	err := t.ref(path).Transaction(ctx, func(node db.TransactionNode) (interface{}, error) {
		var current any
		if err := node.Unmarshal(&current); err != nil {
			return nil, err
		}
		next, err := fn(current)
		if err != nil {
			return nil, err
		}
		return store.Normalize(next)
	})
	if errors.Is(err, store.ErrAbortTransaction) {
		return nil
	}
	if err != nil {
		return err
	}
	t.changed(ctx, store.Clean(path))
	return nil
}

// QueryByKey emulates EndBefore with an inclusive EndAt one record wider,
// then drops the cursor key itself.
func (t *Tree) QueryByKey(ctx context.Context, path string, q store.KeyQuery) ([]store.Child, error) {
	if err := store.ValidatePath(path); err != nil {
		return nil, err
	}
	query := t.ref(path).OrderByKey()
	if q.EndBefore != "" {
		query = query.EndAt(q.EndBefore)
	}
	if q.LimitToLast > 0 {
		n := q.LimitToLast
		if q.EndBefore != "" {
			n++
		}
		query = query.LimitToLast(n)
	}

	nodes, err := query.GetOrdered(ctx)
	if err != nil {
		return nil, err
	}
	children := make([]store.Child, 0, len(nodes))
	for _, n := range nodes {
		var v any
		if err := n.Unmarshal(&v); err != nil {
			return nil, err
		}
		children = append(children, store.Child{Key: n.Key(), Value: v})
	}
	return trimEndBefore(children, q), nil
}

func trimEndBefore(children []store.Child, q store.KeyQuery) []store.Child {
	if q.EndBefore != "" && len(children) > 0 && children[len(children)-1].Key >= q.EndBefore {
		children = children[:len(children)-1]
	}
	if q.LimitToLast > 0 && len(children) > q.LimitToLast {
		children = children[len(children)-q.LimitToLast:]
	}
	return children
}

func (t *Tree) Subscribe(ctx context.Context, path string) (*store.Subscription, error) {
	return t.hub.Subscribe(ctx, path)
}

func (t *Tree) Close() error {
	if t.stop != nil {
		t.stop()
	}
	t.hub.Close()
	return nil
}

func (t *Tree) changed(ctx context.Context, path string) {
	t.hub.Changed(path)
	if t.feed == nil {
		return
	}
	if err := t.feed.Publish(ctx, path); err != nil {
		t.log.WithError(err).WithField("path", path).Warn("Failed to announce tree change")
	}
}
