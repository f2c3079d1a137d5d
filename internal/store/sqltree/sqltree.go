// Package sqltree stores the tree in a relational database through gorm, one
// row per node. On PostgreSQL, writes announce the changed path with NOTIFY
// so subscriptions in other processes see them.
package sqltree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"itinder-backend/internal/store"
)

// NotifyChannel is the PostgreSQL channel carrying changed paths.
const NotifyChannel = "tree_changes"

// Node is one tree node. Leaves hold a JSON scalar; interior nodes have a nil
// Value and exist so children can be listed by parent.
type Node struct {
	Path   string  `gorm:"primaryKey;size:512"`
	Parent string  `gorm:"size:512;not null;index:idx_tree_nodes_parent_name,priority:1"`
	Name   string  `gorm:"size:255;not null;index:idx_tree_nodes_parent_name,priority:2"`
	Value  *string `gorm:"type:text"`
}

func (Node) TableName() string { return "tree_nodes" }

type Tree struct {
	db       *gorm.DB
	hub      *store.Hub
	log      *logrus.Entry
	listener *pq.Listener
}

var _ store.Tree = (*Tree)(nil)

// New migrates the node table and returns a tree over db.
func New(db *gorm.DB, log *logrus.Entry) (*Tree, error) {
	if err := db.AutoMigrate(&Node{}); err != nil {
		return nil, fmt.Errorf("failed to migrate tree nodes: %w", err)
	}
	if isPostgres(db) {
		// Keys must sort bytewise whatever the database locale is.
		if err := db.Exec(`ALTER TABLE tree_nodes ALTER COLUMN name TYPE varchar(255) COLLATE "C"`).Error; err != nil {
			return nil, fmt.Errorf("failed to set key collation: %w", err)
		}
	}

	t := &Tree{db: db, log: log}
	t.hub = store.NewHub(t.Get)
	return t, nil
}

// Listen subscribes to NotifyChannel so writes made by other processes wake
// local subscriptions. Only meaningful on PostgreSQL.
func (t *Tree) Listen(dsn string) error {
	l := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			t.log.WithError(err).WithField("event", ev).Warn("Tree change listener event")
		}
	})
	if err := l.Listen(NotifyChannel); err != nil {
		_ = l.Close()
		return fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}
	t.listener = l
	go t.consume(l)
	return nil
}

func (t *Tree) consume(l *pq.Listener) {
	for n := range l.Notify {
		if n == nil {
			// Reconnected: notifications may have been missed.
			t.hub.Changed("")
			continue
		}
		t.hub.Changed(n.Extra)
	}
}

func (t *Tree) Get(ctx context.Context, path string) (any, error) {
	if err := store.ValidatePath(path); err != nil {
		return nil, err
	}
	return t.load(t.db.WithContext(ctx), store.Clean(path))
}

func (t *Tree) Set(ctx context.Context, path string, value any) error {
	return t.Update(ctx, "", map[string]any{store.Clean(path): value})
}

func (t *Tree) Delete(ctx context.Context, path string) error {
	return t.Set(ctx, path, nil)
}

func (t *Tree) Update(ctx context.Context, path string, values map[string]any) error {
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
		if full == "" && nv != nil && store.Children(nv) == nil {
			return fmt.Errorf("store: root must be a map")
		}
		writes[full] = nv
	}

	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, full := range sortedPaths(writes) {
			if err := t.write(tx, full, writes[full]); err != nil {
				return err
			}
			if err := t.notify(tx, full); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for full := range writes {
		t.hub.Changed(full)
	}
	return nil
}

func (t *Tree) Transact(ctx context.Context, path string, fn func(current any) (any, error)) error {
	if err := store.ValidatePath(path); err != nil {
		return err
	}
	path = store.Clean(path)

	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if isPostgres(tx) {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", path).Error; err != nil {
				return err
			}
		}
		current, err := t.load(tx, path)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		if next, err = store.Normalize(next); err != nil {
			return err
		}
		if err := t.write(tx, path, next); err != nil {
			return err
		}
		return t.notify(tx, path)
	})
	if errors.Is(err, store.ErrAbortTransaction) {
		return nil
	}
	if err != nil {
		return err
	}
	t.hub.Changed(path)
	return nil
}

func (t *Tree) QueryByKey(ctx context.Context, path string, q store.KeyQuery) ([]store.Child, error) {
	if err := store.ValidatePath(path); err != nil {
		return nil, err
	}
	path = store.Clean(path)

	var out []store.Child
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&Node{}).Where("parent = ?", path)
		if q.EndBefore != "" {
			query = query.Where("name < ?", q.EndBefore)
		}
		query = query.Order("name DESC")
		if q.LimitToLast > 0 {
			query = query.Limit(q.LimitToLast)
		}
		var rows []Node
		if err := query.Find(&rows).Error; err != nil {
			return err
		}

		out = make([]store.Child, 0, len(rows))
		for i := len(rows) - 1; i >= 0; i-- {
			v, err := t.load(tx, rows[i].Path)
			if err != nil {
				return err
			}
			out = append(out, store.Child{Key: rows[i].Name, Value: v})
		}
		return nil
	})
	return out, err
}

func (t *Tree) Subscribe(ctx context.Context, path string) (*store.Subscription, error) {
	return t.hub.Subscribe(ctx, path)
}

func (t *Tree) Close() error {
	t.hub.Close()
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// load assembles the subtree at path from its leaves.
func (t *Tree) load(tx *gorm.DB, path string) (any, error) {
	var rows []Node
	if err := subtree(tx.Model(&Node{}), path).Where("value IS NOT NULL").Find(&rows).Error; err != nil {
		return nil, err
	}

	var root any
	for _, r := range rows {
		if !store.IsWithin(r.Path, path) {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(*r.Value), &v); err != nil {
			return nil, fmt.Errorf("store: corrupt node %q: %w", r.Path, err)
		}
		root = store.Assign(root, store.Split(strings.TrimPrefix(r.Path, path)), v)
	}
	return store.Arrayify(root), nil
}

// write replaces the subtree at path with value, which is already normalized.
func (t *Tree) write(tx *gorm.DB, path string, value any) error {
	if err := subtree(tx, path).Delete(&Node{}).Error; err != nil {
		return err
	}
	if value == nil {
		return prune(tx, store.Parent(path))
	}

	segs := store.Split(path)
	for i := 1; i < len(segs); i++ {
		ancestor := strings.Join(segs[:i], "/")
		// A leaf in the way becomes an interior node.
		if err := tx.Where("path = ? AND value IS NOT NULL", ancestor).Delete(&Node{}).Error; err != nil {
			return err
		}
		node := Node{Path: ancestor, Parent: store.Parent(ancestor), Name: segs[i-1]}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&node).Error; err != nil {
			return err
		}
	}

	var rows []Node
	if err := flatten(path, value, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	return tx.CreateInBatches(rows, 200).Error
}

func (t *Tree) notify(tx *gorm.DB, path string) error {
	if !isPostgres(tx) {
		return nil
	}
	// Delivered to listeners when the transaction commits.
	return tx.Exec("SELECT pg_notify(?, ?)", NotifyChannel, path).Error
}

// prune removes interior nodes left without children, walking upwards.
func prune(tx *gorm.DB, path string) error {
	for p := path; p != ""; p = store.Parent(p) {
		var n int64
		if err := tx.Model(&Node{}).Where("parent = ?", p).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		res := tx.Where("path = ? AND value IS NULL", p).Delete(&Node{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
	}
	return nil
}

func flatten(path string, v any, out *[]Node) error {
	if children := store.Children(v); children != nil {
		if path != "" {
			*out = append(*out, Node{Path: path, Parent: store.Parent(path), Name: store.Base(path)})
		}
		for k, child := range children {
			if err := flatten(store.Join(path, k), child, out); err != nil {
				return err
			}
		}
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s := string(raw)
	*out = append(*out, Node{Path: path, Parent: store.Parent(path), Name: store.Base(path), Value: &s})
	return nil
}

func subtree(q *gorm.DB, path string) *gorm.DB {
	if path == "" {
		return q.Where("1 = 1")
	}
	return q.Where("path = ? OR path LIKE ? ESCAPE '\\'", path, escapeLike(path)+"/%")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

func isPostgres(db *gorm.DB) bool {
	return db.Dialector != nil && db.Dialector.Name() == "postgres"
}

func sortedPaths(m map[string]any) []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	// Parents first, so a node and one of its descendants can both be written.
	sort.Strings(paths)
	return paths
}
