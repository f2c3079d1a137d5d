package directory

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itinder-backend/internal/auth"
	"itinder-backend/internal/blob"
	"itinder-backend/internal/errs"
	"itinder-backend/internal/models"
	"itinder-backend/internal/store"
	"itinder-backend/internal/store/memtree"
)

func newService(t *testing.T) (*Service, *memtree.Tree, *blob.MemoryStore) {
	t.Helper()
	tree := memtree.New()
	t.Cleanup(func() { _ = tree.Close() })
	blobs := blob.NewMemoryStore("http://blobs.test")
	return NewService(tree, blobs, []string{"image/jpeg", "image/png"}, logrus.NewEntry(logrus.New())), tree, blobs
}

func seed(t *testing.T, tree *memtree.Tree, users ...models.User) {
	t.Helper()
	for _, u := range users {
		require.NoError(t, tree.Set(context.Background(), "users/"+u.Identifier, u))
	}
}

func ids(users []*models.PublicUser) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.Identifier)
	}
	return out
}

func TestGetCandidatesSkipsFullyFilteredPages(t *testing.T) {
	ctx := context.Background()
	s, tree, _ := newService(t)

	// u7, u8, u9 already liked by me: the first page filters to nothing.
	seed(t, tree,
		models.User{Identifier: "me", Name: "Me"},
		models.User{Identifier: "u1", Name: "One"},
		models.User{Identifier: "u2", Name: "Two"},
		models.User{Identifier: "u3", Name: "Three"},
		models.User{Identifier: "u4", Name: "Four"},
		models.User{Identifier: "u7", Likes: []string{"me"}},
		models.User{Identifier: "u8", Likes: []string{"x", "me"}},
		models.User{Identifier: "u9", Likes: []string{"me"}},
	)

	page, err := s.GetCandidates(ctx, "me", 3, "")
	require.NoError(t, err)
	assert.False(t, page.Exhausted)
	assert.Equal(t, []string{"u4", "u3", "u2"}, ids(page.Users))
	assert.Equal(t, "u2", page.Next)

	page, err = s.GetCandidates(ctx, "me", 3, page.Next)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, ids(page.Users))
	assert.Equal(t, "me", page.Next)

	page, err = s.GetCandidates(ctx, "me", 3, page.Next)
	require.NoError(t, err)
	assert.True(t, page.Exhausted)
	assert.Empty(t, page.Users)
}

func TestGetCandidatesNeverReturnsSelfOrLiked(t *testing.T) {
	ctx := context.Background()
	s, tree, _ := newService(t)
	seed(t, tree,
		models.User{Identifier: "a", Likes: []string{"me"}},
		models.User{Identifier: "b"},
		models.User{Identifier: "c", Likes: []string{"me"}},
		models.User{Identifier: "d"},
		models.User{Identifier: "me"},
	)
	require.NoError(t, tree.Set(ctx, "users/broken", "not a profile"))

	var seen []string
	cursor := ""
	for i := 0; i < 10; i++ {
		page, err := s.GetCandidates(ctx, "me", 2, cursor)
		require.NoError(t, err)
		if page.Exhausted {
			break
		}
		seen = append(seen, ids(page.Users)...)
		cursor = page.Next
	}
	assert.ElementsMatch(t, []string{"b", "d"}, seen)
}

func TestGetCandidatesRejectsZeroPageSize(t *testing.T) {
	s, _, _ := newService(t)
	_, err := s.GetCandidates(context.Background(), "me", 0, "")
	assert.True(t, errs.IsInvalid(err))
}

func TestGetUser(t *testing.T) {
	ctx := context.Background()
	s, tree, _ := newService(t)
	seed(t, tree, models.User{Identifier: "u1", Name: "Ann"})
	require.NoError(t, tree.Set(ctx, "users/bad", true))

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ann", u.Name)

	_, err = s.GetUser(ctx, "missing")
	assert.True(t, errs.IsNotFound(err))

	_, err = s.GetUser(ctx, "bad")
	assert.True(t, errs.IsMalformed(err))

	_, err = s.GetCurrentUser(ctx)
	assert.ErrorIs(t, err, errs.ErrUnauthenticated)

	u, err = s.GetCurrentUser(auth.WithUser(ctx, "u1"))
	require.NoError(t, err)
	assert.Equal(t, "u1", u.Identifier)
}

func TestSaveProfileKeepsRelationships(t *testing.T) {
	ctx := context.Background()
	s, tree, blobs := newService(t)
	seed(t, tree, models.User{
		Identifier:    "u1",
		Email:         "ann@example.com",
		Name:          "Ann",
		Likes:         []string{"u2"},
		Matches:       []string{"u2"},
		Conversations: map[string]models.ConversationRef{"u2": {ConversationID: "c1"}},
	})

	jpeg := []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00")
	u, err := s.SaveProfile(ctx, "u1", models.Profile{Name: "Anna", City: "Moscow"}, jpeg)
	require.NoError(t, err)
	assert.Equal(t, "http://blobs.test/avatars/u1.jpg", u.ImageURL)

	stored, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Anna", stored.Name)
	assert.Equal(t, "Moscow", stored.City)
	assert.Equal(t, "ann@example.com", stored.Email)
	assert.Equal(t, []string{"u2"}, stored.Likes)
	assert.Equal(t, []string{"u2"}, stored.Matches)
	assert.Equal(t, "c1", stored.Conversations["u2"].ConversationID)

	obj, ok := blobs.Open("avatars/u1.jpg")
	require.True(t, ok)
	assert.Equal(t, "image/jpeg", obj.ContentType)

	_, err = s.SaveProfile(ctx, "u1", models.Profile{Name: "Anna"}, []byte("hello"))
	assert.True(t, errs.IsInvalid(err))
}

// interleavingTree lets another writer commit right before each write lands.
type interleavingTree struct {
	store.Tree
	between func()
}

func (t *interleavingTree) Transact(ctx context.Context, path string, fn func(any) (any, error)) error {
	current, err := t.Tree.Get(ctx, path)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err == store.ErrAbortTransaction {
		return nil
	}
	if err != nil {
		return err
	}
	t.between()
	return t.Tree.Set(ctx, path, next)
}

func (t *interleavingTree) Update(ctx context.Context, path string, values map[string]any) error {
	t.between()
	return t.Tree.Update(ctx, path, values)
}

func TestSaveProfileDoesNotOverwriteConcurrentLikes(t *testing.T) {
	ctx := context.Background()
	_, tree, blobs := newService(t)
	seed(t, tree, models.User{Identifier: "u1", Name: "Ann", Likes: []string{"u2"}})
	wrapped := &interleavingTree{Tree: tree, between: func() {
		require.NoError(t, tree.Set(ctx, "users/u1/likes", []string{"u2", "u3"}))
	}}
	s := NewService(wrapped, blobs, []string{"image/jpeg"}, logrus.NewEntry(logrus.New()))

	u, err := s.SaveProfile(ctx, "u1", models.Profile{Name: "Anna"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Anna", u.Name)
	assert.Equal(t, []string{"u2", "u3"}, u.Likes)
}

func TestResetSwipes(t *testing.T) {
	ctx := context.Background()
	s, tree, _ := newService(t)
	seed(t, tree,
		models.User{Identifier: "u1", Name: "A", Likes: []string{"u2"}, Matches: []string{"u2"}},
		models.User{Identifier: "u2", Name: "B", Likes: []string{"u1"}, Matches: []string{"u1"}},
	)

	n, err := s.ResetSwipes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"u1", "u2"} {
		u, err := s.GetUser(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, u.Likes)
		assert.Empty(t, u.Matches)
		assert.NotEmpty(t, u.Name)
	}
}
