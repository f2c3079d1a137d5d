package match

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itinder-backend/internal/errs"
	"itinder-backend/internal/models"
	"itinder-backend/internal/store"
	"itinder-backend/internal/store/memtree"
)

type recordingObserver struct {
	mu      sync.Mutex
	matches [][3]string
}

func (r *recordingObserver) MatchCreated(_ context.Context, a, b *models.User, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches = append(r.matches, [3]string{a.Identifier, b.Identifier, conversationID})
}

func newService(t *testing.T, users ...models.User) (*Service, store.Tree, *recordingObserver) {
	t.Helper()
	tree := memtree.New()
	t.Cleanup(func() { _ = tree.Close() })
	for _, u := range users {
		require.NoError(t, tree.Set(context.Background(), "users/"+u.Identifier, u))
	}
	obs := &recordingObserver{}
	return NewService(tree, logrus.NewEntry(logrus.New()), obs), tree, obs
}

func getUser(t *testing.T, tree store.Tree, id string) *models.User {
	t.Helper()
	v, err := tree.Get(context.Background(), "users/"+id)
	require.NoError(t, err)
	u, err := models.DecodeUser(id, v)
	require.NoError(t, err)
	return u
}

func TestLikeIsDeduplicated(t *testing.T) {
	ctx := context.Background()
	s, tree, _ := newService(t, models.User{Identifier: "u1", Name: "A"}, models.User{Identifier: "u2", Name: "B"})

	target, err := s.Like(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, target.Likes)

	_, err = s.Like(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, getUser(t, tree, "u2").Likes)
	assert.Empty(t, getUser(t, tree, "u1").Likes)

	_, err = s.Like(ctx, "u1", "u1")
	assert.True(t, errs.IsInvalid(err))

	_, err = s.Like(ctx, "u1", "ghost")
	assert.True(t, errs.IsNotFound(err))
}

func TestConcurrentLikesAreNotLost(t *testing.T) {
	ctx := context.Background()
	users := []models.User{{Identifier: "target", Name: "T"}}
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		users = append(users, models.User{Identifier: id, Name: id})
	}
	s, tree, _ := newService(t, users...)

	var wg sync.WaitGroup
	for _, u := range users[1:] {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := s.Like(ctx, id, "target")
			assert.NoError(t, err)
		}(u.Identifier)
	}
	wg.Wait()
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e", "f"}, getUser(t, tree, "target").Likes)
}

func TestMutualLikeCreatesMatchAndConversation(t *testing.T) {
	ctx := context.Background()
	// u2 already liked u1.
	s, tree, _ := newService(t,
		models.User{Identifier: "u1", Name: "A", Likes: []string{"u2"}},
		models.User{Identifier: "u2", Name: "B"},
	)

	_, err := s.Like(ctx, "u1", "u2")
	require.NoError(t, err)

	liked, matched, err := s.CheckAndCreateMatch(ctx, "u2", "u1")
	require.NoError(t, err)
	require.True(t, matched)
	assert.Equal(t, "u1", liked.Identifier)
	assert.Equal(t, []string{"u2"}, liked.Matches)
	assert.Equal(t, []string{"u1"}, getUser(t, tree, "u2").Matches)
	assert.Equal(t, []string{"u2"}, getUser(t, tree, "u1").Matches)

	id, err := s.CreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	u1, u2 := getUser(t, tree, "u1"), getUser(t, tree, "u2")
	assert.Equal(t, models.ConversationRef{ConversationID: id, LastMessageWasRead: true}, u1.Conversations["u2"])
	assert.Equal(t, models.ConversationRef{ConversationID: id, LastMessageWasRead: true}, u2.Conversations["u1"])

	again, err := s.CreateConversation(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	participants, err := tree.Get(ctx, "conversations/"+id+"/participants")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"u1": true, "u2": true}, participants)
}

func TestOneSidedLikeIsNotAMatch(t *testing.T) {
	ctx := context.Background()
	s, tree, _ := newService(t, models.User{Identifier: "u1"}, models.User{Identifier: "u2"})

	_, err := s.Like(ctx, "u1", "u2")
	require.NoError(t, err)
	_, matched, err := s.CheckAndCreateMatch(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.False(t, matched)
	assert.Empty(t, getUser(t, tree, "u1").Matches)
	assert.Empty(t, getUser(t, tree, "u2").Matches)
}

func TestCreateConversationRepairsDivergedReplica(t *testing.T) {
	ctx := context.Background()
	s, tree, _ := newService(t,
		models.User{Identifier: "a", Conversations: map[string]models.ConversationRef{"b": {ConversationID: "c-good"}}},
		models.User{Identifier: "b", Conversations: map[string]models.ConversationRef{"a": {ConversationID: "c-bad", LastMessageWasRead: false}}},
	)

	id, err := s.CreateConversation(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, "c-good", id)
	assert.Equal(t, "c-good", getUser(t, tree, "b").Conversations["a"].ConversationID)
	assert.False(t, getUser(t, tree, "b").Conversations["a"].LastMessageWasRead)
}

func TestUnmatchIsSymmetric(t *testing.T) {
	ctx := context.Background()
	s, tree, _ := newService(t,
		models.User{Identifier: "u1", Name: "A", Likes: []string{"x", "u2"}, Matches: []string{"u2"},
			Conversations: map[string]models.ConversationRef{"u2": {ConversationID: "c1"}, "x": {ConversationID: "c2"}}},
		models.User{Identifier: "u2", Name: "B", Likes: []string{"u1"}, Matches: []string{"u1"},
			Conversations: map[string]models.ConversationRef{"u1": {ConversationID: "c1"}}},
	)
	require.NoError(t, tree.Set(ctx, "conversations/c1/messages/m1/text", "hi"))

	require.NoError(t, s.Unmatch(ctx, "u2", "u1", "c1"))

	u1, u2 := getUser(t, tree, "u1"), getUser(t, tree, "u2")
	assert.Equal(t, []string{"x"}, u1.Likes)
	assert.Empty(t, u1.Matches)
	assert.NotContains(t, u1.Conversations, "u2")
	assert.Contains(t, u1.Conversations, "x")
	assert.Empty(t, u2.Likes)
	assert.Empty(t, u2.Matches)
	assert.Empty(t, u2.Conversations)

	conv, err := tree.Get(ctx, "conversations/c1")
	require.NoError(t, err)
	assert.Nil(t, conv)

	require.NoError(t, s.Unmatch(ctx, "u2", "u1", "c1"))
}

func TestUnmatchRejectsStrangers(t *testing.T) {
	ctx := context.Background()
	s, tree, _ := newService(t, models.User{Identifier: "u1"}, models.User{Identifier: "u3"})
	require.NoError(t, tree.Set(ctx, "conversations/c1/participants", map[string]bool{"u1": true, "u2": true}))

	err := s.Unmatch(ctx, "u3", "u1", "c1")
	assert.True(t, errs.IsForbidden(err))
}

func TestUnmatchKeepsOtherConversations(t *testing.T) {
	ctx := context.Background()
	s, tree, _ := newService(t,
		models.User{Identifier: "a"},
		models.User{Identifier: "b"},
		models.User{Identifier: "c"},
	)
	for _, pair := range [][2]string{{"a", "b"}, {"b", "a"}, {"a", "c"}, {"c", "a"}} {
		_, err := s.Swipe(ctx, pair[0], pair[1])
		require.NoError(t, err)
	}
	ab := getUser(t, tree, "a").Conversations["b"].ConversationID
	ac := getUser(t, tree, "a").Conversations["c"].ConversationID
	require.NotEmpty(t, ab)
	require.NotEqual(t, ab, ac)
	require.NoError(t, tree.Set(ctx, "conversations/"+ab+"/messages/m1/text", "hi"))

	err := s.Unmatch(ctx, "a", "c", ab)
	assert.True(t, errs.IsForbidden(err))

	conv, err := tree.Get(ctx, "conversations/"+ab)
	require.NoError(t, err)
	assert.NotNil(t, conv)
	assert.Equal(t, ab, getUser(t, tree, "b").Conversations["a"].ConversationID)
	assert.Contains(t, getUser(t, tree, "a").Matches, "c")

	// An id that no longer exists is refused while a still points elsewhere.
	err = s.Unmatch(ctx, "a", "c", "gone")
	assert.True(t, errs.IsForbidden(err))

	require.NoError(t, s.Unmatch(ctx, "a", "c", ac))
	assert.NotContains(t, getUser(t, tree, "a").Matches, "c")
	assert.Equal(t, ab, getUser(t, tree, "a").Conversations["b"].ConversationID)
}

func TestSwipeNotifiesObservers(t *testing.T) {
	ctx := context.Background()
	s, tree, obs := newService(t,
		models.User{Identifier: "u1", Name: "A"},
		models.User{Identifier: "u2", Name: "B"},
	)

	res, err := s.Swipe(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Empty(t, obs.matches)

	res, err = s.Swipe(ctx, "u2", "u1")
	require.NoError(t, err)
	require.True(t, res.Matched)
	require.Len(t, obs.matches, 1)
	assert.Equal(t, [3]string{"u2", "u1", res.ConversationID}, obs.matches[0])

	entries, err := s.Matches(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "u2", entries[0].User.Identifier)
	assert.Equal(t, res.ConversationID, entries[0].ConversationID)
	assert.Equal(t, res.ConversationID, getUser(t, tree, "u2").Conversations["u1"].ConversationID)
}

type failingTree struct {
	store.Tree
	failPath string
}

func (f *failingTree) Transact(ctx context.Context, path string, fn func(any) (any, error)) error {
	if path == f.failPath {
		return errors.New("connection reset")
	}
	return f.Tree.Transact(ctx, path, fn)
}

func TestPartialMatchIsRetryable(t *testing.T) {
	ctx := context.Background()
	_, tree, _ := newService(t,
		models.User{Identifier: "u1", Likes: []string{"u2"}},
		models.User{Identifier: "u2", Likes: []string{"u1"}},
	)
	broken := NewService(&failingTree{Tree: tree, failPath: "users/u2/matches"}, logrus.NewEntry(logrus.New()))

	_, _, err := broken.CheckAndCreateMatch(ctx, "u1", "u2")
	assert.True(t, errs.IsPartialWrite(err))
	assert.Equal(t, []string{"u2"}, getUser(t, tree, "u1").Matches)

	healthy := NewService(tree, logrus.NewEntry(logrus.New()))
	_, matched, err := healthy.CheckAndCreateMatch(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, []string{"u2"}, getUser(t, tree, "u1").Matches)
	assert.Equal(t, []string{"u1"}, getUser(t, tree, "u2").Matches)
}
