// Package match records likes, promotes mutual likes to matches, and tears
// matches down again.
package match

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"itinder-backend/internal/errs"
	"itinder-backend/internal/models"
	"itinder-backend/internal/store"
)

// Observer is told about every new match after its conversation exists.
type Observer interface {
	MatchCreated(ctx context.Context, a, b *models.User, conversationID string)
}

type Service struct {
	tree      store.Tree
	observers []Observer
	log       *logrus.Entry
}

func NewService(tree store.Tree, log *logrus.Entry, observers ...Observer) *Service {
	return &Service{tree: tree, observers: observers, log: log}
}

func userPath(id string, rest ...string) string {
	return store.Join(append([]string{"users", id}, rest...)...)
}

// Like records that byUserID likes targetUserID by adding byUserID to the
// target's likes. Liking twice has no further effect.
func (s *Service) Like(ctx context.Context, byUserID, targetUserID string) (*models.User, error) {
	const op = "like"
	if err := checkPair(op, byUserID, targetUserID); err != nil {
		return nil, err
	}
	if _, err := s.loadUser(ctx, op, byUserID); err != nil {
		return nil, err
	}
	if _, err := s.loadUser(ctx, op, targetUserID); err != nil {
		return nil, err
	}

	if err := s.addToList(ctx, op, userPath(targetUserID, "likes"), byUserID); err != nil {
		return nil, err
	}
	return s.loadUser(ctx, op, targetUserID)
}

// CheckAndCreateMatch matches the two users if each has liked the other,
// adding each id to the other's matches, acting user first. It returns the
// liked user and whether they are matched. Both writes are idempotent: on
// errs.ErrPartialWrite the call can simply be repeated.
func (s *Service) CheckAndCreateMatch(ctx context.Context, actingUserID, likedUserID string) (*models.User, bool, error) {
	const op = "check and create match"
	if err := checkPair(op, actingUserID, likedUserID); err != nil {
		return nil, false, err
	}
	acting, err := s.loadUser(ctx, op, actingUserID)
	if err != nil {
		return nil, false, err
	}
	liked, err := s.loadUser(ctx, op, likedUserID)
	if err != nil {
		return nil, false, err
	}

	if !acting.LikedBy(liked.Identifier) || !liked.LikedBy(acting.Identifier) {
		return liked, false, nil
	}

	if err := s.addToList(ctx, op, userPath(actingUserID, "matches"), likedUserID); err != nil {
		return nil, false, err
	}
	if err := s.addToList(ctx, op, userPath(likedUserID, "matches"), actingUserID); err != nil {
		return nil, false, errs.E(op, errs.ErrPartialWrite, err)
	}
	if !liked.MatchedWith(actingUserID) {
		liked.Matches = append(liked.Matches, actingUserID)
	}
	return liked, true, nil
}

// CreateConversation returns the conversation shared by a and b, creating it
// on first use. The entry under the lexicographically smaller id decides the
// conversation id; the other side is rewritten to agree with it.
func (s *Service) CreateConversation(ctx context.Context, a, b string) (string, error) {
	const op = "create conversation"
	if err := checkPair(op, a, b); err != nil {
		return "", err
	}
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}

	var (
		conversationID string
		created        bool
	)
	err := s.tree.Transact(ctx, userPath(lo, "conversations", hi), func(current any) (any, error) {
		if current != nil {
			var ref models.ConversationRef
			if err := models.Decode(op, current, &ref); err == nil && ref.ConversationID != "" {
				conversationID, created = ref.ConversationID, false
				return nil, store.ErrAbortTransaction
			}
		}
		conversationID, created = uuid.NewString(), true
		return models.ConversationRef{ConversationID: conversationID, LastMessageWasRead: true}, nil
	})
	if err != nil {
		return "", errs.Store(op, err)
	}

	updates := map[string]any{
		store.Join("conversations", conversationID, "participants", lo): true,
		store.Join("conversations", conversationID, "participants", hi): true,
	}
	other, err := s.tree.Get(ctx, userPath(hi, "conversations", lo))
	if err != nil {
		return "", errs.E(op, errs.ErrPartialWrite, err)
	}
	var ref models.ConversationRef
	if other != nil {
		_ = models.Decode(op, other, &ref)
	}
	switch {
	case created || other == nil:
		updates[userPath(hi, "conversations", lo)] = models.ConversationRef{ConversationID: conversationID, LastMessageWasRead: true}
	case ref.ConversationID != conversationID:
		s.log.WithFields(logrus.Fields{
			"user_id":         hi,
			"companion_id":    lo,
			"conversation_id": conversationID,
			"replica_id":      ref.ConversationID,
		}).Warn("Repairing diverged conversation entry")
		updates[userPath(hi, "conversations", lo, "conversationId")] = conversationID
	}
	if err := s.tree.Update(ctx, "", updates); err != nil {
		return "", errs.E(op, errs.ErrPartialWrite, err)
	}
	return conversationID, nil
}

// Unmatch removes, for both users, the conversation entry, the like and the
// match referencing the other, and deletes the conversation, in one write.
// Unmatching an already unmatched pair succeeds.
func (s *Service) Unmatch(ctx context.Context, currentUserID, companionID, conversationID string) error {
	const op = "unmatch"
	if err := checkPair(op, currentUserID, companionID); err != nil {
		return err
	}
	if !store.ValidKey(conversationID) {
		return errs.E(op, errs.ErrInvalid, nil)
	}
	if err := s.checkParticipant(ctx, op, currentUserID, companionID, conversationID); err != nil {
		return err
	}

	updates := map[string]any{
		store.Join("conversations", conversationID): nil,
	}
	for _, pair := range [][2]string{{currentUserID, companionID}, {companionID, currentUserID}} {
		self, other := pair[0], pair[1]
		u, err := s.loadUser(ctx, op, self)
		if errs.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		updates[userPath(self, "conversations", other)] = nil
		updates[userPath(self, "likes")] = models.Without(u.Likes, other)
		updates[userPath(self, "matches")] = models.Without(u.Matches, other)
	}

	if err := s.tree.Update(ctx, "", updates); err != nil {
		return errs.Store(op, err)
	}
	s.log.WithFields(logrus.Fields{
		"user_id":         currentUserID,
		"companion_id":    companionID,
		"conversation_id": conversationID,
	}).Info("Unmatched")
	return nil
}

// SwipeResult is the outcome of a right swipe.
type SwipeResult struct {
	User           *models.PublicUser `json:"user"`
	Matched        bool               `json:"matched"`
	ConversationID string             `json:"conversationId,omitempty"`
}

// Swipe likes the target and, if the like is mutual, matches the pair and
// opens their conversation.
func (s *Service) Swipe(ctx context.Context, actingUserID, targetUserID string) (*SwipeResult, error) {
	if _, err := s.Like(ctx, actingUserID, targetUserID); err != nil {
		return nil, err
	}
	liked, matched, err := s.CheckAndCreateMatch(ctx, actingUserID, targetUserID)
	if err != nil {
		return nil, err
	}
	if !matched {
		return &SwipeResult{User: liked.Public()}, nil
	}

	conversationID, err := s.CreateConversation(ctx, actingUserID, targetUserID)
	if err != nil {
		return nil, err
	}
	acting, err := s.loadUser(ctx, "swipe", actingUserID)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"user_id":         actingUserID,
		"companion_id":    targetUserID,
		"conversation_id": conversationID,
	}).Info("Match created")
	for _, o := range s.observers {
		o.MatchCreated(ctx, acting, liked, conversationID)
	}
	return &SwipeResult{User: liked.Public(), Matched: true, ConversationID: conversationID}, nil
}

// Entry is one of a user's matches.
type Entry struct {
	User           *models.PublicUser `json:"user"`
	ConversationID string             `json:"conversationId,omitempty"`
}

// Matches lists the user's matched companions. Companions whose profile is
// gone are left out.
func (s *Service) Matches(ctx context.Context, userID string) ([]Entry, error) {
	const op = "list matches"
	u, err := s.loadUser(ctx, op, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(u.Matches))
	for _, id := range u.Matches {
		companion, err := s.loadUser(ctx, op, id)
		if errs.IsNotFound(err) || errs.IsMalformed(err) || errs.IsInvalid(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{User: companion.Public(), ConversationID: u.Conversations[id].ConversationID})
	}
	return out, nil
}

func (s *Service) loadUser(ctx context.Context, op, id string) (*models.User, error) {
	if !store.ValidKey(id) {
		return nil, errs.E(op, errs.ErrInvalid, nil)
	}
	v, err := s.tree.Get(ctx, userPath(id))
	if err != nil {
		return nil, errs.Store(op, err)
	}
	if v == nil {
		return nil, errs.E(op, errs.ErrNotFound, errors.New("user "+id))
	}
	return models.DecodeUser(id, v)
}

// addToList appends id to the list at path unless it is already there.
func (s *Service) addToList(ctx context.Context, op, path, id string) error {
	err := s.tree.Transact(ctx, path, func(current any) (any, error) {
		ids, err := models.DecodeIDs(op, current)
		if err != nil {
			return nil, err
		}
		for _, existing := range ids {
			if existing == id {
				return nil, store.ErrAbortTransaction
			}
		}
		return append(ids, id), nil
	})
	return errs.Store(op, err)
}

// checkParticipant allows the unmatch when the caller's index points at the
// conversation or the conversation lists both users. A conversation that is
// gone is allowed only once the caller has no entry for the companion left.
func (s *Service) checkParticipant(ctx context.Context, op, userID, companionID, conversationID string) error {
	v, err := s.tree.Get(ctx, userPath(userID, "conversations", companionID, "conversationId"))
	if err != nil {
		return errs.Store(op, err)
	}
	indexed, _ := v.(string)
	if indexed == conversationID {
		return nil
	}
	conv, err := s.tree.Get(ctx, store.Join("conversations", conversationID))
	if err != nil {
		return errs.Store(op, err)
	}
	if conv == nil {
		if indexed == "" {
			return nil
		}
		return errs.E(op, errs.ErrForbidden, nil)
	}
	if store.Lookup(conv, []string{"participants", userID}) == true &&
		store.Lookup(conv, []string{"participants", companionID}) == true {
		return nil
	}
	return errs.E(op, errs.ErrForbidden, nil)
}

func checkPair(op, a, b string) error {
	if !store.ValidKey(a) || !store.ValidKey(b) || a == b {
		return errs.E(op, errs.ErrInvalid, nil)
	}
	return nil
}
