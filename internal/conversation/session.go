package conversation

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"itinder-backend/internal/errs"
	"itinder-backend/internal/models"
	"itinder-backend/internal/store"
)

// ErrSessionClosed is returned when observing on a closed session.
var ErrSessionClosed = errs.E("observe", errs.ErrInvalid, nil)

// Session owns the feeds of one client. Observing something already
// observed replaces the earlier feed. Close stops everything.
type Session struct {
	svc *Service

	mu       sync.Mutex
	lists    map[string]stopper
	previews map[string]stopper
	messages map[string]stopper
	closed   bool
}

func (s *Service) NewSession() *Session {
	return &Session{
		svc:      s,
		lists:    make(map[string]stopper),
		previews: make(map[string]stopper),
		messages: make(map[string]stopper),
	}
}

// track registers f under key, stopping whatever was there before.
func (s *Session) track(m map[string]stopper, key string, f stopper) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		f.Stop()
		return ErrSessionClosed
	}
	prev := m[key]
	m[key] = f
	s.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	go func() {
		<-f.Done()
		s.mu.Lock()
		if m[key] == f {
			delete(m, key)
		}
		s.mu.Unlock()
	}()
	return nil
}

func (s *Session) stop(m map[string]stopper, key string) {
	s.mu.Lock()
	f := m[key]
	delete(m, key)
	s.mu.Unlock()
	if f != nil {
		f.Stop()
	}
}

func (s *Session) stopAll(m map[string]stopper) {
	s.mu.Lock()
	feeds := make([]stopper, 0, len(m))
	for k, f := range m {
		feeds = append(feeds, f)
		delete(m, k)
	}
	s.mu.Unlock()
	for _, f := range feeds {
		f.Stop()
	}
}

// ObserveConversationList delivers the user's companions, ordered by
// companion id, every time the user's conversation index changes.
func (s *Session) ObserveConversationList(ctx context.Context, userID string) (*Feed[[]models.Companion], error) {
	const op = "observe conversation list"
	if !store.ValidKey(userID) {
		return nil, errs.E(op, errs.ErrInvalid, nil)
	}
	feed, ctx := newFeed[[]models.Companion](ctx)
	sub, err := s.svc.tree.Subscribe(ctx, indexPath(userID))
	if err != nil {
		feed.Stop()
		return nil, errs.Store(op, err)
	}
	if err := s.track(s.lists, userID, feed); err != nil {
		sub.Cancel()
		return nil, err
	}

	go func() {
		defer feed.finish()
		defer sub.Cancel()
		for snap := range sub.Updates() {
			var ev Event[[]models.Companion]
			if snap.Err != nil {
				ev.Err = errs.Store(op, snap.Err)
			} else {
				ev.Value = s.companions(userID, snap.Value)
			}
			if !feed.emit(ctx, ev) {
				return
			}
		}
	}()
	return feed, nil
}

func (s *Session) companions(userID string, index any) []models.Companion {
	entries := store.Children(index)
	out := make([]models.Companion, 0, len(entries))
	for companionID, v := range entries {
		var ref models.ConversationRef
		if err := models.Decode("decode conversation entry", v, &ref); err != nil || ref.ConversationID == "" {
			s.svc.log.WithError(err).WithFields(logrus.Fields{
				"user_id":      userID,
				"companion_id": companionID,
			}).Warn("Skipping malformed conversation entry")
			continue
		}
		out = append(out, models.Companion{
			CompanionID:        companionID,
			ConversationID:     ref.ConversationID,
			LastMessageWasRead: ref.LastMessageWasRead,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompanionID < out[j].CompanionID })
	return out
}

// StopObservingConversationList stops the user's list feed, if any.
func (s *Session) StopObservingConversationList(userID string) {
	s.stop(s.lists, userID)
}

// ObserveLastMessagePreview delivers the text of the conversation's last
// message whenever it changes. Pointer and text come from the same snapshot.
func (s *Session) ObserveLastMessagePreview(ctx context.Context, conversationID string) (*Feed[models.Preview], error) {
	const op = "observe last message preview"
	if !store.ValidKey(conversationID) {
		return nil, errs.E(op, errs.ErrInvalid, nil)
	}
	feed, ctx := newFeed[models.Preview](ctx)
	sub, err := s.svc.tree.Subscribe(ctx, conversationPath(conversationID))
	if err != nil {
		feed.Stop()
		return nil, errs.Store(op, err)
	}
	if err := s.track(s.previews, conversationID, feed); err != nil {
		sub.Cancel()
		return nil, err
	}

	go func() {
		defer feed.finish()
		defer sub.Cancel()
		var (
			last      models.Preview
			delivered bool
		)
		for snap := range sub.Updates() {
			var ev Event[models.Preview]
			if snap.Err != nil {
				ev = Event[models.Preview]{Value: last, Err: errs.Store(op, snap.Err)}
			} else {
				p := preview(conversationID, snap.Value)
				if delivered && p == last {
					continue
				}
				last, delivered = p, true
				ev.Value = p
			}
			if !feed.emit(ctx, ev) {
				return
			}
		}
	}()
	return feed, nil
}

func preview(conversationID string, conversation any) models.Preview {
	p := models.Preview{ConversationID: conversationID}
	p.MessageID, _ = store.Lookup(conversation, []string{"lastMessage"}).(string)
	if p.MessageID != "" && store.ValidKey(p.MessageID) {
		p.Text, _ = store.Lookup(conversation, []string{"messages", p.MessageID, "text"}).(string)
	}
	return p
}

// StopObservingPreviews stops every preview feed of the session.
func (s *Session) StopObservingPreviews() {
	s.stopAll(s.previews)
}

// StopObservingPreview stops the preview feed of one conversation.
func (s *Session) StopObservingPreview(conversationID string) {
	s.stop(s.previews, conversationID)
}

// StopObservingMessages stops the message feed of the conversation, if any.
func (s *Session) StopObservingMessages(conversationID string) {
	s.stop(s.messages, conversationID)
}

// Close stops every feed and rejects new ones.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopAll(s.lists)
	s.stopAll(s.previews)
	s.stopAll(s.messages)
}

// Active returns how many feeds the session holds.
func (s *Session) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lists) + len(s.previews) + len(s.messages)
}
