// Package conversation keeps clients in sync with their conversations: the
// conversation list, each conversation's last message, and the message log
// itself, enriched with sender identities and downloaded photos.
package conversation

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"itinder-backend/internal/blob"
	"itinder-backend/internal/errs"
	"itinder-backend/internal/models"
	"itinder-backend/internal/store"
)

// MessageObserver is told about every message after it is stored.
type MessageObserver interface {
	MessageSent(ctx context.Context, conversationID string, from *models.User, toUserID string, rec models.MessageRecord)
}

type Config struct {
	// MaxPhotoSize caps attachment downloads.
	MaxPhotoSize int64
	// AllowedImageTypes limits what SendPhoto accepts.
	AllowedImageTypes []string
}

type Service struct {
	tree      store.Tree
	blobs     blob.Store
	cfg       Config
	observers []MessageObserver
	log       *logrus.Entry
	now       func() time.Time
}

func NewService(tree store.Tree, blobs blob.Store, cfg Config, log *logrus.Entry, observers ...MessageObserver) *Service {
	return &Service{
		tree:      tree,
		blobs:     blobs,
		cfg:       cfg,
		observers: observers,
		log:       log,
		now:       time.Now,
	}
}

func conversationPath(id string, rest ...string) string {
	return store.Join(append([]string{"conversations", id}, rest...)...)
}

func indexPath(userID string, rest ...string) string {
	return store.Join(append([]string{"users", userID, "conversations"}, rest...)...)
}

// SetLastMessageWasRead marks the conversation with companionID as read for
// currentUserID.
func (s *Service) SetLastMessageWasRead(ctx context.Context, currentUserID, companionID string) error {
	const op = "set last message was read"
	if _, err := s.conversationID(ctx, op, currentUserID, companionID); err != nil {
		return err
	}
	if err := s.tree.Set(ctx, indexPath(currentUserID, companionID, "lastMessageWasRead"), true); err != nil {
		return errs.Store(op, err)
	}
	return nil
}

// SendText appends a text message to the conversation between the two users.
func (s *Service) SendText(ctx context.Context, senderID, companionID, text string) (*models.MessageRecord, error) {
	const op = "send text"
	if text == "" {
		return nil, errs.E(op, errs.ErrInvalid, nil)
	}
	conversationID, err := s.conversationID(ctx, op, senderID, companionID)
	if err != nil {
		return nil, err
	}
	rec := models.MessageRecord{
		Date:        models.FormatDate(s.now()),
		MessageID:   uuid.NewString(),
		Sender:      senderID,
		MessageType: models.MessageTypeText,
		Text:        text,
	}
	if err := s.store(ctx, op, conversationID, companionID, rec); err != nil {
		return nil, err
	}
	s.announce(ctx, conversationID, companionID, rec)
	return &rec, nil
}

// SendPhoto uploads image as the attachment of a new photo message. The
// upload is removed again if the message cannot be stored.
func (s *Service) SendPhoto(ctx context.Context, senderID, companionID string, image []byte) (*models.MessageRecord, error) {
	const op = "send photo"
	contentType, err := blob.DetectImage(image, s.cfg.AllowedImageTypes)
	if err != nil {
		return nil, errs.E(op, errs.ErrInvalid, err)
	}
	conversationID, err := s.conversationID(ctx, op, senderID, companionID)
	if err != nil {
		return nil, err
	}

	messageID := uuid.NewString()
	key := blob.AttachmentKey(conversationID, messageID)
	url, err := s.blobs.Upload(ctx, key, contentType, bytes.NewReader(image), int64(len(image)))
	if err != nil {
		return nil, errs.Store(op, err)
	}

	rec := models.MessageRecord{
		Date:        models.FormatDate(s.now()),
		MessageID:   messageID,
		Sender:      senderID,
		MessageType: models.MessageTypePhoto,
		Text:        models.AttachmentText,
		Attachment:  url,
	}
	if err := s.store(ctx, op, conversationID, companionID, rec); err != nil {
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), key); derr != nil {
			s.log.WithError(derr).WithField("key", key).Error("Failed to remove orphaned attachment")
		}
		return nil, err
	}
	s.announce(ctx, conversationID, companionID, rec)
	return &rec, nil
}

// store writes the message, the last message pointer and the companion's
// unread flag together.
func (s *Service) store(ctx context.Context, op, conversationID, companionID string, rec models.MessageRecord) error {
	err := s.tree.Update(ctx, "", map[string]any{
		conversationPath(conversationID, "messages", rec.MessageID): rec,
		conversationPath(conversationID, "lastMessage"):             rec.MessageID,
		indexPath(companionID, rec.Sender, "lastMessageWasRead"):    false,
	})
	return errs.Store(op, err)
}

func (s *Service) announce(ctx context.Context, conversationID, toUserID string, rec models.MessageRecord) {
	if len(s.observers) == 0 {
		return
	}
	from, err := s.loadSender(ctx, rec.Sender)
	if err != nil {
		s.log.WithError(err).WithField("user_id", rec.Sender).Warn("Failed to load message sender")
		return
	}
	user := &models.User{Identifier: from.ID, Name: from.DisplayName, ImageURL: from.PhotoURL}
	for _, o := range s.observers {
		o.MessageSent(ctx, conversationID, user, toUserID, rec)
	}
}

// conversationID looks up the conversation userID keeps with companionID.
func (s *Service) conversationID(ctx context.Context, op, userID, companionID string) (string, error) {
	if !store.ValidKey(userID) || !store.ValidKey(companionID) || userID == companionID {
		return "", errs.E(op, errs.ErrInvalid, nil)
	}
	v, err := s.tree.Get(ctx, indexPath(userID, companionID, "conversationId"))
	if err != nil {
		return "", errs.Store(op, err)
	}
	id, _ := v.(string)
	if id == "" {
		return "", errs.E(op, errs.ErrNotFound, nil)
	}
	return id, nil
}

// loadSender resolves a user id into the identity shown next to messages.
func (s *Service) loadSender(ctx context.Context, id string) (models.Sender, error) {
	const op = "resolve sender"
	if !store.ValidKey(id) {
		return models.Sender{ID: id}, errs.E(op, errs.ErrMalformed, nil)
	}
	v, err := s.tree.Get(ctx, store.Join("users", id))
	if err != nil {
		return models.Sender{ID: id}, errs.Store(op, err)
	}
	if v == nil {
		return models.Sender{ID: id}, errs.E(op, errs.ErrNotFound, nil)
	}
	u, err := models.DecodeUser(id, v)
	if err != nil {
		return models.Sender{ID: id}, err
	}
	return models.Sender{ID: u.Identifier, DisplayName: u.Name, PhotoURL: u.ImageURL}, nil
}

// IsParticipant reports whether userID takes part in the conversation.
func (s *Service) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	const op = "check participant"
	if !store.ValidKey(userID) || !store.ValidKey(conversationID) {
		return false, errs.E(op, errs.ErrInvalid, nil)
	}
	v, err := s.tree.Get(ctx, conversationPath(conversationID, "participants", userID))
	if err != nil {
		return false, errs.Store(op, err)
	}
	return v == true, nil
}
