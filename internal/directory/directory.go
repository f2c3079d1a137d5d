// Package directory serves user profiles: lookups, profile edits and the
// paginated stream of swipe candidates.
package directory

import (
	"bytes"
	"context"

	"github.com/sirupsen/logrus"

	"itinder-backend/internal/auth"
	"itinder-backend/internal/blob"
	"itinder-backend/internal/errs"
	"itinder-backend/internal/models"
	"itinder-backend/internal/store"
)

const usersPath = "users"

type Service struct {
	tree          store.Tree
	blobs         blob.Store
	allowedImages []string
	log           *logrus.Entry
}

func NewService(tree store.Tree, blobs blob.Store, allowedImages []string, log *logrus.Entry) *Service {
	return &Service{tree: tree, blobs: blobs, allowedImages: allowedImages, log: log}
}

// Page is one batch of candidates. Next is the cursor for the following
// call; it belongs to the caller and is empty only at the very start.
type Page struct {
	Users     []*models.PublicUser `json:"users"`
	Next      string               `json:"next"`
	Exhausted bool                 `json:"exhausted"`
}

// GetCandidates pages backwards through users in key order, starting
// strictly before cursor. The caller and users it already liked are dropped;
// when that empties a page the next one is fetched, so an empty result
// always means the directory is exhausted.
func (s *Service) GetCandidates(ctx context.Context, currentUserID string, pageSize int, cursor string) (*Page, error) {
	const op = "get candidates"
	if pageSize <= 0 {
		return nil, errs.E(op, errs.ErrInvalid, nil)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		children, err := s.tree.QueryByKey(ctx, usersPath, store.KeyQuery{EndBefore: cursor, LimitToLast: pageSize})
		if err != nil {
			return nil, errs.Store(op, err)
		}
		if len(children) == 0 {
			return &Page{Users: []*models.PublicUser{}, Next: cursor, Exhausted: true}, nil
		}
		cursor = children[0].Key

		users := make([]*models.PublicUser, 0, len(children))
		for i := len(children) - 1; i >= 0; i-- {
			c := children[i]
			u, err := models.DecodeUser(c.Key, c.Value)
			if err != nil {
				s.log.WithError(err).WithField("user_id", c.Key).Warn("Skipping malformed user")
				continue
			}
			if u.Identifier == currentUserID || u.LikedBy(currentUserID) {
				continue
			}
			users = append(users, u.Public())
		}
		if len(users) > 0 {
			return &Page{Users: users, Next: cursor}, nil
		}
	}
}

func (s *Service) GetUser(ctx context.Context, id string) (*models.User, error) {
	const op = "get user"
	if !store.ValidKey(id) {
		return nil, errs.E(op, errs.ErrInvalid, nil)
	}
	v, err := s.tree.Get(ctx, store.Join(usersPath, id))
	if err != nil {
		return nil, errs.Store(op, err)
	}
	if v == nil {
		return nil, errs.E(op, errs.ErrNotFound, nil)
	}
	return models.DecodeUser(id, v)
}

// GetCurrentUser loads the user authenticated in ctx.
func (s *Service) GetCurrentUser(ctx context.Context) (*models.User, error) {
	id, err := auth.UserID(ctx)
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, id)
}

// SaveProfile writes the editable profile fields and, when image is given,
// a new avatar, leaving every other child of the user untouched.
func (s *Service) SaveProfile(ctx context.Context, userID string, profile models.Profile, image []byte) (*models.User, error) {
	const op = "save profile"
	if !store.ValidKey(userID) {
		return nil, errs.E(op, errs.ErrInvalid, nil)
	}

	var imageURL string
	if len(image) > 0 {
		contentType, err := blob.DetectImage(image, s.allowedImages)
		if err != nil {
			return nil, errs.E(op, errs.ErrInvalid, err)
		}
		imageURL, err = s.blobs.Upload(ctx, blob.AvatarKey(userID), contentType, bytes.NewReader(image), int64(len(image)))
		if err != nil {
			return nil, errs.Store(op, err)
		}
	}

	values := map[string]any{
		"identifier":  userID,
		"name":        profile.Name,
		"position":    profile.Position,
		"description": optional(profile.Description),
		"birthDate":   optional(profile.BirthDate),
		"city":        optional(profile.City),
		"education":   optional(profile.Education),
		"company":     optional(profile.Company),
		"employment":  optional(profile.Employment),
	}
	if imageURL != "" {
		values["imageUrl"] = imageURL
	}
	if err := s.tree.Update(ctx, store.Join(usersPath, userID), values); err != nil {
		return nil, errs.Store(op, err)
	}
	return s.GetUser(ctx, userID)
}

// optional maps an empty field to a deletion.
func optional(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// SetPushToken records the device that should receive the user's
// notifications.
func (s *Service) SetPushToken(ctx context.Context, userID string, token models.PushToken) error {
	if err := s.tree.Set(ctx, store.Join(usersPath, userID, "pushToken"), token); err != nil {
		return errs.Store("set push token", err)
	}
	return nil
}

// ResetSwipes clears every user's likes and matches in one write and
// returns how many users were reset.
func (s *Service) ResetSwipes(ctx context.Context) (int, error) {
	const op = "reset swipes"
	children, err := s.tree.QueryByKey(ctx, usersPath, store.KeyQuery{})
	if err != nil {
		return 0, errs.Store(op, err)
	}
	updates := make(map[string]any, 2*len(children))
	for _, c := range children {
		updates[store.Join(c.Key, "likes")] = nil
		updates[store.Join(c.Key, "matches")] = nil
	}
	if len(updates) == 0 {
		return 0, nil
	}
	if err := s.tree.Update(ctx, usersPath, updates); err != nil {
		return 0, errs.Store(op, err)
	}
	s.log.WithField("users", len(children)).Info("Reset likes and matches")
	return len(children), nil
}
