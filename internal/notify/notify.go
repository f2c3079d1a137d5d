// Package notify sends push notifications for new matches and messages to
// the device stored at users/{id}/pushToken.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"itinder-backend/internal/models"
	"itinder-backend/internal/store"
)

const sendTimeout = 10 * time.Second

type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

// Sender delivers to one push platform.
type Sender interface {
	Send(ctx context.Context, deviceToken string, n Notification) error
}

// Dispatcher routes notifications by the platform of the recipient's device.
// Delivery happens in the background; failures are logged.
type Dispatcher struct {
	tree    store.Tree
	senders map[string]Sender
	log     *logrus.Entry
	wg      sync.WaitGroup
}

func NewDispatcher(tree store.Tree, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{tree: tree, senders: make(map[string]Sender), log: log}
}

// Register routes devices of platform through s.
func (d *Dispatcher) Register(platform string, s Sender) {
	d.senders[platform] = s
}

// Enabled reports whether any platform is configured.
func (d *Dispatcher) Enabled() bool { return len(d.senders) > 0 }

// Notify queues n for userID.
func (d *Dispatcher) Notify(ctx context.Context, userID string, n Notification) {
	if !d.Enabled() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		if err := d.deliver(ctx, userID, n); err != nil {
			d.log.WithError(err).WithField("user_id", userID).Warn("Push notification failed")
		}
	}()
}

// Wait blocks until queued notifications are delivered.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) deliver(ctx context.Context, userID string, n Notification) error {
	v, err := d.tree.Get(ctx, store.Join("users", userID, "pushToken"))
	if err != nil || v == nil {
		return err
	}
	var tok models.PushToken
	if err := models.Decode("load push token", v, &tok); err != nil {
		return err
	}
	sender, ok := d.senders[tok.Platform]
	if !ok || tok.Token == "" {
		d.log.WithField("platform", tok.Platform).Debug("No push sender for platform")
		return nil
	}
	return sender.Send(ctx, tok.Token, n)
}

// MatchCreated tells both users about their new match.
func (d *Dispatcher) MatchCreated(ctx context.Context, a, b *models.User, conversationID string) {
	for _, pair := range [][2]*models.User{{a, b}, {b, a}} {
		to, with := pair[0], pair[1]
		d.Notify(ctx, to.Identifier, Notification{
			Title: "It's a match!",
			Body:  "You and " + with.Name + " liked each other",
			Data: map[string]string{
				"type":           "match",
				"companionId":    with.Identifier,
				"conversationId": conversationID,
			},
		})
	}
}

// MessageSent tells the recipient about a new message.
func (d *Dispatcher) MessageSent(ctx context.Context, conversationID string, from *models.User, toUserID string, rec models.MessageRecord) {
	d.Notify(ctx, toUserID, Notification{
		Title: from.Name,
		Body:  rec.Text,
		Data: map[string]string{
			"type":           "message",
			"conversationId": conversationID,
			"messageId":      rec.MessageID,
			"senderId":       rec.Sender,
		},
	})
}
