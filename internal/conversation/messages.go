package conversation

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"itinder-backend/internal/errs"
	"itinder-backend/internal/models"
	"itinder-backend/internal/store"
)

// CacheProvider returns the messages the caller already holds, keyed by id.
// It is called once per change of the message log.
type CacheProvider func() map[string]models.Message

// Messages maps message ids to messages.
type Messages map[string]models.Message

func (m Messages) clone() Messages {
	out := make(Messages, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type photoJob struct {
	message models.Message
	url     string
}

type photoResult struct {
	batch   uint64
	message models.Message
	err     error
}

// messageFeed holds the state of one ObserveMessages call. Only its run
// goroutine touches it.
type messageFeed struct {
	svc            *Service
	conversationID string
	cache          CacheProvider
	feed           *Feed[Messages]
	log            *logrus.Entry

	senders  map[string]models.Sender
	current  Messages
	batch    uint64
	cancel   context.CancelFunc
	resolved chan photoResult
}

// ObserveMessages delivers the conversation's messages every time its log
// changes. Messages found in the caller's cache are passed through as they
// are. The others get their sender resolved first, each distinct sender
// once; photo messages are delivered with a placeholder and delivered again
// once their image has been downloaded. A later change of the log abandons
// downloads still running for the previous one.
func (s *Session) ObserveMessages(ctx context.Context, conversationID string, cache CacheProvider) (*Feed[Messages], error) {
	const op = "observe messages"
	if !store.ValidKey(conversationID) {
		return nil, errs.E(op, errs.ErrInvalid, nil)
	}
	if cache == nil {
		cache = func() map[string]models.Message { return nil }
	}
	feed, ctx := newFeed[Messages](ctx)
	sub, err := s.svc.tree.Subscribe(ctx, conversationPath(conversationID, "messages"))
	if err != nil {
		feed.Stop()
		return nil, errs.Store(op, err)
	}
	if err := s.track(s.messages, conversationID, feed); err != nil {
		sub.Cancel()
		return nil, err
	}

	mf := &messageFeed{
		svc:            s.svc,
		conversationID: conversationID,
		cache:          cache,
		feed:           feed,
		log:            s.svc.log.WithField("conversation_id", conversationID),
		senders:        make(map[string]models.Sender),
		resolved:       make(chan photoResult),
	}
	go mf.run(ctx, sub)
	return feed, nil
}

func (m *messageFeed) run(ctx context.Context, sub *store.Subscription) {
	defer m.feed.finish()
	defer sub.Cancel()
	defer func() {
		if m.cancel != nil {
			m.cancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.Updates():
			if !ok {
				return
			}
			if !m.handleLog(ctx, snap) {
				return
			}
		case r := <-m.resolved:
			if r.batch != m.batch {
				continue
			}
			ev := Event[Messages]{Err: r.err}
			if r.err == nil {
				m.current[r.message.ID] = r.message
			}
			ev.Value = m.current.clone()
			if !m.feed.emit(ctx, ev) {
				return
			}
		}
	}
}

// handleLog rebuilds the message map from one snapshot of the log and
// delivers it. It returns false once the feed is gone.
func (m *messageFeed) handleLog(ctx context.Context, snap store.Snapshot) bool {
	if m.cancel != nil {
		m.cancel()
	}
	m.batch++
	batchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if snap.Err != nil {
		return m.feed.emit(ctx, Event[Messages]{Value: m.current.clone(), Err: errs.Store("observe messages", snap.Err)})
	}

	records := m.records(snap.Value)
	cached := m.cache()

	if err := m.resolveSenders(ctx, records, cached); err != nil {
		if ctx.Err() != nil {
			return false
		}
		return m.feed.emit(ctx, Event[Messages]{Value: m.current.clone(), Err: err})
	}

	next := make(Messages, len(records))
	var photos []photoJob
	for _, rec := range records {
		// A photo already delivered with its image is never sent back as a placeholder.
		if prev, ok := m.current[rec.MessageID]; ok && resolvedPhoto(prev, rec.Attachment) {
			if msg, ok := cached[rec.MessageID]; !ok || msg.Photo == nil || msg.Photo.Placeholder {
				next[rec.MessageID] = prev
				continue
			}
		}
		if msg, ok := cached[rec.MessageID]; ok {
			next[rec.MessageID] = msg
			// A placeholder cached by the caller still needs its image.
			if msg.Photo != nil && msg.Photo.Placeholder && rec.Attachment != "" {
				photos = append(photos, photoJob{message: msg, url: rec.Attachment})
			}
			continue
		}
		msg, ok := m.build(rec)
		if !ok {
			continue
		}
		next[rec.MessageID] = msg
		if msg.Photo != nil && rec.Attachment != "" {
			photos = append(photos, photoJob{message: msg, url: rec.Attachment})
		}
	}
	m.current = next

	if !m.feed.emit(ctx, Event[Messages]{Value: m.current.clone()}) {
		return false
	}
	for _, job := range photos {
		go m.download(batchCtx, m.batch, job)
	}
	return true
}

// records decodes the raw log, skipping entries that do not parse.
func (m *messageFeed) records(log any) []models.MessageRecord {
	entries := store.Children(log)
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]models.MessageRecord, 0, len(keys))
	for _, k := range keys {
		var rec models.MessageRecord
		if err := models.Decode("decode message", entries[k], &rec); err != nil {
			m.log.WithError(err).WithField("message_id", k).Warn("Skipping malformed message")
			continue
		}
		if rec.MessageID == "" {
			rec.MessageID = k
		}
		out = append(out, rec)
	}
	return out
}

// resolveSenders looks up every distinct sender not yet known, concurrently,
// and returns once all of them are done. Users that cannot be found resolve
// to a bare id.
func (m *messageFeed) resolveSenders(ctx context.Context, records []models.MessageRecord, cached map[string]models.Message) error {
	pending := make(map[string]struct{})
	for _, rec := range records {
		if _, ok := cached[rec.MessageID]; ok {
			continue
		}
		if _, ok := m.senders[rec.Sender]; !ok {
			pending[rec.Sender] = struct{}{}
		}
	}
	if len(pending) == 0 {
		return nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for id := range pending {
		id := id
		g.Go(func() error {
			sender, err := m.svc.loadSender(gctx, id)
			if err != nil && errs.IsStore(err) {
				return err
			}
			if err != nil {
				m.log.WithError(err).WithField("user_id", id).Warn("Message sender unavailable")
			}
			mu.Lock()
			m.senders[id] = sender
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func resolvedPhoto(msg models.Message, url string) bool {
	return msg.Photo != nil && !msg.Photo.Placeholder && msg.Photo.URL == url
}

func (m *messageFeed) build(rec models.MessageRecord) (models.Message, bool) {
	sentAt, err := rec.SentAt()
	if err != nil {
		m.log.WithError(err).WithField("message_id", rec.MessageID).Warn("Skipping message with bad date")
		return models.Message{}, false
	}
	msg := models.Message{
		ID:     rec.MessageID,
		Sender: m.senders[rec.Sender],
		SentAt: sentAt,
		Kind:   rec.MessageType,
	}
	switch rec.MessageType {
	case models.MessageTypePhoto:
		msg.Text = rec.Text
		msg.Photo = &models.Photo{URL: rec.Attachment, Placeholder: true}
	case models.MessageTypeText:
		msg.Text = rec.Text
	default:
		m.log.WithFields(logrus.Fields{
			"message_id":   rec.MessageID,
			"message_type": rec.MessageType,
		}).Warn("Skipping message of unknown type")
		return models.Message{}, false
	}
	return msg, true
}

// download fetches a photo and hands the resolved message to the run loop.
func (m *messageFeed) download(ctx context.Context, batch uint64, job photoJob) {
	r := photoResult{batch: batch, message: job.message}
	obj, err := m.svc.blobs.Download(ctx, job.url, m.svc.cfg.MaxPhotoSize)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.err = errs.E("download photo", errs.ErrStore, err)
	} else {
		photo := *job.message.Photo
		photo.Placeholder = false
		photo.Data = obj.Data
		photo.ContentType = obj.ContentType
		r.message.Photo = &photo
	}

	select {
	case m.resolved <- r:
	case <-ctx.Done():
	}
}
