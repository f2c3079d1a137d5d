package conversation

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itinder-backend/internal/blob"
	"itinder-backend/internal/errs"
	"itinder-backend/internal/models"
	"itinder-backend/internal/store"
	"itinder-backend/internal/store/memtree"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

// countingTree records which user records were read.
type countingTree struct {
	store.Tree

	mu    sync.Mutex
	reads map[string]int
}

func (c *countingTree) Get(ctx context.Context, path string) (any, error) {
	c.mu.Lock()
	c.reads[path]++
	c.mu.Unlock()
	return c.Tree.Get(ctx, path)
}

func (c *countingTree) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads[path]
}

type fixture struct {
	svc   *Service
	mem   *memtree.Tree
	tree  *countingTree
	blobs *blob.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := memtree.New()
	t.Cleanup(func() { _ = mem.Close() })
	tree := &countingTree{Tree: mem, reads: make(map[string]int)}
	blobs := blob.NewMemoryStore("http://blobs.test")
	svc := NewService(tree, blobs, Config{
		MaxPhotoSize:      1 << 20,
		AllowedImageTypes: []string{"image/png", "image/jpeg"},
	}, logrus.NewEntry(logrus.New()))

	ctx := context.Background()
	for _, u := range []models.User{
		{Identifier: "u1", Name: "Ann", ImageURL: "http://blobs.test/avatars/u1.jpg"},
		{Identifier: "u2", Name: "Bob"},
	} {
		require.NoError(t, mem.Set(ctx, "users/"+u.Identifier, u))
	}
	require.NoError(t, mem.Update(ctx, "", map[string]any{
		"users/u1/conversations/u2":     models.ConversationRef{ConversationID: "c1", LastMessageWasRead: true},
		"users/u2/conversations/u1":     models.ConversationRef{ConversationID: "c1", LastMessageWasRead: true},
		"conversations/c1/participants": map[string]any{"u1": true, "u2": true},
	}))
	return &fixture{svc: svc, mem: mem, tree: tree, blobs: blobs}
}

func (f *fixture) putMessage(t *testing.T, rec models.MessageRecord) {
	t.Helper()
	require.NoError(t, f.mem.Update(context.Background(), "conversations/c1", map[string]any{
		"messages/" + rec.MessageID: rec,
		"lastMessage":               rec.MessageID,
	}))
}

func next[T any](t *testing.T, feed *Feed[T]) Event[T] {
	t.Helper()
	select {
	case ev, ok := <-feed.Events():
		require.True(t, ok, "feed closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	panic("unreachable")
}

func textRecord(id, sender, text string) models.MessageRecord {
	return models.MessageRecord{
		Date:        "21-08-11 09:5:07.1234 +0300",
		MessageID:   id,
		Sender:      sender,
		MessageType: models.MessageTypeText,
		Text:        text,
	}
}

func TestConversationList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.svc.NewSession()
	t.Cleanup(session.Close)

	require.NoError(t, f.mem.Set(ctx, "users/u3", models.User{Identifier: "u3"}))
	require.NoError(t, f.mem.Set(ctx, "users/u1/conversations/u0", map[string]any{"bogus": 1}))

	feed, err := session.ObserveConversationList(ctx, "u1")
	require.NoError(t, err)

	ev := next(t, feed)
	require.NoError(t, ev.Err)
	assert.Equal(t, []models.Companion{{CompanionID: "u2", ConversationID: "c1", LastMessageWasRead: true}}, ev.Value)

	require.NoError(t, f.mem.Set(ctx, "users/u1/conversations/u3", models.ConversationRef{ConversationID: "c2"}))
	ev = next(t, feed)
	require.NoError(t, ev.Err)
	require.Len(t, ev.Value, 2)
	assert.Equal(t, "u2", ev.Value[0].CompanionID)
	assert.Equal(t, "u3", ev.Value[1].CompanionID)
	assert.False(t, ev.Value[1].LastMessageWasRead)
}

func TestLastMessagePreview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.svc.NewSession()
	t.Cleanup(session.Close)

	feed, err := session.ObserveLastMessagePreview(ctx, "c1")
	require.NoError(t, err)
	ev := next(t, feed)
	require.NoError(t, ev.Err)
	assert.Equal(t, models.Preview{ConversationID: "c1"}, ev.Value)

	f.putMessage(t, textRecord("m1", "u1", "hello"))
	ev = next(t, feed)
	assert.Equal(t, models.Preview{ConversationID: "c1", MessageID: "m1", Text: "hello"}, ev.Value)

	// Participants changing does not produce a duplicate preview.
	require.NoError(t, f.mem.Set(ctx, "conversations/c1/participants/u3", true))
	f.putMessage(t, textRecord("m2", "u2", "hi back"))
	ev = next(t, feed)
	assert.Equal(t, models.Preview{ConversationID: "c1", MessageID: "m2", Text: "hi back"}, ev.Value)
}

func TestMessagesReuseCacheAndResolveSendersOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.svc.NewSession()
	t.Cleanup(session.Close)

	f.putMessage(t, textRecord("m1", "u9", "stored"))
	f.putMessage(t, textRecord("m2", "u1", "one"))
	f.putMessage(t, textRecord("m3", "u1", "two"))

	cachedM1 := models.Message{ID: "m1", Sender: models.Sender{ID: "u9", DisplayName: "Cached"}, Kind: models.MessageTypeText, Text: "from cache"}
	feed, err := session.ObserveMessages(ctx, "c1", func() map[string]models.Message {
		return map[string]models.Message{"m1": cachedM1}
	})
	require.NoError(t, err)

	ev := next(t, feed)
	require.NoError(t, ev.Err)
	require.Len(t, ev.Value, 3)
	assert.Equal(t, cachedM1, ev.Value["m1"])
	assert.Equal(t, "one", ev.Value["m2"].Text)
	assert.Equal(t, models.Sender{ID: "u1", DisplayName: "Ann", PhotoURL: "http://blobs.test/avatars/u1.jpg"}, ev.Value["m3"].Sender)
	assert.Equal(t, 2021, ev.Value["m2"].SentAt.Year())

	assert.Equal(t, 0, f.tree.count("users/u9"))
	assert.Equal(t, 1, f.tree.count("users/u1"))

	f.putMessage(t, textRecord("m4", "u1", "three"))
	ev = next(t, feed)
	require.NoError(t, ev.Err)
	assert.Len(t, ev.Value, 4)
	assert.Equal(t, 1, f.tree.count("users/u1"))
}

func TestMessagesWithUnknownSender(t *testing.T) {
	f := newFixture(t)
	session := f.svc.NewSession()
	t.Cleanup(session.Close)

	f.putMessage(t, textRecord("m1", "ghost", "boo"))
	f.putMessage(t, models.MessageRecord{MessageID: "m2", Sender: "u1", MessageType: models.MessageTypeText, Date: "yesterday"})

	feed, err := session.ObserveMessages(context.Background(), "c1", nil)
	require.NoError(t, err)
	ev := next(t, feed)
	require.NoError(t, ev.Err)
	require.Len(t, ev.Value, 1)
	assert.Equal(t, models.Sender{ID: "ghost"}, ev.Value["m1"].Sender)
}

func TestPhotoMessageIsDeliveredAsPlaceholderFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.svc.NewSession()
	t.Cleanup(session.Close)

	url, err := f.blobs.Upload(ctx, blob.AttachmentKey("c1", "m1"), "image/png", bytes.NewReader(pngHeader), int64(len(pngHeader)))
	require.NoError(t, err)
	rec := textRecord("m1", "u2", models.AttachmentText)
	rec.MessageType = models.MessageTypePhoto
	rec.Attachment = url
	f.putMessage(t, rec)

	feed, err := session.ObserveMessages(ctx, "c1", nil)
	require.NoError(t, err)

	ev := next(t, feed)
	require.NoError(t, ev.Err)
	placeholder := ev.Value["m1"]
	require.NotNil(t, placeholder.Photo)
	assert.True(t, placeholder.Photo.Placeholder)
	assert.Equal(t, url, placeholder.Photo.URL)
	assert.Equal(t, models.AttachmentText, placeholder.Text)

	ev = next(t, feed)
	require.NoError(t, ev.Err)
	resolved := ev.Value["m1"]
	require.NotNil(t, resolved.Photo)
	assert.False(t, resolved.Photo.Placeholder)
	assert.Equal(t, pngHeader, resolved.Photo.Data)
	assert.Equal(t, "image/png", resolved.Photo.ContentType)
	assert.Equal(t, placeholder.ID, resolved.ID)
	assert.Equal(t, placeholder.Sender, resolved.Sender)
}

func TestResolvedPhotoSurvivesLaterMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.svc.NewSession()
	t.Cleanup(session.Close)

	url, err := f.blobs.Upload(ctx, blob.AttachmentKey("c1", "m1"), "image/png", bytes.NewReader(pngHeader), int64(len(pngHeader)))
	require.NoError(t, err)
	rec := textRecord("m1", "u2", models.AttachmentText)
	rec.MessageType = models.MessageTypePhoto
	rec.Attachment = url
	f.putMessage(t, rec)

	// The caller never updates its cache.
	feed, err := session.ObserveMessages(ctx, "c1", func() map[string]models.Message { return nil })
	require.NoError(t, err)

	ev := next(t, feed)
	require.NoError(t, ev.Err)
	assert.True(t, ev.Value["m1"].Photo.Placeholder)
	ev = next(t, feed)
	require.NoError(t, ev.Err)
	require.False(t, ev.Value["m1"].Photo.Placeholder)

	f.putMessage(t, textRecord("m2", "u1", "nice"))

	ev = next(t, feed)
	require.NoError(t, ev.Err)
	require.Contains(t, ev.Value, "m2")
	photo := ev.Value["m1"].Photo
	require.NotNil(t, photo)
	assert.False(t, photo.Placeholder)
	assert.Equal(t, pngHeader, photo.Data)

	select {
	case ev := <-feed.Events():
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPhotoDownloadFailureKeepsPlaceholder(t *testing.T) {
	f := newFixture(t)
	session := f.svc.NewSession()
	t.Cleanup(session.Close)

	rec := textRecord("m1", "u2", models.AttachmentText)
	rec.MessageType = models.MessageTypePhoto
	rec.Attachment = "http://blobs.test/c1/m1/Attachment"
	f.putMessage(t, rec)

	feed, err := session.ObserveMessages(context.Background(), "c1", nil)
	require.NoError(t, err)

	ev := next(t, feed)
	require.NoError(t, ev.Err)
	assert.True(t, ev.Value["m1"].Photo.Placeholder)

	ev = next(t, feed)
	require.Error(t, ev.Err)
	assert.True(t, errs.IsStore(ev.Err))
	assert.True(t, ev.Value["m1"].Photo.Placeholder)
}

func TestEmptyConversationDeliversEmptyMap(t *testing.T) {
	f := newFixture(t)
	session := f.svc.NewSession()
	t.Cleanup(session.Close)

	feed, err := session.ObserveMessages(context.Background(), "c1", nil)
	require.NoError(t, err)
	ev := next(t, feed)
	require.NoError(t, ev.Err)
	assert.NotNil(t, ev.Value)
	assert.Empty(t, ev.Value)
}

func TestStopAndCloseReleaseSubscriptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	session := f.svc.NewSession()

	list, err := session.ObserveConversationList(ctx, "u1")
	require.NoError(t, err)
	preview, err := session.ObserveLastMessagePreview(ctx, "c1")
	require.NoError(t, err)
	messages, err := session.ObserveMessages(ctx, "c1", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, session.Active())

	// Observing again replaces the earlier feed.
	again, err := session.ObserveMessages(ctx, "c1", nil)
	require.NoError(t, err)
	<-messages.Done()

	session.StopObservingMessages("c1")
	session.StopObservingMessages("c1")
	<-again.Done()

	session.StopObservingPreviews()
	session.StopObservingPreviews()
	<-preview.Done()

	session.Close()
	session.Close()
	<-list.Done()

	assert.Eventually(t, func() bool { return session.Active() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.mem.Subscribers())

	_, err = session.ObserveConversationList(ctx, "u1")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSendTextMarksCompanionUnread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.SendText(ctx, "u1", "u2", "hello")
	require.NoError(t, err)
	assert.Equal(t, models.MessageTypeText, rec.MessageType)

	v, err := f.mem.Get(ctx, "conversations/c1/lastMessage")
	require.NoError(t, err)
	assert.Equal(t, rec.MessageID, v)

	v, err = f.mem.Get(ctx, "conversations/c1/messages/"+rec.MessageID+"/text")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	v, err = f.mem.Get(ctx, "users/u2/conversations/u1/lastMessageWasRead")
	require.NoError(t, err)
	assert.Equal(t, false, v)
	v, err = f.mem.Get(ctx, "users/u1/conversations/u2/lastMessageWasRead")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	_, err = f.svc.SendText(ctx, "u1", "u2", "")
	assert.True(t, errs.IsInvalid(err))
	_, err = f.svc.SendText(ctx, "u1", "u7", "hi")
	assert.True(t, errs.IsNotFound(err))
}

func TestSendPhotoUploadsAttachment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.SendPhoto(ctx, "u2", "u1", pngHeader)
	require.NoError(t, err)
	assert.Equal(t, models.MessageTypePhoto, rec.MessageType)
	assert.Equal(t, "Вложение", rec.Text)
	assert.Equal(t, "http://blobs.test/"+blob.AttachmentKey("c1", rec.MessageID), rec.Attachment)

	obj, ok := f.blobs.Open(blob.AttachmentKey("c1", rec.MessageID))
	require.True(t, ok)
	assert.Equal(t, "image/png", obj.ContentType)

	_, err = f.svc.SendPhoto(ctx, "u2", "u1", []byte("plain text"))
	assert.True(t, errs.IsInvalid(err))
}

func TestSetLastMessageWasRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SendText(ctx, "u1", "u2", "hello")
	require.NoError(t, err)
	require.NoError(t, f.svc.SetLastMessageWasRead(ctx, "u2", "u1"))

	v, err := f.mem.Get(ctx, "users/u2/conversations/u1/lastMessageWasRead")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	err = f.svc.SetLastMessageWasRead(ctx, "u2", "u5")
	assert.True(t, errs.IsNotFound(err))
}

func TestIsParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.svc.IsParticipant(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.IsParticipant(ctx, "u3", "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.svc.IsParticipant(ctx, "u1", "")
	assert.True(t, errs.IsInvalid(err))
}
