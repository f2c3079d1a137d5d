package notify

import (
	"context"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"itinder-backend/internal/models"
	"itinder-backend/internal/store/memtree"
)

type fakeSender struct {
	mu   sync.Mutex
	sent map[string][]Notification
}

func (f *fakeSender) Send(_ context.Context, deviceToken string, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[string][]Notification)
	}
	f.sent[deviceToken] = append(f.sent[deviceToken], n)
	return nil
}

func TestMatchCreatedRoutesByPlatform(t *testing.T) {
	ctx := context.Background()
	tree := memtree.New()
	t.Cleanup(func() { _ = tree.Close() })

	ann := models.User{Identifier: "u1", Name: "Ann", PushToken: &models.PushToken{Token: "ios-token", Platform: models.PlatformIOS}}
	bob := models.User{Identifier: "u2", Name: "Bob", PushToken: &models.PushToken{Token: "android-token", Platform: models.PlatformAndroid}}
	carl := models.User{Identifier: "u3", Name: "Carl"}
	for _, u := range []models.User{ann, bob, carl} {
		require.NoError(t, tree.Set(ctx, "users/"+u.Identifier, u))
	}

	ios, android := &fakeSender{}, &fakeSender{}
	d := NewDispatcher(tree, logrus.NewEntry(logrus.New()))
	d.Register(models.PlatformIOS, ios)
	d.Register(models.PlatformAndroid, android)

	d.MatchCreated(ctx, &ann, &bob, "c1")
	d.MatchCreated(ctx, &ann, &carl, "c2")
	d.Wait()

	require.Len(t, ios.sent["ios-token"], 2)
	bodies := []string{ios.sent["ios-token"][0].Body, ios.sent["ios-token"][1].Body}
	assert.ElementsMatch(t, []string{"You and Bob liked each other", "You and Carl liked each other"}, bodies)
	require.Len(t, android.sent["android-token"], 1)
	assert.Equal(t, "c1", android.sent["android-token"][0].Data["conversationId"])
	assert.Equal(t, "u1", android.sent["android-token"][0].Data["companionId"])
}

func TestUnconfiguredDispatcherIsSilent(t *testing.T) {
	tree := memtree.New()
	t.Cleanup(func() { _ = tree.Close() })
	d := NewDispatcher(tree, logrus.NewEntry(logrus.New()))
	assert.False(t, d.Enabled())

	d.MessageSent(context.Background(), "c1", &models.User{Identifier: "u1"}, "u2", models.MessageRecord{Text: "hi"})
	d.Wait()
}
