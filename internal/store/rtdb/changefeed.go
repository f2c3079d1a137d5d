package rtdb

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"itinder-backend/internal/redis"
)

// DefaultChannel carries changed paths between instances sharing a database.
const DefaultChannel = "tree:changes"

// Changefeed announces changed paths over Redis pub/sub. The admin SDK has no
// streaming listeners, so instances learn about each other's writes here.
// Messages are "origin|path"; an instance ignores its own.
type Changefeed struct {
	rdb     *redis.Client
	channel string
	origin  string
	log     *logrus.Entry
}

func NewChangefeed(rdb *redis.Client, channel string, log *logrus.Entry) *Changefeed {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Changefeed{
		rdb:     rdb,
		channel: channel,
		origin:  uuid.NewString(),
		log:     log,
	}
}

// Publish announces a change at path.
func (f *Changefeed) Publish(ctx context.Context, path string) error {
	return f.rdb.Publish(ctx, f.channel, f.origin+"|"+path)
}

// Run calls onChange for every path announced by another instance until ctx
// is done. The subscription is confirmed before ready is closed.
func (f *Changefeed) Run(ctx context.Context, ready chan<- struct{}, onChange func(path string)) error {
	ps := f.rdb.Subscribe(ctx, f.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if ready != nil {
		close(ready)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			origin, path, found := strings.Cut(msg.Payload, "|")
			if !found {
				f.log.WithField("payload", msg.Payload).Warn("Ignoring malformed change notification")
				continue
			}
			if origin == f.origin {
				continue
			}
			onChange(path)
		}
	}
}
