package agent

import (
	"context"
	"time"

	"github.com/InsulaLabs/quire/client"
	"github.com/InsulaLabs/quire/models"
)

// Origin is the document server. *client.Client satisfies it.
type Origin interface {
	UpdateDocument(ctx context.Context, id string, req models.UpdateRequest) (*models.UpdateResponse, error)
	PollDocument(ctx context.Context, id string) (*models.Document, error)
}

// Subscription is an acknowledged channel membership on the relay. Events is
// closed when the membership ends.
type Subscription interface {
	Events() <-chan models.Frame
	Close() error
}

// Relay opens acknowledged subscriptions.
type Relay interface {
	Listen(ctx context.Context, channel string) (Subscription, error)
}

// RelayListener opens one relay socket per subscription.
type RelayListener struct {
	Client           *client.Client
	Path             string
	SubscribeTimeout time.Duration
}

func (l *RelayListener) Listen(ctx context.Context, channel string) (Subscription, error) {
	rc, err := l.Client.DialRelay(ctx, l.Path)
	if err != nil {
		return nil, err
	}
	timeout := l.SubscribeTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if err := rc.Subscribe(ctx, channel, timeout); err != nil {
		rc.Close()
		return nil, err
	}
	return rc, nil
}
