package client

import (
	"context"
	"errors"
	"net/http"

	"github.com/InsulaLabs/quire/models"
)

var ErrPublishInvalid = errors.New("publish needs an event name and at least one channel")

// Publish hands an event to the relay's ingress. An empty appID posts to the
// app-less route.
func (c *Client) Publish(ctx context.Context, appID string, req models.PublishRequest) error {
	if req.Name == "" || len(req.Channels) == 0 {
		return ErrPublishInvalid
	}
	path := "events"
	if appID != "" {
		path = "apps/" + appID + "/events"
	}
	return withRetriesVoid(ctx, c.logger, func() error {
		return c.doRequest(ctx, http.MethodPost, path, req, nil)
	})
}
