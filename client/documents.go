package client

import (
	"context"
	"errors"
	"net/http"

	"github.com/InsulaLabs/quire/models"
)

var ErrDocumentIDMissing = errors.New("document id cannot be empty")

func documentPath(id string, suffix string) string {
	return "editor/" + id + suffix
}

// UpdateDocument pushes the full title and content of a document to the
// origin. The origin answers with the timestamp it stored.
func (c *Client) UpdateDocument(ctx context.Context, id string, req models.UpdateRequest) (*models.UpdateResponse, error) {
	if id == "" {
		return nil, ErrDocumentIDMissing
	}
	return withRetries(ctx, c.logger, func() (*models.UpdateResponse, error) {
		var resp models.UpdateResponse
		if err := c.doRequest(ctx, http.MethodPatch, documentPath(id, ""), req, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
}

// GetDocument returns the origin's current copy. Unknown ids yield
// ErrNotFound.
func (c *Client) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	return c.fetchDocument(ctx, documentPath(id, ""), id)
}

// PollDocument is GetDocument against the poll endpoint used by the fallback
// path.
func (c *Client) PollDocument(ctx context.Context, id string) (*models.Document, error) {
	return c.fetchDocument(ctx, documentPath(id, "/poll"), id)
}

func (c *Client) fetchDocument(ctx context.Context, path string, id string) (*models.Document, error) {
	if id == "" {
		return nil, ErrDocumentIDMissing
	}
	return withRetries(ctx, c.logger, func() (*models.Document, error) {
		var doc models.Document
		if err := c.doRequest(ctx, http.MethodGet, path, nil, &doc); err != nil {
			return nil, err
		}
		return &doc, nil
	})
}

type documentList struct {
	Documents []string `json:"documents"`
}

// ListDocuments returns the ids of every document the origin holds.
func (c *Client) ListDocuments(ctx context.Context) ([]string, error) {
	return withRetries(ctx, c.logger, func() ([]string, error) {
		var list documentList
		if err := c.doRequest(ctx, http.MethodGet, "editor", nil, &list); err != nil {
			return nil, err
		}
		return list.Documents, nil
	})
}
