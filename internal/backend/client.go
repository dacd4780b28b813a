// Package backend talks to the document backend that owns durable state:
// last-state fetch, update append, snapshot push and role lookup.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/manpreetbhatti/lattice/collab/internal/auth"
	"github.com/manpreetbhatti/lattice/collab/internal/crdt"
)

var ErrNotConfigured = errors.New("backend: base URL is not configured")

// StatusError is returned for any non-2xx backend response
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: status %d", e.Code)
	}
	return fmt.Sprintf("backend: status %d: %s", e.Code, e.Message)
}

// DocumentUpdate is one entry of the backend's update log
type DocumentUpdate struct {
	Seq    int64  `json:"seq"`
	Binary []byte `json:"binary"`
}

// DocumentState is the last known durable state of a document
type DocumentState struct {
	Title       string           `json:"title"`
	Snapshot    []byte           `json:"snapshot"`
	SnapshotSeq int64            `json:"snapshot_seq"`
	Updates     []DocumentUpdate `json:"updates"`
}

// Apply loads the snapshot into doc, then the updates by ascending seq
func (s *DocumentState) Apply(doc *crdt.Doc) error {
	if len(s.Snapshot) > 0 {
		if err := doc.ApplyUpdate(s.Snapshot, nil); err != nil {
			return fmt.Errorf("apply snapshot: %w", err)
		}
	}

	updates := make([]DocumentUpdate, len(s.Updates))
	copy(updates, s.Updates)
	sort.SliceStable(updates, func(i, j int) bool { return updates[i].Seq < updates[j].Seq })

	for _, u := range updates {
		if len(u.Binary) == 0 {
			continue
		}
		if err := doc.ApplyUpdate(u.Binary, nil); err != nil {
			return fmt.Errorf("apply update seq %d: %w", u.Seq, err)
		}
	}
	return nil
}

// Backend is what the hub needs from the document backend
type Backend interface {
	FetchLastState(ctx context.Context, docID string) (*DocumentState, error)
	PostUpdate(ctx context.Context, docID string, update []byte, userID string) error
	PostSnapshot(ctx context.Context, docID string, state []byte) error
	GetRole(ctx context.Context, docID, userID string) (auth.Role, error)
}

type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	logger  *slog.Logger
}

func New(baseURL, secret string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger.With("component", "backend"),
	}
}

func (c *Client) documentURL(docID, action string) string {
	return fmt.Sprintf("%s/internal/documents/%s/%s", c.baseURL, url.PathEscape(docID), action)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, header http.Header, out any) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload)
		msg := payload.Message
		if msg == "" {
			msg = payload.Error
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

// FetchLastState returns nil without error when the backend has no state
// for docID.
func (c *Client) FetchLastState(ctx context.Context, docID string) (*DocumentState, error) {
	header := http.Header{"Content-Type": []string{"application/json"}}
	var state DocumentState
	err := c.do(ctx, http.MethodGet, c.documentURL(docID, "last-state"), nil, header, &state)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *Client) PostUpdate(ctx context.Context, docID string, update []byte, userID string) error {
	header := http.Header{"Content-Type": []string{"application/octet-stream"}}
	if userID != "" {
		header.Set("X-User-Id", userID)
	}
	return c.do(ctx, http.MethodPost, c.documentURL(docID, "update"), update, header, nil)
}

func (c *Client) PostSnapshot(ctx context.Context, docID string, state []byte) error {
	header := http.Header{"Content-Type": []string{"application/octet-stream"}}
	return c.do(ctx, http.MethodPost, c.documentURL(docID, "snapshot"), state, header, nil)
}

func (c *Client) GetRole(ctx context.Context, docID, userID string) (auth.Role, error) {
	endpoint := c.documentURL(docID, "role") + "?user_id=" + url.QueryEscape(userID)
	var body struct {
		Role auth.Role `json:"role"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &body); err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Code == http.StatusNotFound || se.Code == http.StatusForbidden) {
			return auth.RoleNone, nil
		}
		return auth.RoleNone, err
	}
	return body.Role, nil
}
