// Package directory talks to the public key directory service: identities
// publish their key bundles there and look up each other's by contact id.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkruglov/phantom/internal/keys"
	"go.uber.org/zap"
)

// ErrPeerNotFound means the directory has no bundle for the identifier.
var ErrPeerNotFound = errors.New("directory: peer not found")

// ErrNoPreKeys means the peer's one-time prekey pool is exhausted.
var ErrNoPreKeys = errors.New("directory: no one-time prekeys available")

// Client is the HTTP client for the directory service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a directory client for the given base URL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// Publish uploads the identity's public bundle.
func (c *Client) Publish(ctx context.Context, contactID string, bundle *keys.PublicBundle) error {
	body, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.bundleURL(contactID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("publish bundle: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("publish bundle: directory returned %s", resp.Status)
	}
	c.logger.Info("key bundle published", zap.String("contact_id", contactID))
	return nil
}

// FetchBundle retrieves a peer's public bundle by contact id.
func (c *Client) FetchBundle(ctx context.Context, contactID string) (*keys.PublicBundle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.bundleURL(contactID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch bundle: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", contactID, ErrPeerNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch bundle: directory returned %s", resp.Status)
	}

	var bundle keys.PublicBundle
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &bundle, nil
}

// ClaimPreKey removes and returns one one-time prekey from the peer's pool.
func (c *Client) ClaimPreKey(ctx context.Context, contactID string) (*keys.PublicPreKey, error) {
	u := c.baseURL + "/identities/" + url.PathEscape(contactID) + "/prekeys/claim"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("claim prekey: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", contactID, ErrPeerNotFound)
	case http.StatusGone, http.StatusConflict:
		return nil, fmt.Errorf("%s: %w", contactID, ErrNoPreKeys)
	default:
		return nil, fmt.Errorf("claim prekey: directory returned %s", resp.Status)
	}

	var pk keys.PublicPreKey
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&pk); err != nil {
		return nil, fmt.Errorf("decode prekey: %w", err)
	}
	return &pk, nil
}

func (c *Client) bundleURL(contactID string) string {
	return c.baseURL + "/identities/" + url.PathEscape(contactID) + "/bundle"
}
