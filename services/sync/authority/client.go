// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/awnumar/memguard"

	"github.com/AleutianAI/AleutianSync/services/sync/record"
)

// DefaultTimeout bounds every authority request.
const DefaultTimeout = 30 * time.Second

// Config holds the authority connection settings.
type Config struct {
	// BaseURL is the authority's base URL (e.g., "https://sync.example.com/v1").
	BaseURL string

	// Timeout bounds each request. Zero means DefaultTimeout.
	Timeout time.Duration

	// AuthToken, when set, is sent as a bearer token. The client
	// seals it into guarded memory at construction; the Config copy
	// is wiped.
	AuthToken string
}

// DefaultConfig returns settings suitable for a local development authority.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/v1",
		Timeout: DefaultTimeout,
	}
}

// Client wraps calls to the remote authority.
//
// # Description
//
// Client speaks the authority's REST contract: paginated list
// endpoints per kind, per-id fetch and write endpoints, and the
// singleton profile endpoint. It performs no storage writes; callers
// feed its results through the commit gateway.
//
// # Thread Safety
//
// Client is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	// token holds the bearer token in an encrypted enclave. It is
	// opened per request and the plaintext buffer destroyed
	// immediately after the header is built.
	token *memguard.Enclave
}

// New creates an authority client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	var token *memguard.Enclave
	if cfg.AuthToken != "" {
		// NewEnclave wipes the byte slice it is given.
		token = memguard.NewEnclave([]byte(cfg.AuthToken))
		cfg.AuthToken = ""
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With(slog.String("component", "authority")),
		token:      token,
	}
}

// ListQuery scopes a paginated list request.
type ListQuery struct {
	// Owner scopes the listing to one identity.
	Owner string

	// Limit is the page size requested from the authority.
	Limit int

	// Offset is the zero-based record offset of the page.
	Offset int

	// Since, when non-zero, restricts items to records whose server
	// sequence number is strictly greater. Collections ignore it.
	Since int64
}

// Page is one page of a paginated listing.
type Page struct {
	Records []*record.Record `json:"records"`
	Total   int              `json:"total"`
	HasMore bool             `json:"has_more"`

	// Watermark is the highest server sequence number in the page,
	// used by pull checkpointing.
	Watermark int64 `json:"watermark"`
}

// List fetches one page of records of the given kind.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - kind: KindCollection or KindItem. The profile is not listable.
//   - q: Pagination scope.
//
// # Outputs
//
//   - Page: The decoded page. HasMore signals further pages.
//   - error: ErrUnavailable on transport failure.
func (c *Client) List(ctx context.Context, kind record.Kind, q ListQuery) (Page, error) {
	if ctx == nil {
		return Page{}, ErrInvalidInput
	}
	path, err := listPath(kind)
	if err != nil {
		return Page{}, err
	}

	vals := url.Values{}
	vals.Set("owner", q.Owner)
	vals.Set("limit", strconv.Itoa(q.Limit))
	vals.Set("offset", strconv.Itoa(q.Offset))
	if q.Since > 0 {
		vals.Set("since", strconv.FormatInt(q.Since, 10))
	}

	resp, err := c.do(ctx, http.MethodGet, path+"?"+vals.Encode(), nil, 0)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Page{}, statusError(resp)
	}

	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return Page{}, fmt.Errorf("decode %s page: %w", kind, err)
	}
	return page, nil
}

// Fetch retrieves one record by id.
//
// A 404 is returned as ErrGhost: the authority no longer has the
// record and the caller should drop its stale reference.
func (c *Client) Fetch(ctx context.Context, kind record.Kind, id string) (*record.Record, error) {
	if ctx == nil {
		return nil, ErrInvalidInput
	}
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidInput)
	}
	path, err := recordPath(kind, id)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil, 0)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return decodeRecord(resp.Body)
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s/%s", ErrGhost, kind, id)
	default:
		return nil, statusError(resp)
	}
}

// Create registers a record the authority has never seen. The
// response echoes the canonical record including the assigned
// remote id.
func (c *Client) Create(ctx context.Context, r *record.Record) (*record.Record, error) {
	if ctx == nil || r == nil {
		return nil, ErrInvalidInput
	}
	path, err := recordPath(r.Kind, r.CID)
	if err != nil {
		return nil, err
	}
	return c.write(ctx, http.MethodPost, path, r, 0)
}

// Update pushes a locally mutated record with optimistic concurrency.
//
// The record's version travels in an If-Match header. If the
// authority's stored version differs, it responds 409 with its
// current record, which is returned here as a *ConflictError.
func (c *Client) Update(ctx context.Context, r *record.Record) (*record.Record, error) {
	if ctx == nil || r == nil {
		return nil, ErrInvalidInput
	}
	id := r.RemoteID
	if id == "" {
		id = r.CID
	}
	path, err := recordPath(r.Kind, id)
	if err != nil {
		return nil, err
	}
	return c.write(ctx, http.MethodPut, path, r, r.Version)
}

// Push sends a record via Create or Update depending on whether it
// already carries a remote id. Profiles route to the singleton
// profile endpoint.
func (c *Client) Push(ctx context.Context, r *record.Record) (*record.Record, error) {
	if r == nil {
		return nil, ErrInvalidInput
	}
	if r.Kind == record.KindProfile {
		if r.RemoteID == "" {
			return c.RegisterProfile(ctx, r)
		}
		return c.UpdateProfile(ctx, r)
	}
	if r.RemoteID == "" {
		return c.Create(ctx, r)
	}
	return c.Update(ctx, r)
}

// GetProfile fetches the singleton profile for an owner. A 404 is
// ErrGhost; for a brand-new identity the caller bootstraps a default
// profile instead of failing.
func (c *Client) GetProfile(ctx context.Context, owner string) (*record.Record, error) {
	if ctx == nil {
		return nil, ErrInvalidInput
	}
	vals := url.Values{}
	vals.Set("owner", owner)

	resp, err := c.do(ctx, http.MethodGet, "/profile?"+vals.Encode(), nil, 0)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return decodeRecord(resp.Body)
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: profile for %s", ErrGhost, owner)
	default:
		return nil, statusError(resp)
	}
}

// RegisterProfile registers a locally synthesized profile with the
// authority.
func (c *Client) RegisterProfile(ctx context.Context, r *record.Record) (*record.Record, error) {
	if ctx == nil || r == nil {
		return nil, ErrInvalidInput
	}
	return c.write(ctx, http.MethodPost, "/profile", r, 0)
}

// UpdateProfile pushes a locally mutated profile with the same
// If-Match contract as Update.
func (c *Client) UpdateProfile(ctx context.Context, r *record.Record) (*record.Record, error) {
	if ctx == nil || r == nil {
		return nil, ErrInvalidInput
	}
	return c.write(ctx, http.MethodPut, "/profile", r, r.Version)
}

// write sends a record body and decodes the canonical echo. A
// non-zero ifMatch version is attached as an If-Match header.
func (c *Client) write(ctx context.Context, method, path string, r *record.Record, ifMatch int64) (*record.Record, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	resp, err := c.do(ctx, method, path, bytes.NewReader(body), ifMatch)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return decodeRecord(resp.Body)
	case http.StatusConflict:
		snapshot, err := decodeRecord(resp.Body)
		if err != nil {
			c.logger.Warn("conflict body undecodable",
				slog.String("cid", r.CID), slog.String("error", err.Error()))
			snapshot = nil
		}
		return nil, &ConflictError{CID: r.CID, Snapshot: snapshot}
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrGhost, path)
	default:
		return nil, statusError(resp)
	}
}

// do issues one HTTP request with the standard headers.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, ifMatch int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ifMatch > 0 {
		req.Header.Set("If-Match", strconv.FormatInt(ifMatch, 10))
	}
	if c.token != nil {
		buf, err := c.token.Open()
		if err != nil {
			return nil, fmt.Errorf("open auth token enclave: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+buf.String())
		buf.Destroy()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

func decodeRecord(r io.Reader) (*record.Record, error) {
	var rec record.Record
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	rec.Normalize()
	return &rec, nil
}

func listPath(kind record.Kind) (string, error) {
	switch kind {
	case record.KindCollection:
		return "/collections", nil
	case record.KindItem:
		return "/items", nil
	default:
		return "", fmt.Errorf("%w: kind %q is not listable", ErrInvalidInput, kind)
	}
}

func recordPath(kind record.Kind, id string) (string, error) {
	base, err := listPath(kind)
	if err != nil {
		return "", err
	}
	return base + "/" + url.PathEscape(id), nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, resp.StatusCode, string(body))
}
