package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/kanbanlab/boardsync/internal/config"
	"github.com/kanbanlab/boardsync/internal/events"
)

// HTTPStore implements Store over HTTP. A 200 response carries the new
// version; a 409 carries the authoritative server snapshot. Every other
// failure is returned as an error for the queue's retry policy — the
// store itself never retries.
type HTTPStore struct {
	client    *http.Client
	baseURL   string
	userAgent string
	token     string
	logger    *events.Logger
}

// NewHTTPStore creates an HTTP-backed remote store.
func NewHTTPStore(cfg *config.APIConfig, logger *events.Logger) *HTTPStore {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPStore{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
		token:     cfg.AuthToken,
		logger:    logger.WithField("component", "remote_http"),
	}
}

// SetToken sets the authentication token.
func (s *HTTPStore) SetToken(token string) {
	s.token = token
}

// Apply posts a mutation to the remote API.
func (s *HTTPStore) Apply(ctx context.Context, m Mutation) (*Result, error) {
	url := fmt.Sprintf("%s/api/v1/items/%s/mutations", s.baseURL, m.ItemID)

	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal mutation: %w", err)
	}

	s.logger.WithFields(map[string]any{
		"update_id":    m.UpdateID,
		"item_id":      m.ItemID,
		"operation":    m.Operation,
		"base_version": m.BaseVersion,
	}).Debug("Applying mutation")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var result Result
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("parse response: %w", err)
		}
		result.Status = StatusOK
		return &result, nil

	case http.StatusConflict:
		var result Result
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("parse conflict response: %w", err)
		}
		result.Status = StatusConflict
		return &result, nil

	default:
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, respBody)
	}
}
