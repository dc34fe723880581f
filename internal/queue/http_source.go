package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfman30/triage-notifier/pkg/logging"
)

const defaultUserAgent = "triage-notifier/0.1"

// HTTPConfig controls how the HTTP source polls the chat vendor.
type HTTPConfig struct {
	BaseURL    string
	Channels   []string
	Tokens     TokenPolicy
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
	UserAgent  string
}

// HTTPSource polls the chat vendor's triage queue, one request per channel.
type HTTPSource struct {
	baseURL    string
	channels   []string
	tokens     TokenPolicy
	httpClient *http.Client
	logger     *logging.Logger
	userAgent  string
}

// NewHTTPSource validates cfg and builds a source.
func NewHTTPSource(cfg HTTPConfig) (*HTTPSource, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("queue: base url is required")
	}
	if len(cfg.Channels) == 0 && strings.TrimSpace(cfg.Tokens.Default) == "" {
		return nil, errors.New("queue: default token is required when no channels are configured")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &HTTPSource{
		baseURL:    baseURL,
		channels:   cfg.Channels,
		tokens:     cfg.Tokens,
		httpClient: httpClient,
		logger:     logger.Component("queue"),
		userAgent:  userAgent,
	}, nil
}

type vendorEntry struct {
	ID           string    `json:"id"`
	SectorID     string    `json:"sector_id"`
	ChannelID    string    `json:"channel_id"`
	Contact      string    `json:"contact"`
	Name         string    `json:"name"`
	WaitingSince time.Time `json:"waiting_since"`
}

// ListWaiting fetches every configured channel. Any channel failure fails the
// whole fetch so a tick never settles against a partial snapshot.
func (s *HTTPSource) ListWaiting(ctx context.Context) ([]WaitingPatient, error) {
	q := url.Values{}
	q.Set("status", "waiting")

	if len(s.channels) == 0 {
		entries, err := s.fetch(ctx, "/queue", q, s.tokens.Default)
		if err != nil {
			return nil, err
		}
		return toPatients(entries, ""), nil
	}

	seen := make(map[string]struct{})
	var out []WaitingPatient
	for _, channel := range s.channels {
		token, err := s.tokens.TokenFor(channel)
		if err != nil {
			return nil, err
		}
		entries, err := s.fetch(ctx, "/channels/"+url.PathEscape(channel)+"/queue", q, token)
		if err != nil {
			return nil, fmt.Errorf("queue: channel %s: %w", channel, err)
		}
		for _, p := range toPatients(entries, channel) {
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = struct{}{}
			out = append(out, p)
		}
	}
	s.logger.Debug("queue fetched", "channels", len(s.channels), "waiting", len(out))
	return out, nil
}

func toPatients(entries []vendorEntry, channel string) []WaitingPatient {
	out := make([]WaitingPatient, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.ID) == "" || e.WaitingSince.IsZero() {
			continue
		}
		ch := e.ChannelID
		if ch == "" {
			ch = channel
		}
		out = append(out, WaitingPatient{
			ID:            e.ID,
			SectorID:      e.SectorID,
			ChannelID:     ch,
			Contact:       e.Contact,
			DisplayName:   e.Name,
			WaitStartedAt: e.WaitingSince.UTC(),
		})
	}
	return out
}

func (s *HTTPSource) fetch(ctx context.Context, path string, query url.Values, token string) ([]vendorEntry, error) {
	fullURL := s.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("queue: http error: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("queue: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(data), 256)}
	}
	var wrapper struct {
		Data []vendorEntry `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("queue: decode response: %w", err)
	}
	return wrapper.Data, nil
}

// StatusError is a non-2xx vendor response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("queue: http status %d: %s", e.StatusCode, e.Body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
