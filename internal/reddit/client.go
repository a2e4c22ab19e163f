// Package reddit is a thin client for the moderation endpoints the
// engine needs: modmail replies, conversation mutes, user bans and
// username resolution. It carries no retry logic: a failed punitive
// action must surface, not silently repeat.
package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"floodguard/internal/flood"
	"floodguard/internal/tracing"

	"github.com/google/go-querystring/query"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultBaseURL is the OAuth API endpoint.
const DefaultBaseURL = "https://oauth.reddit.com"

// Config configures the client.
type Config struct {
	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string

	// Subreddit is the community the service moderates, without the
	// "r/" prefix.
	Subreddit string

	// Token is the OAuth bearer token of the bot account.
	Token string

	// UserAgent identifies the bot per the API's client rules.
	UserAgent string
}

// Client talks to the moderation API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Ensure Client implements the engine's action executor.
var _ flood.Actor = (*Client)(nil)

// NewClient creates a moderation API client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "floodguard/1.0"
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type replyForm struct {
	Body           string `url:"body"`
	IsAuthorHidden bool   `url:"isAuthorHidden"`
}

// SendNotice posts a reply into a modmail conversation.
func (c *Client) SendNotice(ctx context.Context, conversation, body string, hidden bool) error {
	ctx, span := tracing.ActionSpan(ctx, "reply", conversation)
	defer span.End()

	form, err := query.Values(replyForm{Body: body, IsAuthorHidden: hidden})
	if err != nil {
		return fmt.Errorf("failed to encode reply form: %w", err)
	}

	err = c.postForm(ctx, "/api/mod/conversations/"+url.PathEscape(conversation), form)
	tracing.EndWithError(span, err)
	if err != nil {
		return fmt.Errorf("failed to reply to conversation %s: %w", conversation, err)
	}
	return nil
}

type muteForm struct {
	NumHours int `url:"num_hours"`
}

// ApplySuppression mutes a modmail conversation for the given number of
// hours.
func (c *Client) ApplySuppression(ctx context.Context, conversation string, hours int) error {
	ctx, span := tracing.ActionSpan(ctx, "mute", conversation)
	defer span.End()

	form, err := query.Values(muteForm{NumHours: hours})
	if err != nil {
		return fmt.Errorf("failed to encode mute form: %w", err)
	}

	err = c.postForm(ctx, "/api/mod/conversations/"+url.PathEscape(conversation)+"/mute", form)
	tracing.EndWithError(span, err)
	if err != nil {
		return fmt.Errorf("failed to mute conversation %s: %w", conversation, err)
	}
	return nil
}

// LiftSuppression unmutes a modmail conversation.
func (c *Client) LiftSuppression(ctx context.Context, conversation string) error {
	ctx, span := tracing.ActionSpan(ctx, "unmute", conversation)
	defer span.End()

	err := c.postForm(ctx, "/api/mod/conversations/"+url.PathEscape(conversation)+"/unmute", url.Values{})
	tracing.EndWithError(span, err)
	if err != nil {
		return fmt.Errorf("failed to unmute conversation %s: %w", conversation, err)
	}
	return nil
}

type banForm struct {
	APIType    string `url:"api_type"`
	Name       string `url:"name"`
	Type       string `url:"type"`
	BanReason  string `url:"ban_reason"`
	BanMessage string `url:"ban_message,omitempty"`
	Duration   int    `url:"duration"`
}

// BanSubject bans a user from the configured subreddit for days days.
func (c *Client) BanSubject(ctx context.Context, subjectName, reason, noticeBody string, days int) error {
	ctx, span := tracing.ActionSpan(ctx, "ban", subjectName)
	defer span.End()

	form, err := query.Values(banForm{
		APIType:    "json",
		Name:       subjectName,
		Type:       "banned",
		BanReason:  reason,
		BanMessage: noticeBody,
		Duration:   days,
	})
	if err != nil {
		return fmt.Errorf("failed to encode ban form: %w", err)
	}

	err = c.postForm(ctx, "/r/"+url.PathEscape(c.cfg.Subreddit)+"/api/friend", form)
	tracing.EndWithError(span, err)
	if err != nil {
		return fmt.Errorf("failed to ban %s: %w", subjectName, err)
	}
	return nil
}

// ResolveUsername resolves a display name to the account's stable
// subject ID (t2_ fullname). Used by the operator lookup surface.
func (c *Client) ResolveUsername(ctx context.Context, username string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET",
		c.cfg.BaseURL+"/user/"+url.PathEscape(username)+"/about", nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("user %s not found", username)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("user lookup failed with status %d", resp.StatusCode)
	}

	var about struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&about); err != nil {
		return "", fmt.Errorf("decoding user info: %w", err)
	}
	if about.Data.ID == "" {
		return "", fmt.Errorf("user info for %s has no id", username)
	}

	if strings.HasPrefix(about.Data.ID, "t2_") {
		return about.Data.ID, nil
	}
	return "t2_" + about.Data.ID, nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, "POST",
		c.cfg.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// A short body excerpt makes API rejections diagnosable.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, body)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
}
