// Package wenxin talks to the Baidu Qianfan chat API (ERNIE models):
// an OAuth client-credentials token exchange followed by chat completion
// calls against the wenxinworkshop endpoint.
package wenxin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/linguabridge/linguabridge/internal/config"
	"github.com/linguabridge/linguabridge/internal/fault"
	"github.com/linguabridge/linguabridge/internal/summarize"
)

// Qianfan error codes that warrant special handling.
const (
	codeQPSLimit     = 18
	codeTokenInvalid = 110
	codeTokenExpired = 111
)

const maxBackoff = 8 * time.Second

type Client struct {
	cfg     config.SummaryConfig
	prompts *summarize.PromptSet
	http    *http.Client
	logger  *slog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func New(cfg config.SummaryConfig, prompts *summarize.PromptSet, logger *slog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		prompts: prompts,
		http:    &http.Client{Timeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond},
		logger:  logger.With(slog.String("component", "wenxin-client")),
	}
}

type chatRequest struct {
	Messages     []chatMessage `json:"messages"`
	Temperature  float64       `json:"temperature,omitempty"`
	TopP         float64       `json:"top_p,omitempty"`
	PenaltyScore float64       `json:"penalty_score,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Result    string `json:"result"`
	ErrorCode int    `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Summarize renders the style prompt and calls the chat API, retrying
// transient failures with bounded exponential backoff. The returned
// summary is clipped to opts.MaxLength when the model overruns it.
func (c *Client) Summarize(ctx context.Context, text, style string, opts summarize.Options) (summarize.Result, error) {
	if strings.TrimSpace(text) == "" {
		return summarize.Result{}, fault.New(fault.ValidationError, "input text is empty")
	}
	maxLength := opts.MaxLength
	if maxLength <= 0 {
		maxLength = c.cfg.DefaultMaxLength
	}
	prompt, err := c.prompts.Render(style, text, maxLength)
	if err != nil {
		return summarize.Result{}, err
	}

	raw, err := c.chatWithRetry(ctx, prompt)
	if err != nil {
		return summarize.Result{}, err
	}

	summary := strings.TrimSpace(raw)
	truncated := false
	if maxLength > 0 && utf8.RuneCountInString(summary) > maxLength {
		summary = string([]rune(summary)[:maxLength])
		truncated = true
	}
	return summarize.Result{
		Summary:        summary,
		Style:          style,
		Model:          c.cfg.Model,
		MaxLength:      maxLength,
		OriginalLength: utf8.RuneCountInString(text),
		SummaryLength:  utf8.RuneCountInString(summary),
		Truncated:      truncated,
	}, nil
}

// BatchSummarize applies the single-text contract to each item
// independently; one item's failure does not abort the others, and
// results come back in input order.
func (c *Client) BatchSummarize(ctx context.Context, texts []string, style string, opts summarize.Options) []summarize.BatchItem {
	items := make([]summarize.BatchItem, len(texts))
	for i, text := range texts {
		res, err := c.Summarize(ctx, text, style, opts)
		if err != nil {
			c.logger.Warn("batch item failed",
				slog.Int("index", i),
				slog.String("error", err.Error()))
		}
		items[i] = summarize.BatchItem{Index: i, Result: res, Err: err}
	}
	return items
}

func (c *Client) Styles() []string { return c.prompts.Styles() }

// Ping exercises the token endpoint as a lightweight availability probe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.token(ctx, false)
	return err
}

func (c *Client) chatWithRetry(ctx context.Context, prompt string) (string, error) {
	backoff := time.Duration(c.cfg.RetryBackoffMS) * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			c.logger.Warn("summary attempt failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()))
			select {
			case <-ctx.Done():
				return "", fault.Wrap(fault.Timeout, "summarization timed out", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		result, err := c.chat(ctx, prompt)
		if err == nil {
			return result, nil
		}
		if !fault.Retryable(err) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func (c *Client) chat(ctx context.Context, prompt string) (string, error) {
	token, err := c.token(ctx, false)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(chatRequest{
		Messages:     []chatMessage{{Role: "user", Content: prompt}},
		Temperature:  c.cfg.Temperature,
		TopP:         c.cfg.TopP,
		PenaltyScore: c.cfg.PenaltyScore,
	})
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/rpc/2.0/ai_custom/v1/wenxinworkshop/chat/%s?access_token=%s",
		strings.TrimRight(c.cfg.Endpoint, "/"), url.PathEscape(c.cfg.Model), url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fault.Wrap(fault.ConnectionFailed, "call summary api", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fault.New(fault.RateLimited, "summary api rate limited")
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fault.Newf(fault.AuthError, "summary api rejected credentials: %s", resp.Status)
	}
	if resp.StatusCode >= 500 {
		return "", fault.Newf(fault.ConnectionFailed, "summary api returned %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fault.Wrap(fault.ConnectionFailed, "read summary response", err)
	}
	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return "", fault.Wrap(fault.ParseError, "malformed summary response", err)
	}
	switch chat.ErrorCode {
	case 0:
	case codeQPSLimit:
		return "", fault.Newf(fault.RateLimited, "summary api qps limit: %s", chat.ErrorMsg)
	case codeTokenInvalid, codeTokenExpired:
		// force a fresh token on the next attempt
		c.invalidateToken()
		return "", fault.Newf(fault.RateLimited, "access token rejected: %s", chat.ErrorMsg)
	default:
		return "", fault.Newf(fault.RecognitionFailed, "summary api error %d: %s", chat.ErrorCode, chat.ErrorMsg)
	}
	if chat.Result == "" {
		return "", fault.New(fault.ParseError, "summary response has no result field")
	}
	return chat.Result, nil
}

func (c *Client) token(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	if !force && c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		token := c.accessToken
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	if c.cfg.APIKey == "" || c.cfg.SecretKey == "" {
		return "", fault.New(fault.AuthError, "summary api credentials not configured")
	}

	endpoint := fmt.Sprintf("%s/oauth/2.0/token?grant_type=client_credentials&client_id=%s&client_secret=%s",
		strings.TrimRight(c.cfg.Endpoint, "/"), url.QueryEscape(c.cfg.APIKey), url.QueryEscape(c.cfg.SecretKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fault.Wrap(fault.ConnectionFailed, "fetch access token", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fault.Wrap(fault.ConnectionFailed, "read token response", err)
	}
	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return "", fault.Wrap(fault.ParseError, "malformed token response", err)
	}
	if token.Error != "" || token.AccessToken == "" {
		return "", fault.Newf(fault.AuthError, "token request rejected: %s %s", token.Error, token.ErrorDescription)
	}

	expiry := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	// renew well before the reported expiry
	if token.ExpiresIn > 60 {
		expiry = expiry.Add(-30 * time.Second)
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	c.tokenExpiry = expiry
	c.mu.Unlock()
	return token.AccessToken, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
}
