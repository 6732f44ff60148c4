package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsync/pkg/chatsync"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %d", e.Method, e.Path, e.StatusCode)
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithTimeout bounds each request. Zero leaves only the caller's context.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.log = l } }

type Client struct {
	base    *url.URL
	http    *http.Client
	token   string
	timeout time.Duration
	log     zerolog.Logger
}

var _ chatsync.API = (*Client)(nil)

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "parse base url %q", baseURL)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("base url %q must be absolute", baseURL)
	}
	c := &Client{
		base: u,
		http: http.DefaultClient,
		log:  log.With().Str("component", "restapi").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) FetchHistory(ctx context.Context, conversationID string) ([]chatsync.Message, error) {
	var out MessagesResponse
	if err := c.do(ctx, http.MethodGet, messagesPath(conversationID), nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) CreateMessage(ctx context.Context, conversationID, content, localID string) (chatsync.Message, error) {
	var out chatsync.Message
	body := CreateMessageRequest{Content: content, LocalID: localID}
	if err := c.do(ctx, http.MethodPost, messagesPath(conversationID), body, &out); err != nil {
		return chatsync.Message{}, err
	}
	return out, nil
}

func (c *Client) CreateConversation(ctx context.Context, initialContent string) (chatsync.Conversation, error) {
	var out chatsync.Conversation
	body := CreateConversationRequest{Title: TitleFromContent(initialContent)}
	if err := c.do(ctx, http.MethodPost, "/api/conversations", body, &out); err != nil {
		return chatsync.Conversation{}, err
	}
	if out.ID == "" {
		return chatsync.Conversation{}, errors.New("server returned a conversation without id")
	}
	return out, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]chatsync.Conversation, error) {
	var out ConversationsResponse
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func messagesPath(conversationID string) string {
	return "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()
	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var er ErrorResponse
		if json.Unmarshal(b, &er) == nil && er.Error != "" {
			se.Message = er.Error
		} else {
			se.Message = strings.TrimSpace(string(b))
		}
		return se
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s %s response", method, path)
	}
	return nil
}
