package chatwoot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"broker-dispatch/internal/logging"
)

// APIError is returned for any non-2xx response.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chatwoot %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Config for the REST client.
type Config struct {
	BaseURL   string
	APIToken  string
	AccountID string
	InboxID   int
	Timeout   time.Duration
}

// Client talks to the Chatwoot application API.
type Client struct {
	http      *resty.Client
	accountID string
	inboxID   int
	log       zerolog.Logger
}

// NewClient configures a client. Requests carry the api_access_token header.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("chatwoot base url cannot be empty")
	}
	if cfg.AccountID == "" {
		return nil, errors.New("chatwoot account id cannot be empty")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("api_access_token", cfg.APIToken).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)

	return &Client{
		http:      httpClient,
		accountID: cfg.AccountID,
		inboxID:   cfg.InboxID,
		log:       logging.WithComponent("chatwoot"),
	}, nil
}

// InboxID is the inbox new conversations are opened in.
func (c *Client) InboxID() int {
	return c.inboxID
}

func (c *Client) path(format string, args ...any) string {
	return fmt.Sprintf("/api/v1/accounts/%s", c.accountID) + fmt.Sprintf(format, args...)
}

func (c *Client) do(ctx context.Context, op, method, url string, body any, query map[string]string) ([]byte, error) {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	resp, err := req.Execute(method, url)
	if err != nil {
		c.log.Error().Err(err).Str("op", op).Str("url", url).Msg("chatwoot request failed")
		return nil, fmt.Errorf("chatwoot %s: %w", op, err)
	}
	if resp.IsError() {
		c.log.Error().Str("op", op).Str("url", url).Int("status", resp.StatusCode()).
			Str("body", truncate(resp.String(), 512)).Msg("chatwoot returned an error")
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 512)}
	}
	return resp.Body(), nil
}

// SearchContacts runs the contact search endpoint.
func (c *Client) SearchContacts(ctx context.Context, query string) ([]Contact, error) {
	body, err := c.do(ctx, "search contacts", resty.MethodGet, c.path("/contacts/search"), nil, map[string]string{"q": query})
	if err != nil {
		return nil, err
	}
	var out []Contact
	if err := decodeList(body, &out); err != nil {
		return nil, fmt.Errorf("decode contacts: %w", err)
	}
	return out, nil
}

// CreateContact creates a contact in the configured inbox.
func (c *Client) CreateContact(ctx context.Context, p ContactPayload) (Contact, error) {
	if p.InboxID == 0 {
		p.InboxID = c.inboxID
	}
	body, err := c.do(ctx, "create contact", resty.MethodPost, c.path("/contacts"), p, nil)
	if err != nil {
		return Contact{}, err
	}
	var out Contact
	if err := decodeObject(body, &out, "payload.contact", "payload"); err != nil {
		return Contact{}, fmt.Errorf("decode contact: %w", err)
	}
	return out, nil
}

// UpdateContact patches contact fields.
func (c *Client) UpdateContact(ctx context.Context, id int64, p ContactPayload) error {
	_, err := c.do(ctx, "update contact", resty.MethodPut, c.path("/contacts/%d", id), p, nil)
	return err
}

// ListContactConversations lists every conversation of a contact.
func (c *Client) ListContactConversations(ctx context.Context, contactID int64) ([]Conversation, error) {
	body, err := c.do(ctx, "list contact conversations", resty.MethodGet, c.path("/contacts/%d/conversations", contactID), nil, nil)
	if err != nil {
		return nil, err
	}
	var out []Conversation
	if err := decodeList(body, &out); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return out, nil
}

// GetConversation fetches one conversation including custom attributes.
func (c *Client) GetConversation(ctx context.Context, id int64) (Conversation, error) {
	body, err := c.do(ctx, "get conversation", resty.MethodGet, c.path("/conversations/%d", id), nil, nil)
	if err != nil {
		return Conversation{}, err
	}
	var out Conversation
	if err := decodeObject(body, &out, "payload"); err != nil {
		return Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return out, nil
}

// CreateConversation opens a new conversation.
func (c *Client) CreateConversation(ctx context.Context, p ConversationPayload) (Conversation, error) {
	if p.InboxID == 0 {
		p.InboxID = c.inboxID
	}
	body, err := c.do(ctx, "create conversation", resty.MethodPost, c.path("/conversations"), p, nil)
	if err != nil {
		return Conversation{}, err
	}
	var out Conversation
	if err := decodeObject(body, &out, "payload"); err != nil {
		return Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return out, nil
}

// UpdateConversationAttributes merges custom attributes into a conversation.
func (c *Client) UpdateConversationAttributes(ctx context.Context, id int64, attrs map[string]any) error {
	_, err := c.do(ctx, "update conversation attributes", resty.MethodPatch, c.path("/conversations/%d", id),
		map[string]any{"custom_attributes": attrs}, nil)
	return err
}

// ToggleStatus sets the conversation status (open, pending, resolved, bot).
func (c *Client) ToggleStatus(ctx context.Context, id int64, status string) error {
	_, err := c.do(ctx, "toggle status", resty.MethodPost, c.path("/conversations/%d/toggle_status", id),
		map[string]string{"status": status}, nil)
	return err
}

// PostMessage sends a message into a conversation.
func (c *Client) PostMessage(ctx context.Context, conversationID int64, p MessagePayload) (Message, error) {
	if p.MessageType == "" {
		p.MessageType = "outgoing"
	}
	body, err := c.do(ctx, "post message", resty.MethodPost, c.path("/conversations/%d/messages", conversationID), p, nil)
	if err != nil {
		return Message{}, err
	}
	var out Message
	if err := decodeObject(body, &out); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return out, nil
}

// decodeList accepts both {"payload": [...]} and a bare array.
func decodeList(body []byte, out any) error {
	root := gjson.ParseBytes(body)
	list := root.Get("payload")
	if !list.IsArray() {
		list = root
	}
	if !list.IsArray() {
		return fmt.Errorf("expected array, got %s", list.Type)
	}
	return json.Unmarshal([]byte(list.Raw), out)
}

// decodeObject unwraps the first envelope path that holds an object with an id.
func decodeObject(body []byte, out any, envelopes ...string) error {
	root := gjson.ParseBytes(body)
	for _, path := range envelopes {
		if v := root.Get(path); v.IsObject() && v.Get("id").Exists() {
			return json.Unmarshal([]byte(v.Raw), out)
		}
	}
	return json.Unmarshal(body, out)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
