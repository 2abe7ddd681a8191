// ABOUTME: REST client for the messaging-session bridge
// ABOUTME: Connection state confirmation, profile lookup, history paging and presence

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/switchboard/internal/store"
)

// ErrInstanceNotFound is returned when the bridge has no instance by that name
var ErrInstanceNotFound = errors.New("bridge instance not found")

// StatusError is a non-success response from the bridge
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bridge %s: status %d: %s", e.Op, e.Code, e.Body)
}

// Profile is the public profile of a connected number
type Profile struct {
	Name       string `json:"name"`
	PictureURL string `json:"picture"`
}

// MessageKey identifies a message on the bridge
type MessageKey struct {
	ID        string `json:"id" validate:"required"`
	RemoteJID string `json:"remoteJid" validate:"required"`
	FromMe    bool   `json:"fromMe"`
}

// MessageContent is the subset of message bodies the platform stores
type MessageContent struct {
	Conversation string `json:"conversation,omitempty"`
	ExtendedText *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage,omitempty"`
}

// Text returns the plain text body, if any
func (c *MessageContent) Text() string {
	if c == nil {
		return ""
	}
	if c.Conversation != "" {
		return c.Conversation
	}
	if c.ExtendedText != nil {
		return c.ExtendedText.Text
	}
	return ""
}

// MessageRecord is one message as reported by history paging and upsert webhooks
type MessageRecord struct {
	Key              MessageKey      `json:"key" validate:"required"`
	PushName         string          `json:"pushName,omitempty"`
	Message          *MessageContent `json:"message,omitempty"`
	MessageType      string          `json:"messageType,omitempty"`
	MessageTimestamp int64           `json:"messageTimestamp,omitempty"`
	Status           string          `json:"status,omitempty"`
}

// Timestamp converts the unix seconds timestamp, falling back to now
func (r *MessageRecord) Timestamp() time.Time {
	if r.MessageTimestamp <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(r.MessageTimestamp, 0).UTC()
}

// MessagePage is one page of instance history
type MessagePage struct {
	Total       int             `json:"total"`
	Pages       int             `json:"pages"`
	CurrentPage int             `json:"currentPage"`
	Records     []MessageRecord `json:"records"`
}

// Client talks to one bridge deployment
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a bridge client. A zero timeout means no client timeout.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// ConnectionState asks the bridge for the instance's current upstream state
func (c *Client) ConnectionState(ctx context.Context, instance string) (store.ConnectionState, error) {
	var resp struct {
		Instance struct {
			InstanceName string `json:"instanceName"`
			State        string `json:"state"`
		} `json:"instance"`
	}
	if err := c.do(ctx, "connectionState", http.MethodGet, "/instance/connectionState/"+url.PathEscape(instance), nil, &resp); err != nil {
		return "", err
	}
	state := store.ConnectionState(resp.Instance.State)
	if !state.Valid() {
		return "", fmt.Errorf("bridge connectionState: unexpected state %q", resp.Instance.State)
	}
	return state, nil
}

// FetchProfile returns the profile for number as seen from instance
func (c *Client) FetchProfile(ctx context.Context, instance, number string) (*Profile, error) {
	var p Profile
	body := map[string]string{"number": number}
	if err := c.do(ctx, "fetchProfile", http.MethodPost, "/chat/fetchProfile/"+url.PathEscape(instance), body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// FindMessages returns one page of the instance's stored history. Pages are 1-based.
func (c *Client) FindMessages(ctx context.Context, instance string, page, pageSize int) (*MessagePage, error) {
	var resp struct {
		Messages MessagePage `json:"messages"`
	}
	body := map[string]int{"page": page, "offset": pageSize}
	if err := c.do(ctx, "findMessages", http.MethodPost, "/chat/findMessages/"+url.PathEscape(instance), body, &resp); err != nil {
		return nil, err
	}
	return &resp.Messages, nil
}

// SendPresence sets the instance's presence towards number
func (c *Client) SendPresence(ctx context.Context, instance, number, presence string) error {
	body := map[string]string{"number": number, "presence": presence}
	return c.do(ctx, "sendPresence", http.MethodPost, "/chat/sendPresence/"+url.PathEscape(instance), body, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, reqBody, out any) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshaling %s request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating %s request: %w", op, err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", op, err)
	}
	return nil
}
