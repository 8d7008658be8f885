// Package agentbus provides a client for the agentbus HTTP and WebSocket API.
package agentbus

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/crypto"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
)

// Client is an agentbus API client.
type Client struct {
	BaseURL    string
	ConfigDir  string
	AgentID    string
	APIKey     string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	HTTPClient *http.Client
}

// Config holds agent credentials persisted on disk.
type Config struct {
	ID        string `json:"id"`
	PublicKey string `json:"public_key"`
	APIKey    string `json:"api_key,omitempty"`
}

// Error is a non-2xx API response.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("agentbus error %d: %s", e.Status, e.Message)
}

// NewClient creates a new client and loads saved credentials if present.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	configDir := os.Getenv("AGENTBUS_CONFIG")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".agentbus")
	}

	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ConfigDir:  configDir,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}

	_ = c.LoadConfig()
	return c
}

// LoadConfig loads agent credentials from disk.
func (c *Client) LoadConfig() error {
	data, err := os.ReadFile(filepath.Join(c.ConfigDir, "agent.json"))
	if err != nil {
		return err
	}
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return err
	}

	keyData, err := os.ReadFile(filepath.Join(c.ConfigDir, "private.key"))
	if err != nil {
		return err
	}
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(keyData)))
	if err != nil {
		return err
	}

	c.AgentID = config.ID
	c.APIKey = config.APIKey
	c.PrivateKey = ed25519.NewKeyFromSeed(seed)
	c.PublicKey = c.PrivateKey.Public().(ed25519.PublicKey)
	return nil
}

// SaveConfig saves agent credentials to disk.
func (c *Client) SaveConfig() error {
	if err := os.MkdirAll(c.ConfigDir, 0700); err != nil {
		return err
	}

	config := Config{
		ID:        c.AgentID,
		PublicKey: base64.StdEncoding.EncodeToString(c.PublicKey),
		APIKey:    c.APIKey,
	}
	data, _ := json.MarshalIndent(config, "", "  ")
	if err := os.WriteFile(filepath.Join(c.ConfigDir, "agent.json"), data, 0600); err != nil {
		return err
	}

	keyData := base64.StdEncoding.EncodeToString(c.PrivateKey.Seed())
	return os.WriteFile(filepath.Join(c.ConfigDir, "private.key"), []byte(keyData), 0600)
}

// GenerateKeypair generates a new Ed25519 keypair.
func (c *Client) GenerateKeypair() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	c.PublicKey = pub
	c.PrivateKey = priv
	return nil
}

// signRequest creates authentication headers for a request.
func (c *Client) signRequest(body []byte) http.Header {
	hash := sha256.Sum256(body)
	nonce := crypto.NewNonce()
	ts := time.Now().UnixMilli()

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Agent-ID", c.AgentID)
	headers.Set("X-Agent-Nonce", nonce)
	headers.Set("X-Agent-Timestamp", strconv.FormatInt(ts, 10))
	headers.Set("X-Agent-Signature", crypto.Sign(c.PrivateKey, hex.EncodeToString(hash[:]), nonce, ts))
	return headers
}

// do performs a request and decodes a JSON response into out when non-nil.
// It returns the status code so callers can tell 204 from 200.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}, signed bool) (int, error) {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	if signed {
		req.Header = c.signRequest(body)
	} else if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return resp.StatusCode, &Error{Status: resp.StatusCode, Message: errResp.Error}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

// RegisterResponse is the response from principal registration.
type RegisterResponse struct {
	ID         string      `json:"id"`
	Tier       models.Tier `json:"tier"`
	ProfileURL string      `json:"profile_url"`
	APIKey     string      `json:"api_key,omitempty"`
}

// Register generates a keypair, registers it and saves the credentials.
func (c *Client) Register(ctx context.Context, name string) (*RegisterResponse, error) {
	if err := c.GenerateKeypair(); err != nil {
		return nil, err
	}

	req := map[string]string{
		"public_key": base64.StdEncoding.EncodeToString(c.PublicKey),
		"name":       name,
	}
	var resp RegisterResponse
	if _, err := c.do(ctx, http.MethodPost, "/register", req, &resp, false); err != nil {
		return nil, err
	}

	c.AgentID = resp.ID
	c.APIKey = resp.APIKey
	if err := c.SaveConfig(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Profile is a principal's public profile.
type Profile struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Tier      models.Tier `json:"tier"`
	PublicKey string      `json:"public_key"`
	JoinedAt  time.Time   `json:"joined_at"`
}

// Who gets a principal's profile.
func (c *Client) Who(ctx context.Context, id string) (*Profile, error) {
	var resp Profile
	if _, err := c.do(ctx, http.MethodGet, "/who/"+url.PathEscape(id), nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health returns the raw health document.
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	var resp map[string]interface{}
	_, err := c.do(ctx, http.MethodGet, "/health", nil, &resp, false)
	return resp, err
}

// Enqueue adds a message to a queue and returns its id.
func (c *Client) Enqueue(ctx context.Context, queue string, typ models.MessageType, payload interface{}, priority models.Priority) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req := map[string]interface{}{
		"type":     typ,
		"payload":  json.RawMessage(raw),
		"priority": priority,
	}
	var resp struct {
		ID string `json:"id"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/queue/"+url.PathEscape(queue), req, &resp, true); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Dequeue pops the next message, or returns nil when the queue is empty.
func (c *Client) Dequeue(ctx context.Context, queue string) (*models.QueueMessage, error) {
	var msg models.QueueMessage
	status, err := c.do(ctx, http.MethodPost, "/queue/"+url.PathEscape(queue)+"/dequeue", nil, &msg, true)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &msg, nil
}

// Retry hands a failed message back to its queue. It reports whether the
// message was dead-lettered instead.
func (c *Client) Retry(ctx context.Context, queue string, msg *models.QueueMessage) (bool, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/queue/"+url.PathEscape(queue)+"/retry", msg, &resp, true); err != nil {
		return false, err
	}
	return resp.Status == "dead_lettered", nil
}

// Publish appends data to a channel and returns the event id.
func (c *Client) Publish(ctx context.Context, channel string, data interface{}) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/stream/"+url.PathEscape(channel), data, &resp, true); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// StreamPage is one page of channel events.
type StreamPage struct {
	Channel string               `json:"channel"`
	Events  []models.StreamEvent `json:"events"`
	Next    string               `json:"next"`
}

// Read returns events after from. Pass Next back to continue.
func (c *Client) Read(ctx context.Context, channel, from string, limit int) (*StreamPage, error) {
	q := url.Values{}
	if from != "" {
		q.Set("from", from)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/stream/" + url.PathEscape(channel)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page StreamPage
	if _, err := c.do(ctx, http.MethodGet, path, nil, &page, true); err != nil {
		return nil, err
	}
	return &page, nil
}

// Broadcast publishes an agent event to a conversation.
func (c *Client) Broadcast(ctx context.Context, conversationID string, ev models.AgentEvent) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/broadcast", ev, &resp, true); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// SetPresence sets the caller's presence.
func (c *Client) SetPresence(ctx context.Context, status models.PresenceStatus) error {
	_, err := c.do(ctx, http.MethodPut, "/presence", map[string]string{"status": string(status)}, nil, true)
	return err
}

// Presence returns a user's presence.
func (c *Client) Presence(ctx context.Context, userID string) (models.PresenceStatus, error) {
	var resp struct {
		Status models.PresenceStatus `json:"status"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/presence/"+url.PathEscape(userID), nil, &resp, true); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Conn is a live WebSocket connection.
type Conn struct {
	SessionID string
	ws        *websocket.Conn
}

// Connect opens a WebSocket for conversationID using the saved API key.
func (c *Client) Connect(ctx context.Context, conversationID string) (*Conn, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = url.Values{"conversation": {conversationID}}.Encode()

	header := http.Header{}
	header.Set("X-Agent-ID", c.AgentID)
	header.Set("X-Agent-Key", c.APIKey)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, &Error{Status: resp.StatusCode, Message: "websocket handshake failed"}
		}
		return nil, err
	}

	conn := &Conn{ws: ws}
	welcome, err := conn.Receive()
	if err != nil {
		ws.Close()
		return nil, err
	}
	conn.SessionID = welcome.SessionID
	return conn, nil
}

// Subscribe asks for events on channel.
func (c *Conn) Subscribe(channel string) error {
	return c.ws.WriteJSON(models.ProtocolMessage{Type: models.ProtocolSubscribe, Channel: channel})
}

// Action sends a user action for the connection's conversation.
func (c *Conn) Action(payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.ws.WriteJSON(models.ProtocolMessage{Type: models.ProtocolAction, Payload: raw})
}

// Ping sends a protocol ping, which also refreshes presence.
func (c *Conn) Ping() error {
	return c.ws.WriteJSON(models.ProtocolMessage{Type: models.ProtocolPing})
}

// Receive blocks for the next server message.
func (c *Conn) Receive() (*models.ProtocolMessage, error) {
	var msg models.ProtocolMessage
	if err := c.ws.ReadJSON(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}
