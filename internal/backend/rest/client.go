// Package rest implements the backend interfaces against the hosted
// marketplace API. The API speaks PostgREST conventions: tables are
// resources, filters are query parameters like `listing_id=eq.X`, and
// writes return the stored representation when asked to.
package rest

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

	"github.com/Samuel-0228/sabimarket/internal/backend"
	"go.uber.org/zap"
)

const requestTimeout = 15 * time.Second

// Client talks to the hosted store. One instance serves all table
// accessors; it is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a client for the given project URL. The token is
// the signed-in user's access token; the server enforces row-level
// access with it.
func NewClient(baseURL, apiKey, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

type conversationRow struct {
	ID        string    `json:"id,omitempty"`
	ListingID string    `json:"listing_id"`
	BuyerID   string    `json:"buyer_id"`
	SellerID  string    `json:"seller_id"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type messageRow struct {
	ID             string    `json:"id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

type listingRow struct {
	ID       string `json:"id"`
	SellerID string `json:"seller_id"`
	Title    string `json:"title"`
	ImageURL string `json:"image_url"`
	Price    int64  `json:"price"`
}

type profileRow struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// FindConversation implements backend.ConversationStore. A missing row
// is (nil, nil), not an error.
func (c *Client) FindConversation(ctx context.Context, listingID, buyerID string) (*backend.Conversation, error) {
	q := url.Values{}
	q.Set("listing_id", "eq."+listingID)
	q.Set("buyer_id", "eq."+buyerID)
	q.Set("limit", "1")

	var rows []conversationRow
	if err := c.get(ctx, "conversations", q, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	conv := rows[0].toConversation()
	return &conv, nil
}

// InsertConversation implements backend.ConversationStore. The
// (listing_id, buyer_id) unique index surfaces as ErrUniqueViolation.
func (c *Client) InsertConversation(ctx context.Context, conv *backend.Conversation) (*backend.Conversation, error) {
	row := conversationRow{ListingID: conv.ListingID, BuyerID: conv.BuyerID, SellerID: conv.SellerID}
	var created []conversationRow
	if err := c.post(ctx, "conversations", row, &created); err != nil {
		return nil, err
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("rest: insert returned no representation")
	}
	out := created[0].toConversation()
	return &out, nil
}

// ListConversations implements backend.ConversationStore.
func (c *Client) ListConversations(ctx context.Context, userID string) ([]backend.Conversation, error) {
	q := url.Values{}
	q.Set("or", fmt.Sprintf("(buyer_id.eq.%s,seller_id.eq.%s)", userID, userID))
	q.Set("order", "created_at.desc")

	var rows []conversationRow
	if err := c.get(ctx, "conversations", q, &rows); err != nil {
		return nil, err
	}
	out := make([]backend.Conversation, len(rows))
	for i, r := range rows {
		out[i] = r.toConversation()
	}
	return out, nil
}

// DeleteConversation implements backend.ConversationStore.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	q := url.Values{}
	q.Set("id", "eq."+conversationID)
	return c.delete(ctx, "conversations", q)
}

// ListMessages implements backend.MessageStore, oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]backend.Message, error) {
	q := url.Values{}
	q.Set("conversation_id", "eq."+conversationID)
	q.Set("order", "created_at.asc")

	var rows []messageRow
	if err := c.get(ctx, "messages", q, &rows); err != nil {
		return nil, err
	}
	out := make([]backend.Message, len(rows))
	for i, r := range rows {
		out[i] = r.toMessage()
	}
	return out, nil
}

// InsertMessage implements backend.MessageStore. Row-level policy
// rejections map to ErrNotParticipant.
func (c *Client) InsertMessage(ctx context.Context, msg *backend.Message) (*backend.Message, error) {
	row := messageRow{ConversationID: msg.ConversationID, SenderID: msg.SenderID, Content: msg.Content}
	var created []messageRow
	if err := c.post(ctx, "messages", row, &created); err != nil {
		return nil, err
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("rest: insert returned no representation")
	}
	out := created[0].toMessage()
	return &out, nil
}

// DeleteMessages implements backend.MessageStore. Matching zero rows
// is a success, so deleting an empty conversation works.
func (c *Client) DeleteMessages(ctx context.Context, conversationID string) error {
	q := url.Values{}
	q.Set("conversation_id", "eq."+conversationID)
	return c.delete(ctx, "messages", q)
}

// GetListing implements backend.ListingStore.
func (c *Client) GetListing(ctx context.Context, listingID string) (*backend.Listing, error) {
	q := url.Values{}
	q.Set("id", "eq."+listingID)
	q.Set("limit", "1")

	var rows []listingRow
	if err := c.get(ctx, "listings", q, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, backend.ErrNotFound
	}
	r := rows[0]
	return &backend.Listing{ID: r.ID, SellerID: r.SellerID, Title: r.Title, ImageURL: r.ImageURL, Price: r.Price}, nil
}

// GetProfile implements backend.ProfileStore.
func (c *Client) GetProfile(ctx context.Context, userID string) (*backend.Profile, error) {
	q := url.Values{}
	q.Set("id", "eq."+userID)
	q.Set("limit", "1")

	var rows []profileRow
	if err := c.get(ctx, "profiles", q, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, backend.ErrNotFound
	}
	return &backend.Profile{ID: rows[0].ID, DisplayName: rows[0].DisplayName}, nil
}

func (r conversationRow) toConversation() backend.Conversation {
	return backend.Conversation{ID: r.ID, ListingID: r.ListingID, BuyerID: r.BuyerID, SellerID: r.SellerID, CreatedAt: r.CreatedAt}
}

func (r messageRow) toMessage() backend.Message {
	return backend.Message{ID: r.ID, ConversationID: r.ConversationID, SenderID: r.SenderID, Content: r.Content, CreatedAt: r.CreatedAt}
}

func (c *Client) get(ctx context.Context, table string, q url.Values, out any) error {
	return c.do(ctx, http.MethodGet, table, q, nil, out)
}

func (c *Client) post(ctx context.Context, table string, body, out any) error {
	return c.do(ctx, http.MethodPost, table, nil, body, out)
}

func (c *Client) delete(ctx context.Context, table string, q url.Values) error {
	return c.do(ctx, http.MethodDelete, table, q, nil, nil)
}

func (c *Client) do(ctx context.Context, method, table string, q url.Values, body, out any) error {
	u := c.baseURL + "/rest/v1/" + table
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rest: %s %s: %w", method, table, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return c.mapError(resp, method, table)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rest: decode %s %s: %w", method, table, err)
	}
	return nil
}

// apiError is the PostgREST error body. Code carries the SQL state,
// e.g. 23505 for a unique violation.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) mapError(resp *http.Response, method, table string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body apiError
	_ = json.Unmarshal(raw, &body)

	c.logger.Debug("request rejected",
		zap.String("method", method),
		zap.String("table", table),
		zap.Int("status", resp.StatusCode),
		zap.String("code", body.Code))

	detail := body.Message
	if detail == "" {
		detail = strings.TrimSpace(string(raw))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", backend.ErrUnauthenticated, detail)
	case resp.StatusCode == http.StatusConflict || body.Code == "23505":
		return fmt.Errorf("%w: %s", backend.ErrUniqueViolation, detail)
	case resp.StatusCode == http.StatusForbidden || body.Code == "42501":
		return fmt.Errorf("%w: %s", backend.ErrNotParticipant, detail)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", backend.ErrNotFound, detail)
	default:
		return fmt.Errorf("rest: %s %s: status %d: %s", method, table, resp.StatusCode, detail)
	}
}
