// Package memory is an in-memory backend implementation. It enforces
// the same constraints as the hosted store, including the
// (listing, buyer) uniqueness key, the participant access policy, and
// realtime fanout, so the inbox core can be exercised without a
// network. Used by tests and by inboxd's demo mode.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Samuel-0228/sabimarket/internal/backend"
	"github.com/google/uuid"
)

// Store implements every backend interface over process-local maps.
type Store struct {
	mu       sync.RWMutex
	current  *backend.User
	listings map[string]backend.Listing
	profiles map[string]backend.Profile
	convs    map[string]backend.Conversation
	convKey  map[string]string // listing_id + "\x00" + buyer_id -> conversation id
	msgs     map[string][]backend.Message
	subs     map[string]map[int]*channel
	nextSub  int
}

// New builds an empty store.
func New() *Store {
	return &Store{
		listings: make(map[string]backend.Listing),
		profiles: make(map[string]backend.Profile),
		convs:    make(map[string]backend.Conversation),
		convKey:  make(map[string]string),
		msgs:     make(map[string][]backend.Message),
		subs:     make(map[string]map[int]*channel),
	}
}

// SignIn sets the current user. Pass empty id to sign out.
func (s *Store) SignIn(id, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		s.current = nil
		return
	}
	s.current = &backend.User{ID: id, Email: email}
}

// AddListing seeds a listing row.
func (s *Store) AddListing(l backend.Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[l.ID] = l
}

// AddProfile seeds a profile row.
func (s *Store) AddProfile(p backend.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

// CurrentUser implements backend.Auth.
func (s *Store) CurrentUser(_ context.Context) (*backend.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, backend.ErrUnauthenticated
	}
	u := *s.current
	return &u, nil
}

func convKey(listingID, buyerID string) string {
	return listingID + "\x00" + buyerID
}

// FindConversation implements backend.ConversationStore.
func (s *Store) FindConversation(_ context.Context, listingID, buyerID string) (*backend.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.convKey[convKey(listingID, buyerID)]
	if !ok {
		return nil, nil
	}
	c := s.convs[id]
	return &c, nil
}

// InsertConversation implements backend.ConversationStore.
func (s *Store) InsertConversation(_ context.Context, conv *backend.Conversation) (*backend.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := convKey(conv.ListingID, conv.BuyerID)
	if _, exists := s.convKey[key]; exists {
		return nil, backend.ErrUniqueViolation
	}
	stored := *conv
	stored.ID = uuid.NewString()
	stored.CreatedAt = time.Now()
	s.convs[stored.ID] = stored
	s.convKey[key] = stored.ID
	out := stored
	return &out, nil
}

// ListConversations implements backend.ConversationStore.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]backend.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []backend.Conversation
	for _, c := range s.convs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if c.BuyerID == userID || c.SellerID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// DeleteConversation implements backend.ConversationStore.
func (s *Store) DeleteConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return backend.ErrNotFound
	}
	delete(s.convs, conversationID)
	delete(s.convKey, convKey(c.ListingID, c.BuyerID))
	return nil
}

// ListMessages implements backend.MessageStore.
func (s *Store) ListMessages(_ context.Context, conversationID string) ([]backend.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.msgs[conversationID]
	out := make([]backend.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// InsertMessage persists a message, enforcing the participant policy,
// and fans the stored row out to open channels.
func (s *Store) InsertMessage(_ context.Context, msg *backend.Message) (*backend.Message, error) {
	s.mu.Lock()
	conv, ok := s.convs[msg.ConversationID]
	if !ok {
		s.mu.Unlock()
		return nil, backend.ErrNotFound
	}
	if msg.SenderID != conv.BuyerID && msg.SenderID != conv.SellerID {
		s.mu.Unlock()
		return nil, backend.ErrNotParticipant
	}
	stored := *msg
	stored.ID = uuid.NewString()
	stored.CreatedAt = time.Now()
	s.msgs[stored.ConversationID] = append(s.msgs[stored.ConversationID], stored)

	// Snapshot subscribers while holding the lock, deliver after.
	var targets []*channel
	for _, ch := range s.subs[stored.ConversationID] {
		targets = append(targets, ch)
	}
	s.mu.Unlock()

	for _, ch := range targets {
		ch.deliver(stored)
	}
	out := stored
	return &out, nil
}

// DeleteMessages implements backend.MessageStore. Deleting zero rows
// is a success.
func (s *Store) DeleteMessages(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.msgs, conversationID)
	return nil
}

// GetListing implements backend.ListingStore.
func (s *Store) GetListing(_ context.Context, listingID string) (*backend.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[listingID]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return &l, nil
}

// GetProfile implements backend.ProfileStore.
func (s *Store) GetProfile(_ context.Context, userID string) (*backend.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return &p, nil
}

// MessageInserts implements backend.Realtime.
func (s *Store) MessageInserts(_ context.Context, conversationID string) (backend.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := &channel{
		store:          s,
		id:             id,
		conversationID: conversationID,
		events:         make(chan backend.Message, 64),
	}
	if s.subs[conversationID] == nil {
		s.subs[conversationID] = make(map[int]*channel)
	}
	s.subs[conversationID][id] = ch
	return ch, nil
}

// OpenChannels reports how many realtime channels are currently open.
// Tests use it to assert the one-subscription invariant.
func (s *Store) OpenChannels() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, subs := range s.subs {
		n += len(subs)
	}
	return n
}

type channel struct {
	store          *Store
	id             int
	conversationID string

	mu     sync.Mutex
	closed bool
	events chan backend.Message
}

func (c *channel) Events() <-chan backend.Message {
	return c.events
}

func (c *channel) Close() error {
	c.store.mu.Lock()
	if subs := c.store.subs[c.conversationID]; subs != nil {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(c.store.subs, c.conversationID)
		}
	}
	c.store.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *channel) deliver(msg backend.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- msg:
	default:
		// Drop if the consumer is not keeping up.
	}
}
