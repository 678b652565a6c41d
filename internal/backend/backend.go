// Package backend defines the data-access surface the inbox core
// consumes from the hosted storage/identity collaborator. The inbox
// never talks to a wire protocol directly: components receive these
// interfaces by constructor injection so tests can substitute fakes.
package backend

import (
	"context"
	"errors"
)

// Error taxonomy shared by all implementations. Callers match with
// errors.Is; implementations wrap these with transport detail.
var (
	// ErrUnauthenticated is returned when no signed-in user can be
	// resolved. Operations fail with it before any network call.
	ErrUnauthenticated = errors.New("backend: unauthenticated")

	// ErrNotParticipant is the store-level rejection when the caller is
	// neither buyer nor seller of the target conversation.
	ErrNotParticipant = errors.New("backend: not a conversation participant")

	// ErrUniqueViolation signals an insert lost a race against a
	// concurrent insert of the same unique key. Not an error to end
	// users; callers re-query for the winning row.
	ErrUniqueViolation = errors.New("backend: unique constraint violation")

	// ErrNotFound is returned by point lookups of rows that must exist.
	ErrNotFound = errors.New("backend: row not found")
)

// Auth resolves the current signed-in user.
type Auth interface {
	// CurrentUser returns ErrUnauthenticated when nobody is signed in.
	CurrentUser(ctx context.Context) (*User, error)
}

// ConversationStore is the conversations table.
type ConversationStore interface {
	// FindConversation returns (nil, nil) when no row matches; a lookup
	// miss is an expected outcome, not an error.
	FindConversation(ctx context.Context, listingID, buyerID string) (*Conversation, error)

	// InsertConversation persists a new conversation and returns the
	// stored row with its server-assigned id and timestamp. Returns
	// ErrUniqueViolation when a row for the same (listing, buyer)
	// already exists.
	InsertConversation(ctx context.Context, conv *Conversation) (*Conversation, error)

	// ListConversations returns every conversation where the user is
	// buyer or seller, newest-created-first.
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)

	// DeleteConversation removes the conversation row. Messages must
	// already be gone; the store cascades nothing on behalf of the
	// client.
	DeleteConversation(ctx context.Context, conversationID string) error
}

// MessageStore is the messages table.
type MessageStore interface {
	// ListMessages returns confirmed messages ascending by created_at.
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)

	// InsertMessage persists a message and returns the confirmed row.
	// Returns ErrNotParticipant when the sender is not part of the
	// conversation.
	InsertMessage(ctx context.Context, msg *Message) (*Message, error)

	// DeleteMessages removes all messages of a conversation. Finding
	// zero rows is a success.
	DeleteMessages(ctx context.Context, conversationID string) error
}

// ListingStore resolves listing rows for enrichment.
type ListingStore interface {
	GetListing(ctx context.Context, listingID string) (*Listing, error)
}

// ProfileStore resolves display profiles for enrichment.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
}

// Realtime opens server-filtered push channels.
type Realtime interface {
	// MessageInserts opens a channel delivering inserts for exactly one
	// conversation. The returned Channel must be closed before another
	// is opened for the same consumer.
	MessageInserts(ctx context.Context, conversationID string) (Channel, error)
}

// Channel is one open push subscription.
type Channel interface {
	// Events yields pushed rows. The channel is closed after Close or
	// when the underlying connection drops.
	Events() <-chan Message

	// Close tears the subscription down. Idempotent.
	Close() error
}
