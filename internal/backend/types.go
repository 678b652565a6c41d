package backend

import "time"

// User is the signed-in identity resolved from the access token.
type User struct {
	ID    string
	Email string
}

// Conversation is a negotiation channel scoped to one listing and one
// buyer/seller pair. At most one conversation exists per
// (ListingID, BuyerID); the seller is denormalized from the listing at
// creation time for query convenience.
type Conversation struct {
	ID        string
	ListingID string
	BuyerID   string
	SellerID  string
	CreatedAt time.Time
}

// Message is one chat utterance within a conversation. ID and CreatedAt
// are server-assigned on confirmed rows.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	CreatedAt      time.Time
}

// Listing carries the subset of a marketplace listing the inbox needs
// for conversation enrichment.
type Listing struct {
	ID       string
	SellerID string
	Title    string
	ImageURL string
	// Price in minor currency units.
	Price int64
}

// Profile is a user's public display record.
type Profile struct {
	ID          string
	DisplayName string
}
