package state

import (
	"database/sql"
	"time"
)

// ContactIntent is a stashed "contact seller" action waiting for the
// inbox to mount.
type ContactIntent struct {
	ListingID string
	SellerID  string
	StashedAt time.Time
}

// CachedConversation is one row of the conversation-list snapshot used
// to seed the inbox before the first network load completes.
type CachedConversation struct {
	ConversationID  string
	ListingID       string
	BuyerID         string
	SellerID        string
	ListingTitle    string
	ListingImageURL string
	ListingPrice    int64
	CounterpartName string
	CreatedAt       time.Time
}

// StashContactIntent records a pending contact-seller action. A second
// stash before consumption overwrites the first; only the latest intent
// is ever acted on.
func (db *DB) StashContactIntent(listingID, sellerID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO contact_intent (id, listing_id, seller_id, stashed_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			listing_id = excluded.listing_id,
			seller_id = excluded.seller_id,
			stashed_at = excluded.stashed_at`,
		listingID, sellerID, now)
	return err
}

// TakeContactIntent reads and clears the stashed intent in one
// transaction. Returns (nil, nil) when no intent is stashed; a second
// call after consumption always returns nil, which is what makes
// remount consumption idempotent.
func (db *DB) TakeContactIntent() (*ContactIntent, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var intent ContactIntent
	var stashedAt int64
	err = tx.QueryRow(`SELECT listing_id, seller_id, stashed_at FROM contact_intent WHERE id = 1`).
		Scan(&intent.ListingID, &intent.SellerID, &stashedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	intent.StashedAt = time.UnixMilli(stashedAt)

	if _, err := tx.Exec(`DELETE FROM contact_intent WHERE id = 1`); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &intent, nil
}

// ReplaceSnapshot overwrites the conversation-list snapshot with the
// latest server-confirmed list.
func (db *DB) ReplaceSnapshot(convs []CachedConversation) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversation_snapshot`); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, c := range convs {
		if _, err := tx.Exec(`
			INSERT INTO conversation_snapshot
				(conversation_id, listing_id, buyer_id, seller_id,
				 listing_title, listing_image_url, listing_price,
				 counterpart_name, created_at, cached_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ConversationID, c.ListingID, c.BuyerID, c.SellerID,
			c.ListingTitle, c.ListingImageURL, c.ListingPrice,
			c.CounterpartName, c.CreatedAt.UnixMilli(), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Snapshot returns the cached conversation list, newest-created-first.
func (db *DB) Snapshot() ([]CachedConversation, error) {
	rows, err := db.Query(`
		SELECT conversation_id, listing_id, buyer_id, seller_id,
		       listing_title, listing_image_url, listing_price,
		       counterpart_name, created_at
		FROM conversation_snapshot
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []CachedConversation
	for rows.Next() {
		var c CachedConversation
		var createdAt int64
		if err := rows.Scan(&c.ConversationID, &c.ListingID, &c.BuyerID, &c.SellerID,
			&c.ListingTitle, &c.ListingImageURL, &c.ListingPrice,
			&c.CounterpartName, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt = time.UnixMilli(createdAt)
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// SetSelected records the active conversation id.
func (db *DB) SetSelected(conversationID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO selection (id, conversation_id, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			updated_at = excluded.updated_at`,
		conversationID, now)
	return err
}

// Selected returns the last recorded active conversation id, or empty.
func (db *DB) Selected() (string, error) {
	var id string
	err := db.QueryRow(`SELECT conversation_id FROM selection WHERE id = 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}
