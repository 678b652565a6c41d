// Package directory resolves, lists and deletes conversations. It is
// the only component that creates conversation rows, so the
// (listing, buyer) uniqueness rules live here.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Samuel-0228/sabimarket/internal/backend"
	"github.com/Samuel-0228/sabimarket/internal/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrOwnListing rejects a buyer contacting their own listing.
	ErrOwnListing = errors.New("directory: cannot contact your own listing")

	// ErrPartialDelete reports that the messages were removed but the
	// conversation row delete failed. Callers should refresh their list
	// state instead of trusting local bookkeeping.
	ErrPartialDelete = errors.New("directory: conversation row delete failed after messages were removed")
)

const opTimeout = 15 * time.Second

// requeryPolicy bounds the lookup of the winning row after an insert
// lost the uniqueness race; the winner may not be visible to the very
// first read.
var requeryPolicy = retry.Policy{Attempts: 4, Delay: 250 * time.Millisecond}

// enrichmentFanout caps concurrent listing/profile lookups during List.
const enrichmentFanout = 8

// Summary is a conversation enriched for inbox display.
type Summary struct {
	backend.Conversation
	ListingTitle    string
	ListingImageURL string
	ListingPrice    int64
	CounterpartName string
}

// Directory looks conversations up and creates them.
type Directory struct {
	convs    backend.ConversationStore
	msgs     backend.MessageStore
	listings backend.ListingStore
	profiles backend.ProfileStore
	logger   *zap.Logger
}

// New creates a directory over the given stores.
func New(convs backend.ConversationStore, msgs backend.MessageStore, listings backend.ListingStore, profiles backend.ProfileStore, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		convs:    convs,
		msgs:     msgs,
		listings: listings,
		profiles: profiles,
		logger:   logger,
	}
}

// GetOrCreate returns the id of the single conversation for
// (listingID, buyerID), creating it if absent. Safe to call
// concurrently from two tabs of the same buyer: an insert that loses
// the uniqueness race re-queries for the winning row instead of
// surfacing an error. sellerID may be empty, in which case it is
// resolved from the listing.
func (d *Directory) GetOrCreate(ctx context.Context, listingID, sellerID, buyerID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if sellerID == "" {
		listing, err := d.listings.GetListing(ctx, listingID)
		if err != nil {
			return "", fmt.Errorf("resolve seller: %w", err)
		}
		sellerID = listing.SellerID
	}
	if sellerID == buyerID {
		return "", ErrOwnListing
	}

	existing, err := d.convs.FindConversation(ctx, listingID, buyerID)
	if err != nil {
		return "", fmt.Errorf("find conversation: %w", err)
	}
	if existing != nil {
		return existing.ID, nil
	}

	created, err := d.convs.InsertConversation(ctx, &backend.Conversation{
		ListingID: listingID,
		BuyerID:   buyerID,
		SellerID:  sellerID,
	})
	if err == nil {
		return created.ID, nil
	}
	if !errors.Is(err, backend.ErrUniqueViolation) {
		return "", fmt.Errorf("create conversation: %w", err)
	}

	// Someone else just created it. Fetch the winning row; it may lag
	// the violation by a beat.
	d.logger.Info("conversation create lost race, re-querying",
		zap.String("listing_id", listingID), zap.String("buyer_id", buyerID))
	winner, err := retry.Do(ctx, requeryPolicy, func(ctx context.Context) (*backend.Conversation, error) {
		conv, err := d.convs.FindConversation(ctx, listingID, buyerID)
		if err != nil {
			return nil, err
		}
		if conv == nil {
			return nil, backend.ErrNotFound
		}
		return conv, nil
	})
	if err != nil {
		return "", fmt.Errorf("fetch winning conversation: %w", err)
	}
	return winner.ID, nil
}

// List returns every conversation the user participates in, enriched
// with listing details and the counterpart's display name, ordered
// newest-created-first. Enrichment lookups fan out concurrently; a row
// whose listing or counterpart can no longer be resolved keeps its ids
// and empty display fields rather than dropping out of the list.
func (d *Directory) List(ctx context.Context, userID string) ([]Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	convs, err := d.convs.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	summaries := make([]Summary, len(convs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichmentFanout)
	for i, conv := range convs {
		i, conv := i, conv
		g.Go(func() error {
			summaries[i] = d.enrich(gctx, conv, userID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (d *Directory) enrich(ctx context.Context, conv backend.Conversation, userID string) Summary {
	s := Summary{Conversation: conv}

	listing, err := d.listings.GetListing(ctx, conv.ListingID)
	if err != nil {
		d.logger.Warn("listing lookup failed", zap.String("listing_id", conv.ListingID), zap.Error(err))
	} else {
		s.ListingTitle = listing.Title
		s.ListingImageURL = listing.ImageURL
		s.ListingPrice = listing.Price
	}

	counterpartID := conv.SellerID
	if userID == conv.SellerID {
		counterpartID = conv.BuyerID
	}
	profile, err := d.profiles.GetProfile(ctx, counterpartID)
	if err != nil {
		d.logger.Warn("profile lookup failed", zap.String("user_id", counterpartID), zap.Error(err))
	} else {
		s.CounterpartName = profile.DisplayName
	}
	return s
}

// Delete removes the conversation's messages and then the conversation
// row. A messages delete that finds zero rows is fine; a row delete
// that fails after the messages are gone is reported as
// ErrPartialDelete so the caller can refresh list state.
func (d *Directory) Delete(ctx context.Context, conversationID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := d.msgs.DeleteMessages(ctx, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err := d.convs.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("%w: %w", ErrPartialDelete, err)
	}
	return nil
}
