// Package inbox orchestrates the messaging core for one signed-in
// user: conversation list, active selection, optimistic sends,
// deletion, and the deferred-contact handoff. All dependencies are
// constructor-injected; there is no process-wide state.
package inbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Samuel-0228/sabimarket/internal/backend"
	"github.com/Samuel-0228/sabimarket/internal/bus"
	"github.com/Samuel-0228/sabimarket/internal/directory"
	"github.com/Samuel-0228/sabimarket/internal/live"
	"github.com/Samuel-0228/sabimarket/internal/messages"
	"github.com/Samuel-0228/sabimarket/internal/reconcile"
	"github.com/Samuel-0228/sabimarket/internal/state"
	"go.uber.org/zap"
)

// ErrNoActiveConversation is returned by Send when nothing is selected.
var ErrNoActiveConversation = errors.New("inbox: no active conversation")

// Options tune controller behavior per view context.
type Options struct {
	// WideViewport enables auto-selecting the newest conversation on
	// mount. Narrow viewports show the list only; the user must pick a
	// conversation explicitly.
	WideViewport bool
}

// Controller drives the inbox for one signed-in user.
type Controller struct {
	dir    *directory.Directory
	msgs   *messages.Accessor
	live   *live.Manager
	auth   backend.Auth
	db     *state.DB
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	mu         sync.Mutex
	user       backend.User
	convs      []directory.Summary
	active     string
	thread     *reconcile.Thread
	loadCancel context.CancelFunc

	quitOnce sync.Once
	quit     chan struct{}
	pumpDone chan struct{}
	unsub    func()
}

// New wires a controller. The state DB may be shared with the caller
// that stashes contact intents.
func New(dir *directory.Directory, msgs *messages.Accessor, lv *live.Manager, auth backend.Auth, db *state.DB, b *bus.Bus, logger *zap.Logger, opts Options) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		dir:    dir,
		msgs:   msgs,
		live:   lv,
		auth:   auth,
		db:     db,
		bus:    b,
		logger: logger,
		opts:   opts,
		quit:   make(chan struct{}),
	}
}

// Mount loads the conversation list, consumes a stashed contact intent
// exactly once, and on wide viewports auto-selects the newest
// conversation. A failed list fetch leaves the inbox in an empty/error
// state rather than failing the mount; only a missing signed-in user is
// a hard error.
func (c *Controller) Mount(ctx context.Context) error {
	user, err := c.auth.CurrentUser(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.user = *user
	c.mu.Unlock()

	// Seed from the local snapshot for instant first paint.
	if cached, err := c.db.Snapshot(); err != nil {
		c.logger.Warn("snapshot read failed", zap.Error(err))
	} else if len(cached) > 0 {
		c.mu.Lock()
		c.convs = fromCached(cached)
		c.mu.Unlock()
		c.publishUpdated()
	}

	c.startPump()

	if err := c.RefreshList(ctx); err != nil {
		c.logger.Error("initial conversation load failed", zap.Error(err))
		c.toastError("could not load your inbox")
	}

	if selected, err := c.consumeContactIntent(ctx, user.ID); err != nil {
		c.toastError("could not open the conversation")
	} else if selected {
		return nil
	}

	if c.opts.WideViewport {
		c.mu.Lock()
		needSelect := c.active == "" && len(c.convs) > 0
		var first string
		if needSelect {
			first = c.convs[0].ID
		}
		c.mu.Unlock()
		if needSelect {
			if err := c.Select(ctx, first); err != nil {
				c.logger.Warn("auto-select failed", zap.Error(err))
			}
		}
	}
	return nil
}

// consumeContactIntent resolves a stashed (listing, seller) intent into
// a selected conversation. The slot is cleared inside TakeContactIntent
// before any network call, so a remount never replays the action.
func (c *Controller) consumeContactIntent(ctx context.Context, buyerID string) (bool, error) {
	intent, err := c.db.TakeContactIntent()
	if err != nil || intent == nil {
		return false, err
	}
	c.logger.Info("resolving stashed contact intent",
		zap.String("listing_id", intent.ListingID))

	convID, err := c.dir.GetOrCreate(ctx, intent.ListingID, intent.SellerID, buyerID)
	if err != nil {
		return false, err
	}
	if err := c.RefreshList(ctx); err != nil {
		c.logger.Warn("list refresh after contact intent failed", zap.Error(err))
	}
	if err := c.Select(ctx, convID); err != nil {
		return false, err
	}
	return true, nil
}

// Select makes conversationID active: the previous subscription and any
// in-flight history load are torn down first, then history is loaded
// and the live channel opened. A load that completes after the user has
// already moved on is discarded.
func (c *Controller) Select(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	if c.loadCancel != nil {
		c.loadCancel()
	}
	loadCtx, cancel := context.WithCancel(ctx)
	c.loadCancel = cancel
	c.active = conversationID
	c.thread = nil
	// Previous channel must be fully closed before the new one opens.
	c.live.Close()
	c.mu.Unlock()

	history, err := c.msgs.History(loadCtx, conversationID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Selection moved on; nothing to report.
			return nil
		}
		c.toastError("could not load conversation")
		return err
	}

	c.mu.Lock()
	if c.active != conversationID {
		// Stale load for a conversation that is no longer active.
		c.mu.Unlock()
		return nil
	}
	c.thread = reconcile.NewThread(conversationID, history)

	// Switch while still holding the lock: a concurrent Select that has
	// already won must never see the subscription re-pointed at its
	// loser's conversation afterwards.
	switchErr := c.live.Switch(ctx, conversationID)
	c.mu.Unlock()
	if switchErr != nil {
		c.toastError("live updates unavailable")
		return switchErr
	}
	if err := c.db.SetSelected(conversationID); err != nil {
		c.logger.Warn("selection persist failed", zap.Error(err))
	}

	c.bus.Publish(bus.Event{Kind: bus.KindInboxSelected, Timestamp: time.Now(), Payload: conversationID})
	c.publishUpdated()
	return nil
}

// Send appends an optimistic pending bubble, persists the message, and
// lets reconciliation promote the bubble when either the send response
// or the channel echo arrives. On failure the bubble is removed and a
// toast emitted.
func (c *Controller) Send(ctx context.Context, content string) error {
	if err := messages.ValidateContent(content); err != nil {
		return err
	}

	c.mu.Lock()
	if c.active == "" || c.thread == nil {
		c.mu.Unlock()
		return ErrNoActiveConversation
	}
	conversationID := c.active
	pending := c.thread.AppendPending(c.user.ID, content)
	c.mu.Unlock()
	c.publishUpdated()

	row, err := c.msgs.Send(ctx, conversationID, content)
	if err != nil {
		c.mu.Lock()
		if c.thread != nil && c.thread.ConversationID() == conversationID {
			c.thread.RemovePending(pending.LocalID)
		}
		c.mu.Unlock()
		c.toastError("message failed to send")
		c.publishUpdated()
		return err
	}

	c.mu.Lock()
	changed := c.thread != nil && c.thread.ApplyConfirmed(*row)
	c.mu.Unlock()
	if changed {
		c.publishUpdated()
	}
	return nil
}

// Delete removes a conversation and its messages. The presentation
// layer is expected to confirm the destructive intent before calling.
// Removal is applied optimistically; if the store delete fails, the
// list is silently re-fetched instead of re-inserting the removed row
// by hand.
func (c *Controller) Delete(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	kept := c.convs[:0:0]
	for _, conv := range c.convs {
		if conv.ID != conversationID {
			kept = append(kept, conv)
		}
	}
	c.convs = kept
	wasActive := c.active == conversationID
	if wasActive {
		if c.loadCancel != nil {
			c.loadCancel()
		}
		c.active = ""
		c.thread = nil
	}
	c.mu.Unlock()
	if wasActive {
		c.live.Close()
	}
	c.publishUpdated()

	if err := c.dir.Delete(ctx, conversationID); err != nil {
		c.toastError("could not delete conversation")
		if rErr := c.RefreshList(ctx); rErr != nil {
			c.logger.Error("list refresh after failed delete failed", zap.Error(rErr))
		}
		return err
	}

	c.writeSnapshot()
	c.toastInfo("conversation deleted")
	return nil
}

// RefreshList re-fetches the conversation list from the store and
// updates the local snapshot.
func (c *Controller) RefreshList(ctx context.Context) error {
	c.mu.Lock()
	userID := c.user.ID
	c.mu.Unlock()

	list, err := c.dir.List(ctx, userID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.convs = list
	c.mu.Unlock()
	c.writeSnapshot()
	c.publishUpdated()
	return nil
}

// Teardown closes the live subscription, stops the event pump, and
// cancels any in-flight load. The controller cannot be reused after.
func (c *Controller) Teardown() {
	c.quitOnce.Do(func() { close(c.quit) })
	if c.pumpDone != nil {
		<-c.pumpDone
	}
	if c.unsub != nil {
		c.unsub()
	}
	c.live.Close()
	c.mu.Lock()
	if c.loadCancel != nil {
		c.loadCancel()
	}
	c.mu.Unlock()
}

// Conversations returns a copy of the current list state.
func (c *Controller) Conversations() []directory.Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]directory.Summary, len(c.convs))
	copy(out, c.convs)
	return out
}

// Active returns the selected conversation id, or empty.
func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Thread returns the merged message list for the active conversation.
func (c *Controller) Thread() []reconcile.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.thread == nil {
		return nil
	}
	return c.thread.Entries()
}

// User returns the signed-in user resolved at mount.
func (c *Controller) User() backend.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// startPump folds live.message bus events into the active thread.
func (c *Controller) startPump() {
	ch, unsub := c.bus.Subscribe("live.", 64)
	c.unsub = unsub
	done := make(chan struct{})
	c.pumpDone = done

	go func() {
		defer close(done)
		for {
			select {
			case evt := <-ch:
				msg, ok := evt.Payload.(backend.Message)
				if !ok {
					continue
				}
				c.mu.Lock()
				changed := c.thread != nil && c.active == msg.ConversationID &&
					c.thread.ApplyConfirmed(msg)
				c.mu.Unlock()
				if changed {
					c.publishUpdated()
				}
			case <-c.quit:
				return
			}
		}
	}()
}

func (c *Controller) writeSnapshot() {
	c.mu.Lock()
	cached := toCached(c.convs)
	c.mu.Unlock()
	if err := c.db.ReplaceSnapshot(cached); err != nil {
		c.logger.Warn("snapshot write failed", zap.Error(err))
	}
}

func (c *Controller) publishUpdated() {
	c.bus.Publish(bus.Event{Kind: bus.KindInboxUpdated, Timestamp: time.Now()})
}

func (c *Controller) toastError(msg string) {
	c.bus.Publish(bus.Event{Kind: bus.KindToastError, Timestamp: time.Now(), Payload: msg})
}

func (c *Controller) toastInfo(msg string) {
	c.bus.Publish(bus.Event{Kind: bus.KindToastInfo, Timestamp: time.Now(), Payload: msg})
}

func toCached(convs []directory.Summary) []state.CachedConversation {
	out := make([]state.CachedConversation, len(convs))
	for i, s := range convs {
		out[i] = state.CachedConversation{
			ConversationID:  s.ID,
			ListingID:       s.ListingID,
			BuyerID:         s.BuyerID,
			SellerID:        s.SellerID,
			ListingTitle:    s.ListingTitle,
			ListingImageURL: s.ListingImageURL,
			ListingPrice:    s.ListingPrice,
			CounterpartName: s.CounterpartName,
			CreatedAt:       s.CreatedAt,
		}
	}
	return out
}

func fromCached(cached []state.CachedConversation) []directory.Summary {
	out := make([]directory.Summary, len(cached))
	for i, cc := range cached {
		out[i] = directory.Summary{
			Conversation: backend.Conversation{
				ID:        cc.ConversationID,
				ListingID: cc.ListingID,
				BuyerID:   cc.BuyerID,
				SellerID:  cc.SellerID,
				CreatedAt: cc.CreatedAt,
			},
			ListingTitle:    cc.ListingTitle,
			ListingImageURL: cc.ListingImageURL,
			ListingPrice:    cc.ListingPrice,
			CounterpartName: cc.CounterpartName,
		}
	}
	return out
}
