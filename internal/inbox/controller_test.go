package inbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Samuel-0228/sabimarket/internal/backend"
	"github.com/Samuel-0228/sabimarket/internal/backend/memory"
	"github.com/Samuel-0228/sabimarket/internal/bus"
	"github.com/Samuel-0228/sabimarket/internal/directory"
	"github.com/Samuel-0228/sabimarket/internal/live"
	"github.com/Samuel-0228/sabimarket/internal/messages"
	"github.com/Samuel-0228/sabimarket/internal/reconcile"
	"github.com/Samuel-0228/sabimarket/internal/state"
)

func testStateDB(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "inbox.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// seedStore signs in a buyer and seeds one listing owned by a seller.
func seedStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.New()
	store.SignIn("buyer-1", "buyer@campus.edu")
	store.AddListing(backend.Listing{ID: "l1", SellerID: "seller-1", Title: "Desk lamp", Price: 350000})
	store.AddProfile(backend.Profile{ID: "buyer-1", DisplayName: "Bisi"})
	store.AddProfile(backend.Profile{ID: "seller-1", DisplayName: "Ada"})
	return store
}

func seedConversation(t *testing.T, store *memory.Store) string {
	t.Helper()
	conv, err := store.InsertConversation(context.Background(), &backend.Conversation{
		ListingID: "l1", BuyerID: "buyer-1", SellerID: "seller-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	return conv.ID
}

// newController wires a controller over the memory store, with optional
// overrides for the stores the directory and accessor talk to.
func newController(t *testing.T, store *memory.Store, convs backend.ConversationStore, msgs backend.MessageStore, opts Options) (*Controller, *bus.Bus, *state.DB) {
	t.Helper()
	if convs == nil {
		convs = store
	}
	if msgs == nil {
		msgs = store
	}
	b := bus.New()
	db := testStateDB(t)
	dir := directory.New(convs, msgs, store, store, nil)
	acc := messages.New(store, msgs, nil)
	lv := live.NewManager(store, b, nil)
	ctrl := New(dir, acc, lv, store, db, b, nil, opts)
	t.Cleanup(ctrl.Teardown)
	return ctrl, b, db
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func waitForEvent(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestMountWideAutoSelects(t *testing.T) {
	store := seedStore(t)
	convID := seedConversation(t, store)
	ctrl, _, _ := newController(t, store, nil, nil, Options{WideViewport: true})

	if err := ctrl.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := ctrl.Active(); got != convID {
		t.Errorf("active = %q, want %q", got, convID)
	}
	if n := store.OpenChannels(); n != 1 {
		t.Errorf("open channels = %d, want 1", n)
	}
	convs := ctrl.Conversations()
	if len(convs) != 1 || convs[0].ListingTitle != "Desk lamp" {
		t.Errorf("conversations = %+v", convs)
	}
}

func TestMountNarrowDoesNotSelect(t *testing.T) {
	store := seedStore(t)
	seedConversation(t, store)
	ctrl, _, _ := newController(t, store, nil, nil, Options{})

	if err := ctrl.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := ctrl.Active(); got != "" {
		t.Errorf("active = %q, want none on narrow viewport", got)
	}
	if n := store.OpenChannels(); n != 0 {
		t.Errorf("open channels = %d, want 0", n)
	}
}

func TestMountSignedOut(t *testing.T) {
	store := memory.New()
	ctrl, _, _ := newController(t, store, nil, nil, Options{})

	err := ctrl.Mount(context.Background())
	if !errors.Is(err, backend.ErrUnauthenticated) {
		t.Errorf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestContactIntentConsumedOnce(t *testing.T) {
	store := seedStore(t)
	ctrl, _, db := newController(t, store, nil, nil, Options{})

	if err := db.StashContactIntent("l1", "seller-1"); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Mounting created and selected the conversation for the listing.
	active := ctrl.Active()
	if active == "" {
		t.Fatal("intent did not select a conversation")
	}
	convs := ctrl.Conversations()
	if len(convs) != 1 || convs[0].ListingID != "l1" {
		t.Fatalf("conversations = %+v", convs)
	}

	// A remount must not replay the action.
	ctrl.Teardown()
	ctrl2, _, _ := newController(t, store, nil, nil, Options{})
	// Fresh state DB, but the original one must be drained too.
	if intent, err := db.TakeContactIntent(); err != nil || intent != nil {
		t.Errorf("intent after mount = %+v, %v; want consumed", intent, err)
	}
	if err := ctrl2.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := ctrl2.Active(); got != "" {
		t.Errorf("remount selected %q without a stashed intent", got)
	}
	if len(ctrl2.Conversations()) != 1 {
		t.Errorf("remount conversations = %+v, want the single existing one", ctrl2.Conversations())
	}
}

func TestSendConfirmsPending(t *testing.T) {
	store := seedStore(t)
	convID := seedConversation(t, store)
	ctrl, b, _ := newController(t, store, nil, nil, Options{WideViewport: true})
	if err := ctrl.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}

	events, unsub := b.Subscribe("inbox.", 16)
	defer unsub()

	if err := ctrl.Send(context.Background(), "is this still available?"); err != nil {
		t.Fatal(err)
	}
	waitForEvent(t, events, bus.KindInboxUpdated)

	entries := ctrl.Thread()
	if len(entries) != 1 {
		t.Fatalf("thread length = %d, want 1", len(entries))
	}
	confirmed, ok := entries[0].(reconcile.Confirmed)
	if !ok {
		t.Fatalf("entry = %T, want Confirmed after send response", entries[0])
	}
	if confirmed.Row.Content != "is this still available?" || confirmed.Row.ConversationID != convID {
		t.Errorf("row = %+v", confirmed.Row)
	}

	// The channel echo of the same row must not duplicate it.
	time.Sleep(50 * time.Millisecond)
	if n := len(ctrl.Thread()); n != 1 {
		t.Errorf("thread length after echo = %d, want 1", n)
	}
}

func TestSendKeepsWhitespacePadding(t *testing.T) {
	store := seedStore(t)
	seedConversation(t, store)
	ctrl, _, _ := newController(t, store, nil, nil, Options{WideViewport: true})
	if err := ctrl.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}

	content := "  hello there  "
	if err := ctrl.Send(context.Background(), content); err != nil {
		t.Fatal(err)
	}

	// The confirmed row must still match the optimistic bubble, so the
	// padded content collapses to a single entry, not pending + confirmed.
	entries := ctrl.Thread()
	if len(entries) != 1 {
		t.Fatalf("thread length = %d, want 1", len(entries))
	}
	confirmed, ok := entries[0].(reconcile.Confirmed)
	if !ok {
		t.Fatalf("entry = %T, want Confirmed", entries[0])
	}
	if confirmed.Row.Content != content {
		t.Errorf("content = %q, want %q unchanged", confirmed.Row.Content, content)
	}
}

type failingMessages struct {
	*memory.Store
}

func (f failingMessages) InsertMessage(context.Context, *backend.Message) (*backend.Message, error) {
	return nil, errors.New("insert failed")
}

func TestSendFailureRemovesPending(t *testing.T) {
	store := seedStore(t)
	seedConversation(t, store)
	ctrl, b, _ := newController(t, store, nil, failingMessages{store}, Options{WideViewport: true})
	if err := ctrl.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}

	toasts, unsub := b.Subscribe("toast.", 16)
	defer unsub()

	if err := ctrl.Send(context.Background(), "hello"); err == nil {
		t.Fatal("want send error")
	}
	waitForEvent(t, toasts, bus.KindToastError)

	if n := len(ctrl.Thread()); n != 0 {
		t.Errorf("thread length = %d, want pending bubble removed", n)
	}
	msgs, _ := store.ListMessages(context.Background(), ctrl.Active())
	if len(msgs) != 0 {
		t.Errorf("store has %d messages, want 0", len(msgs))
	}
}

func TestSendGuards(t *testing.T) {
	store := seedStore(t)
	seedConversation(t, store)
	ctrl, _, _ := newController(t, store, nil, nil, Options{})
	if err := ctrl.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Nothing selected on a narrow mount.
	if err := ctrl.Send(context.Background(), "hi"); !errors.Is(err, ErrNoActiveConversation) {
		t.Errorf("err = %v, want ErrNoActiveConversation", err)
	}

	if err := ctrl.Select(context.Background(), ctrl.Conversations()[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Send(context.Background(), "   \n\t "); !errors.Is(err, messages.ErrEmptyContent) {
		t.Errorf("err = %v, want ErrEmptyContent", err)
	}
	if n := len(ctrl.Thread()); n != 0 {
		t.Errorf("rejected send left %d entries in thread", n)
	}
}

func TestLiveEventReachesThread(t *testing.T) {
	store := seedStore(t)
	convID := seedConversation(t, store)
	ctrl, _, _ := newController(t, store, nil, nil, Options{WideViewport: true})
	if err := ctrl.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Counterpart sends from another device.
	if _, err := store.InsertMessage(context.Background(), &backend.Message{
		ConversationID: convID, SenderID: "seller-1", Content: "yes, still here",
	}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(ctrl.Thread()) == 1 }, "live message never reached the thread")
	confirmed, ok := ctrl.Thread()[0].(reconcile.Confirmed)
	if !ok || confirmed.Row.SenderID != "seller-1" {
		t.Errorf("entry = %+v", ctrl.Thread()[0])
	}
}

func TestSelectSwitchKeepsOneChannel(t *testing.T) {
	store := seedStore(t)
	first := seedConversation(t, store)
	store.AddListing(backend.Listing{ID: "l2", SellerID: "seller-1", Title: "Textbook"})
	second, err := store.InsertConversation(context.Background(), &backend.Conversation{
		ListingID: "l2", BuyerID: "buyer-1", SellerID: "seller-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	ctrl, _, db := newController(t, store, nil, nil, Options{})
	if err := ctrl.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := ctrl.Select(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Select(context.Background(), second.ID); err != nil {
		t.Fatal(err)
	}

	if n := store.OpenChannels(); n != 1 {
		t.Errorf("open channels = %d, want 1 after switching", n)
	}
	if got := ctrl.Active(); got != second.ID {
		t.Errorf("active = %q, want %q", got, second.ID)
	}
	if selected, _ := db.Selected(); selected != second.ID {
		t.Errorf("persisted selection = %q, want %q", selected, second.ID)
	}
}

func TestConcurrentSelectKeepsSubscriptionOnActive(t *testing.T) {
	store := seedStore(t)
	first := seedConversation(t, store)
	store.AddListing(backend.Listing{ID: "l2", SellerID: "seller-1", Title: "Textbook"})
	second, err := store.InsertConversation(context.Background(), &backend.Conversation{
		ListingID: "l2", BuyerID: "buyer-1", SellerID: "seller-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	db := testStateDB(t)
	lv := live.NewManager(store, b, nil)
	ctrl := New(directory.New(store, store, store, store, nil),
		messages.New(store, store, nil), lv, store, db, b, nil, Options{})
	t.Cleanup(ctrl.Teardown)
	if err := ctrl.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A slow loser must never re-point the subscription at its stale
	// conversation after the winner has subscribed.
	for i := 0; i < 25; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = ctrl.Select(context.Background(), first)
		}()
		go func() {
			defer wg.Done()
			_ = ctrl.Select(context.Background(), second.ID)
		}()
		wg.Wait()

		if got := lv.Active(); got != "" && got != ctrl.Active() {
			t.Fatalf("subscription on %q while %q is active", got, ctrl.Active())
		}
		if n := store.OpenChannels(); n > 1 {
			t.Fatalf("open channels = %d, want at most 1", n)
		}
	}
}

func TestDeleteActiveConversation(t *testing.T) {
	store := seedStore(t)
	convID := seedConversation(t, store)
	ctrl, _, _ := newController(t, store, nil, nil, Options{WideViewport: true})
	if err := ctrl.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Send(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}

	if err := ctrl.Delete(context.Background(), convID); err != nil {
		t.Fatal(err)
	}
	if got := ctrl.Active(); got != "" {
		t.Errorf("active = %q after deleting active conversation", got)
	}
	if n := len(ctrl.Conversations()); n != 0 {
		t.Errorf("conversations = %d, want 0", n)
	}
	if n := store.OpenChannels(); n != 0 {
		t.Errorf("open channels = %d, want 0", n)
	}
	msgs, _ := store.ListMessages(context.Background(), convID)
	if len(msgs) != 0 {
		t.Errorf("messages survived deletion: %+v", msgs)
	}
}

type failingConversationDelete struct {
	*memory.Store
}

func (f failingConversationDelete) DeleteConversation(context.Context, string) error {
	return errors.New("delete failed")
}

func TestDeleteFailureRefetchesList(t *testing.T) {
	store := seedStore(t)
	convID := seedConversation(t, store)
	ctrl, b, _ := newController(t, store, failingConversationDelete{store}, nil, Options{})
	if err := ctrl.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}

	toasts, unsub := b.Subscribe("toast.", 16)
	defer unsub()

	if err := ctrl.Delete(context.Background(), convID); err == nil {
		t.Fatal("want delete error")
	}
	waitForEvent(t, toasts, bus.KindToastError)

	// The optimistic removal is rolled back by the silent re-fetch.
	waitFor(t, func() bool { return len(ctrl.Conversations()) == 1 }, "conversation not restored after failed delete")
}

func TestSnapshotSeedsNextMount(t *testing.T) {
	store := seedStore(t)
	seedConversation(t, store)

	b := bus.New()
	db := testStateDB(t)
	dir := directory.New(store, store, store, store, nil)
	acc := messages.New(store, store, nil)

	ctrl := New(dir, acc, live.NewManager(store, b, nil), store, db, b, nil, Options{})
	if err := ctrl.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctrl.Teardown()

	cached, err := db.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 1 || cached[0].ListingTitle != "Desk lamp" {
		t.Errorf("snapshot = %+v", cached)
	}
}
