package directory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Samuel-0228/sabimarket/internal/backend"
	"github.com/Samuel-0228/sabimarket/internal/backend/memory"
)

func testDirectory(t *testing.T) (*Directory, *memory.Store) {
	t.Helper()
	store := memory.New()
	store.AddListing(backend.Listing{
		ID: "l123", SellerID: "seller", Title: "Mini fridge", ImageURL: "https://cdn/x.jpg", Price: 1500000,
	})
	store.AddProfile(backend.Profile{ID: "seller", DisplayName: "Ada"})
	store.AddProfile(backend.Profile{ID: "buyer", DisplayName: "Bayo"})
	return New(store, store, store, store, nil), store
}

func TestGetOrCreateCreatesOnce(t *testing.T) {
	d, _ := testDirectory(t)
	ctx := context.Background()

	id1, err := d.GetOrCreate(ctx, "l123", "seller", "buyer")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := d.GetOrCreate(ctx, "l123", "seller", "buyer")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("ids differ: %q vs %q", id1, id2)
	}
}

func TestGetOrCreateResolvesSellerFromListing(t *testing.T) {
	d, _ := testDirectory(t)

	id, err := d.GetOrCreate(context.Background(), "l123", "", "buyer")
	if err != nil {
		t.Fatal(err)
	}
	list, err := d.List(context.Background(), "seller")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != id {
		t.Errorf("seller does not see the conversation: %+v", list)
	}
}

func TestGetOrCreateRejectsOwnListing(t *testing.T) {
	d, _ := testDirectory(t)

	_, err := d.GetOrCreate(context.Background(), "l123", "", "seller")
	if !errors.Is(err, ErrOwnListing) {
		t.Errorf("error = %v, want ErrOwnListing", err)
	}
}

// Two tabs of the same buyer hit contact-seller at once. Exactly one
// conversation must exist afterwards and every call must return its id.
func TestGetOrCreateConcurrent(t *testing.T) {
	d, store := testDirectory(t)

	const tabs = 8
	ids := make([]string, tabs)
	errs := make([]error, tabs)
	var wg sync.WaitGroup
	for i := 0; i < tabs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = d.GetOrCreate(context.Background(), "l123", "seller", "buyer")
		}(i)
	}
	wg.Wait()

	for i := 0; i < tabs; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d error = %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("call %d returned %q, want %q", i, ids[i], ids[0])
		}
	}

	convs, err := store.ListConversations(context.Background(), "buyer")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Errorf("conversation rows = %d, want exactly 1", len(convs))
	}
}

func TestListEnrichment(t *testing.T) {
	d, _ := testDirectory(t)
	ctx := context.Background()

	if _, err := d.GetOrCreate(ctx, "l123", "seller", "buyer"); err != nil {
		t.Fatal(err)
	}

	list, err := d.List(ctx, "buyer")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d conversations, want 1", len(list))
	}
	s := list[0]
	if s.ListingTitle != "Mini fridge" || s.ListingPrice != 1500000 {
		t.Errorf("listing enrichment = %+v", s)
	}
	if s.CounterpartName != "Ada" {
		t.Errorf("counterpart = %q, want seller's display name for the buyer's view", s.CounterpartName)
	}

	// The seller sees the buyer's name on the same conversation.
	sellerView, err := d.List(ctx, "seller")
	if err != nil {
		t.Fatal(err)
	}
	if sellerView[0].CounterpartName != "Bayo" {
		t.Errorf("counterpart = %q, want buyer's display name for the seller's view", sellerView[0].CounterpartName)
	}
}

func TestDeleteCascade(t *testing.T) {
	d, store := testDirectory(t)
	ctx := context.Background()

	id, err := d.GetOrCreate(ctx, "l123", "seller", "buyer")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := store.InsertMessage(ctx, &backend.Message{
			ConversationID: id, SenderID: "buyer", Content: "hey",
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := d.Delete(ctx, id); err != nil {
		t.Fatal(err)
	}

	msgs, err := store.ListMessages(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages after delete = %d, want 0", len(msgs))
	}
	for _, user := range []string{"buyer", "seller"} {
		list, err := d.List(ctx, user)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 0 {
			t.Errorf("%s still sees %d conversations after delete", user, len(list))
		}
	}
}

func TestDeleteEmptyConversation(t *testing.T) {
	d, _ := testDirectory(t)
	ctx := context.Background()

	id, err := d.GetOrCreate(ctx, "l123", "seller", "buyer")
	if err != nil {
		t.Fatal(err)
	}
	// No messages were ever sent; the zero-row message delete must not
	// fail the operation.
	if err := d.Delete(ctx, id); err != nil {
		t.Errorf("Delete() of empty conversation error = %v", err)
	}
}

// failingConvStore wraps the memory store to make the row delete fail
// after the messages are already gone.
type failingConvStore struct {
	backend.ConversationStore
	deleteErr error
}

func (f *failingConvStore) DeleteConversation(ctx context.Context, id string) error {
	return f.deleteErr
}

func TestDeletePartialFailureSurfaces(t *testing.T) {
	store := memory.New()
	store.AddListing(backend.Listing{ID: "l1", SellerID: "seller"})
	wrapped := &failingConvStore{ConversationStore: store, deleteErr: errors.New("row locked")}
	d := New(wrapped, store, store, store, nil)

	id, err := d.GetOrCreate(context.Background(), "l1", "seller", "buyer")
	if err != nil {
		t.Fatal(err)
	}
	err = d.Delete(context.Background(), id)
	if !errors.Is(err, ErrPartialDelete) {
		t.Errorf("error = %v, want ErrPartialDelete", err)
	}
}
