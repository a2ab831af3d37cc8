package mutation

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/ece-arena/arena-sync/internal/errors"
	"github.com/ece-arena/arena-sync/internal/store"
)

type samples struct {
	mu  sync.Mutex
	got map[string]time.Duration
}

func (s *samples) Record(channel string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.got == nil {
		s.got = make(map[string]time.Duration)
	}
	s.got[channel] = d
}

func setBid(amount int, winner string) func(tx *store.Tx) error {
	return func(tx *store.Tx) error {
		return tx.Merge("auctions", "a-1", json.RawMessage(
			`{"currentBid":`+itoa(amount)+`,"winnerId":"`+winner+`"}`), nil)
	}
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func newFixture(t *testing.T) (*store.Store, *Coordinator, *samples) {
	t.Helper()
	s := store.New(nil)
	if err := s.Collection("auctions").Upsert("a-1", map[string]any{"currentBid": 100, "winnerId": "alice"}); err != nil {
		t.Fatal(err)
	}
	rec := &samples{}
	return s, NewCoordinator(s, rec, nil), rec
}

func currentBid(s *store.Store) int64 {
	d, _ := s.Collection("auctions").FindOne(nil, "a-1")
	return d.Get("currentBid").Int()
}

func TestConfirmedMutationKeepsLocalChange(t *testing.T) {
	s, c, rec := newFixture(t)

	res, err := c.Mutate(context.Background(), Mutation{
		Key:     "auction-a-1",
		Channel: "auction-a-1",
		Apply:   setBid(150, "bob"),
		Remote: func(context.Context) (json.RawMessage, error) {
			return json.RawMessage(`{"accepted":true}`), nil
		},
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if string(res) != `{"accepted":true}` {
		t.Errorf("result = %s", res)
	}
	if got := currentBid(s); got != 150 {
		t.Errorf("currentBid = %d, want 150", got)
	}
	if _, ok := rec.got["auction-a-1"]; !ok {
		t.Error("latency not recorded on success")
	}
	if c.Pending("auction-a-1") {
		t.Error("key still pending after completion")
	}
}

func TestRejectedMutationIsReverted(t *testing.T) {
	s, c, rec := newFixture(t)
	before, _ := s.Collection("auctions").FindOne(nil, "a-1")

	var seenDuringCall int64
	_, err := c.Mutate(context.Background(), Mutation{
		Key:     "auction-a-1",
		Channel: "auction-a-1",
		Apply:   setBid(150, "bob"),
		Remote: func(context.Context) (json.RawMessage, error) {
			seenDuringCall = currentBid(s)
			return nil, apperrors.RemoteRejected("marketplace.placeBid", "bid-too-low", "Bid too low")
		},
	})
	if !stderrors.Is(err, apperrors.ErrRemoteRejected) {
		t.Fatalf("Mutate error = %v", err)
	}
	if seenDuringCall != 150 {
		t.Errorf("optimistic value during call = %d, want 150", seenDuringCall)
	}
	after, _ := s.Collection("auctions").FindOne(nil, "a-1")
	if string(after.Raw) != string(before.Raw) {
		t.Errorf("after revert = %s, want %s", after.Raw, before.Raw)
	}
	if len(rec.got) != 0 {
		t.Error("latency recorded for a failed mutation")
	}
}

func TestSecondMutationOnPendingKeyIsRejected(t *testing.T) {
	s, c, _ := newFixture(t)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := c.Mutate(context.Background(), Mutation{
			Key:   "auction-a-1",
			Apply: setBid(150, "bob"),
			Remote: func(context.Context) (json.RawMessage, error) {
				close(started)
				<-release
				return nil, nil
			},
		})
		done <- err
	}()
	<-started

	if !c.Pending("auction-a-1") {
		t.Fatal("key not pending during call")
	}
	remoteCalled := false
	_, err := c.Mutate(context.Background(), Mutation{
		Key:   "auction-a-1",
		Apply: setBid(200, "carol"),
		Remote: func(context.Context) (json.RawMessage, error) {
			remoteCalled = true
			return nil, nil
		},
	})
	if !stderrors.Is(err, apperrors.ErrMutationInProgress) {
		t.Fatalf("second Mutate = %v, want in progress", err)
	}
	if remoteCalled {
		t.Error("second mutation reached the server")
	}
	if got := currentBid(s); got != 150 {
		t.Errorf("second mutation touched the store: currentBid = %d", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Mutate: %v", err)
	}
}

func TestLocalApplyFailureSkipsRemote(t *testing.T) {
	_, c, _ := newFixture(t)
	boom := stderrors.New("card not in hand")

	_, err := c.Mutate(context.Background(), Mutation{
		Key:   "battle-b-1",
		Apply: func(*store.Tx) error { return boom },
		Remote: func(context.Context) (json.RawMessage, error) {
			t.Error("remote called after local failure")
			return nil, nil
		},
	})
	if !stderrors.Is(err, boom) {
		t.Fatalf("Mutate = %v", err)
	}
	if c.Pending("battle-b-1") {
		t.Error("key left pending")
	}
}

func TestDifferentKeysRunConcurrently(t *testing.T) {
	_, c, _ := newFixture(t)
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	gate := make(chan struct{})
	for _, key := range []string{"bet-m-1", "bet-m-2"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, err := c.Mutate(context.Background(), Mutation{
				Key: key,
				Remote: func(context.Context) (json.RawMessage, error) {
					<-gate
					return nil, nil
				},
			})
			errs <- err
		}(key)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !(c.Pending("bet-m-1") && c.Pending("bet-m-2")) {
		if time.Now().After(deadline) {
			t.Fatal("mutations on different keys did not overlap")
		}
		time.Sleep(time.Millisecond)
	}
	close(gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
}
