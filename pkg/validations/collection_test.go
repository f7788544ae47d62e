package validations_test

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xrpl-labs/validationd/pkg/validations"
)

var errInsertFailed = errors.New("insert failed")

const ledgerMaxInterval = 20

// fakeClock is a settable Clock used to drive the deterministic scenarios
// from spec.md §8.
type fakeClock struct {
	now atomic.Uint32
}

func newFakeClock(now uint32) *fakeClock {
	c := &fakeClock{}
	c.now.Store(now)
	return c
}

func (c *fakeClock) NowCloseTime() uint32 { return c.now.Load() }
func (c *fakeClock) Set(now uint32)       { c.now.Store(now) }

// fakeUNL is a settable membership set.
type fakeUNL struct {
	mu      sync.Mutex
	members map[validations.NodeID]bool
}

func newFakeUNL(members ...validations.NodeID) *fakeUNL {
	u := &fakeUNL{members: make(map[validations.NodeID]bool)}
	for _, m := range members {
		u.members[m] = true
	}
	return u
}

func (u *fakeUNL) Contains(_ context.Context, node validations.NodeID) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.members[node]
}

// fakeStore records every batch handed to it, optionally failing once.
type fakeStore struct {
	mu       sync.Mutex
	batches  [][]*validations.Validation
	failNext bool
}

func (s *fakeStore) InsertBatch(_ context.Context, rows []*validations.Validation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errInsertFailed
	}
	batch := append([]*validations.Validation(nil), rows...)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *fakeStore) rowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func node(id byte) validations.NodeID {
	var n validations.NodeID
	n[0] = id
	return n
}

func ledger(id byte) validations.LedgerHash {
	var h validations.LedgerHash
	h[0] = id
	return h
}

func val(signer validations.NodeID, l validations.LedgerHash, closeTime uint32) *validations.Validation {
	sig := make([]byte, 4)
	binary.BigEndian.PutUint32(sig, closeTime)
	return &validations.Validation{
		SignerPub:  append([]byte{}, signer[:]...),
		NodeID:     signer,
		LedgerHash: l,
		CloseTime:  closeTime,
		Signature:  sig,
	}
}

func waitForDrain(t *testing.T, store *fakeStore, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.rowCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.FailNow(t, "writer did not drain in time", "wanted %d rows, got %d", want, store.rowCount())
}

// Scenario 1: trusted current insert.
func TestAddValidation_TrustedCurrentInsert(t *testing.T) {
	n1 := node(1)
	la := ledger(0xA)
	clock := newFakeClock(100)
	unl := newFakeUNL(n1)
	store := &fakeStore{}
	c := validations.New(clock, unl, store, ledgerMaxInterval, zaptest.NewLogger(t))

	v1 := val(n1, la, 101)
	require.True(t, c.AddValidation(context.Background(), v1))

	require.Equal(t, 1, c.GetTrustedValidationCount(la))
	require.Equal(t, map[validations.LedgerHash]int{la: 1}, c.GetCurrentValidations())
}

// Scenario 2: duplicate rejection.
func TestAddValidation_DuplicateRejected(t *testing.T) {
	n1 := node(1)
	la := ledger(0xA)
	clock := newFakeClock(100)
	unl := newFakeUNL(n1)
	c := validations.New(clock, unl, nil, ledgerMaxInterval, zaptest.NewLogger(t))

	v1 := val(n1, la, 101)
	require.True(t, c.AddValidation(context.Background(), v1))
	require.False(t, c.AddValidation(context.Background(), v1))

	require.Equal(t, 1, c.GetTrustedValidationCount(la))
}

// Scenario 3 & 4: newer displaces older, third newer evicts oldest to stale.
func TestAddValidation_GenerationalEviction(t *testing.T) {
	n1 := node(1)
	la, lb, lc := ledger(0xA), ledger(0xB), ledger(0xC)
	clock := newFakeClock(100)
	unl := newFakeUNL(n1)
	store := &fakeStore{}
	c := validations.New(clock, unl, store, ledgerMaxInterval, zaptest.NewLogger(t))

	v1 := val(n1, la, 101)
	v2 := val(n1, lb, 110)
	v3 := val(n1, lc, 120)

	// The clock advances with each arrival so that every close time falls
	// inside the ingest currency window.
	require.True(t, c.AddValidation(context.Background(), v1))
	clock.Set(110)
	require.True(t, c.AddValidation(context.Background(), v2))

	current := c.GetCurrentValidations()
	require.Equal(t, map[validations.LedgerHash]int{la: 1, lb: 1}, current)

	clock.Set(120)
	require.True(t, c.AddValidation(context.Background(), v3))
	waitForDrain(t, store, 1)

	current = c.GetCurrentValidations()
	require.Equal(t, map[validations.LedgerHash]int{lb: 1, lc: 1}, current)
}

// Scenario 5: aging pass evicts both generations.
func TestGetCurrentValidations_AgingEvictsBothGenerations(t *testing.T) {
	n1 := node(1)
	la, lb, lc := ledger(0xA), ledger(0xB), ledger(0xC)
	clock := newFakeClock(100)
	unl := newFakeUNL(n1)
	store := &fakeStore{}
	c := validations.New(clock, unl, store, ledgerMaxInterval, zaptest.NewLogger(t))

	require.True(t, c.AddValidation(context.Background(), val(n1, la, 101)))
	require.True(t, c.AddValidation(context.Background(), val(n1, lb, 110)))
	require.True(t, c.AddValidation(context.Background(), val(n1, lc, 120)))
	waitForDrain(t, store, 1)

	clock.Set(200)
	current := c.GetCurrentValidations()
	require.Empty(t, current)
	waitForDrain(t, store, 3)
}

// Scenario 6: untrusted arrivals are retained in byLedger but never current.
func TestAddValidation_UntrustedRetainedNotCurrent(t *testing.T) {
	n1, n2 := node(1), node(2)
	ld := ledger(0xD)
	clock := newFakeClock(100)
	unl := newFakeUNL(n1) // n2 is not in the UNL
	c := validations.New(clock, unl, nil, ledgerMaxInterval, zaptest.NewLogger(t))

	u1 := val(n2, ld, 100)
	require.False(t, c.AddValidation(context.Background(), u1))

	got := c.GetValidations(ld)
	require.Contains(t, got, n2)
	require.Equal(t, 0, c.GetTrustedValidationCount(ld))
	require.Equal(t, map[validations.LedgerHash]int{}, c.GetCurrentValidations())
}

func TestAddValidation_CurrencyBoundaries(t *testing.T) {
	cases := []struct {
		name      string
		now       uint32
		closeTime uint32
		want      bool
	}{
		{"now == close-4 is not current (boundary)", 96, 100, false},
		{"now == close-3 is current", 97, 100, true},
		{"now == close+LEDGER_MAX_INTERVAL is not current (boundary)", 120, 100, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			signer := node(9)
			clock := newFakeClock(tc.now)
			unl := newFakeUNL(signer)
			c := validations.New(clock, unl, nil, ledgerMaxInterval, zaptest.NewLogger(t))

			got := c.AddValidation(context.Background(), val(signer, ledger(1), tc.closeTime))
			require.Equal(t, tc.want, got)
		})
	}
}

func TestAddValidation_EqualCloseTimeNoGenerationalUpdate(t *testing.T) {
	n1 := node(1)
	la, lb := ledger(0xA), ledger(0xB)
	clock := newFakeClock(100)
	unl := newFakeUNL(n1)
	c := validations.New(clock, unl, nil, ledgerMaxInterval, zaptest.NewLogger(t))

	v1 := val(n1, la, 101)
	v2 := val(n1, lb, 101) // same close time, different ledger

	require.True(t, c.AddValidation(context.Background(), v1))
	require.True(t, c.AddValidation(context.Background(), v2))

	// v2 is current (retained in byLedger) but does not displace newest.
	current := c.GetCurrentValidations()
	require.Equal(t, map[validations.LedgerHash]int{la: 1}, current)
}

func TestFlush_DrainsCurrentAndPersists(t *testing.T) {
	n1 := node(1)
	la := ledger(0xA)
	clock := newFakeClock(100)
	unl := newFakeUNL(n1)
	store := &fakeStore{}
	c := validations.New(clock, unl, store, ledgerMaxInterval, zaptest.NewLogger(t))

	require.True(t, c.AddValidation(context.Background(), val(n1, la, 101)))

	c.Flush()

	require.Empty(t, c.GetCurrentValidations())
	require.Equal(t, 1, store.rowCount())
}

// A persistence failure must not drop the batch: it stays queued for the
// next writer spawn, per spec §7.
func TestWriter_RetainsBatchOnPersistenceFailure(t *testing.T) {
	n1 := node(1)
	la := ledger(0xA)
	clock := newFakeClock(100)
	unl := newFakeUNL(n1)
	store := &fakeStore{}
	store.failNext = true
	c := validations.New(clock, unl, store, ledgerMaxInterval, zaptest.NewLogger(t))

	require.True(t, c.AddValidation(context.Background(), val(n1, la, 101)))

	c.Flush()
	require.Equal(t, 0, store.rowCount(), "failed batch must not be recorded as persisted")

	// A later flush (no pending current entries, but the stale queue still
	// holds the retained batch) should succeed and drain it.
	c.Flush()
	waitForDrain(t, store, 1)
}

func TestDeadLedgerRing_CapAndMembership(t *testing.T) {
	clock := newFakeClock(0)
	unl := newFakeUNL()
	c := validations.New(clock, unl, nil, ledgerMaxInterval, zaptest.NewLogger(t))

	for i := 0; i < 200; i++ {
		c.AddDeadLedger(ledger(byte(i % 256)))
	}

	require.False(t, c.IsDeadLedger(ledger(0)), "earliest entries should have been evicted")
	require.True(t, c.IsDeadLedger(ledger(199%256)))
}
