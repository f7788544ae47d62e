package validations

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Collection is the in-memory registry and durability pipeline for signed
// ledger validations. A single mutex protects byLedger, current, the stale
// queue, and the writing latch; see spec §5 for why these four fields are
// never split across separate locks.
type Collection struct {
	clock Clock
	unl   UNL

	logger *zap.Logger
	writer *writer

	mu      sync.Mutex
	byLedger    map[LedgerHash]map[NodeID]*Validation
	current     map[NodeID]*ValidationPair
	staleQueue  []*Validation
	writing     bool
	deadLedgers *deadLedgerRing

	// ledgerMaxInterval governs every currency window (spec §6); supplied
	// externally on the order of the ledger close interval.
	ledgerMaxInterval uint32
}

// New builds a Collection. store may be nil, in which case evicted
// validations accumulate in the stale queue but are never drained — useful
// for tests that only exercise the index/eviction logic.
func New(clock Clock, unl UNL, store Store, ledgerMaxInterval uint32, logger *zap.Logger) *Collection {
	c := &Collection{
		clock:             clock,
		unl:               unl,
		logger:            logger,
		byLedger:          make(map[LedgerHash]map[NodeID]*Validation),
		current:           make(map[NodeID]*ValidationPair),
		deadLedgers:       newDeadLedgerRing(),
		ledgerMaxInterval: ledgerMaxInterval,
	}
	if store != nil {
		c.writer = newWriter(store, logger)
	}
	return c
}

// AddValidation implements spec §4.1. It returns true iff v is current,
// trusted, and was newly retained as such; duplicates, untrusted arrivals,
// and stale-but-trusted arrivals all return false.
func (c *Collection) AddValidation(ctx context.Context, v *Validation) bool {
	if c.unl != nil && c.unl.Contains(ctx, v.NodeID) {
		v.Trusted = true
	}

	isCurrent := false
	if v.Trusted {
		now := c.clock.NowCloseTime()
		close := v.CloseTime
		if now > close-4 && now < close+c.ledgerMaxInterval {
			isCurrent = true
		} else {
			c.logger.Warn("received stale validation",
				zap.Uint32("now", now),
				zap.Uint32("close", close),
				zap.String("node_id", v.NodeID.String()),
			)
		}
	} else {
		c.logger.Info("validation from node not in UNL",
			zap.String("node_id", v.NodeID.String()),
		)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	signers, ok := c.byLedger[v.LedgerHash]
	if !ok {
		signers = make(map[NodeID]*Validation)
		c.byLedger[v.LedgerHash] = signers
	}
	if _, dup := signers[v.NodeID]; dup {
		return false
	}
	signers[v.NodeID] = v

	if isCurrent {
		pair, exists := c.current[v.NodeID]
		if !exists {
			c.current[v.NodeID] = &ValidationPair{Newest: v}
		} else if pair.Newest == nil || v.CloseTime > pair.Newest.CloseTime {
			if pair.Oldest != nil {
				c.staleQueue = append(c.staleQueue, pair.Oldest)
				c.condWrite()
			}
			pair.Oldest = pair.Newest
			pair.Newest = v
		}
		// else: current but not newer than what we already have — no change.
	}

	return isCurrent
}

// GetValidations returns a snapshot copy of the validations observed for
// ledger, or an empty map if none have been observed.
func (c *Collection) GetValidations(ledger LedgerHash) map[NodeID]*Validation {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[NodeID]*Validation, len(c.byLedger[ledger]))
	for node, v := range c.byLedger[ledger] {
		out[node] = v
	}
	return out
}

// GetValidationCount implements spec §4.3: when currentOnly is set, a
// trusted validation is re-tested against the wider window
// close <= now <= close + 2*LEDGER_MAX_INTERVAL and demoted to untrusted
// in the count if it falls outside it. This window is deliberately wider
// and asymmetric compared to ingest currency.
func (c *Collection) GetValidationCount(ledger LedgerHash, currentOnly bool) (trusted, untrusted int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.NowCloseTime()
	for _, v := range c.byLedger[ledger] {
		isTrusted := v.Trusted
		if isTrusted && currentOnly {
			closeTime := v.CloseTime
			if now < closeTime || now > closeTime+2*c.ledgerMaxInterval {
				isTrusted = false
			}
		}
		if isTrusted {
			trusted++
		} else {
			untrusted++
		}
	}
	return trusted, untrusted
}

// GetTrustedValidationCount implements spec §4.4: the count of trusted
// validations for a single ledger. The source this package is modeled on
// iterates from find(ledger) to end() of an unordered map, which counts
// trusted validations across every ledger at or after the found bucket in
// iteration order — almost certainly a bug (see spec §9). This
// implementation preserves the evidently intended single-ledger semantics
// instead of reproducing the bug.
func (c *Collection) GetTrustedValidationCount(ledger LedgerHash) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	trusted := 0
	for _, v := range c.byLedger[ledger] {
		if v.Trusted {
			trusted++
		}
	}
	return trusted
}

// GetCurrentValidationCount implements spec §4.5: the number of signers
// whose newest validation is trusted and closed after afterTime. It does
// not age any entries.
func (c *Collection) GetCurrentValidationCount(afterTime uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, pair := range c.current {
		if pair.Newest != nil && pair.Newest.Trusted && pair.Newest.CloseTime > afterTime {
			count++
		}
	}
	return count
}

// GetCurrentValidations implements spec §4.6, the canonical aging pass:
// every signer's newest/oldest generation is tested against
// close + LEDGER_MAX_INTERVAL < now and, if stale, pushed to the stale
// queue and cleared. Signers with both slots empty are removed. Returns a
// ledger_hash -> count map of what remains current.
func (c *Collection) GetCurrentValidations() map[LedgerHash]int {
	now := c.clock.NowCloseTime()

	c.mu.Lock()
	defer c.mu.Unlock()

	result := make(map[LedgerHash]int)
	anyEvicted := false

	for node, pair := range c.current {
		if pair.Oldest != nil && now > pair.Oldest.CloseTime+c.ledgerMaxInterval {
			c.staleQueue = append(c.staleQueue, pair.Oldest)
			pair.Oldest = nil
			anyEvicted = true
		}
		if pair.Newest != nil && now > pair.Newest.CloseTime+c.ledgerMaxInterval {
			c.staleQueue = append(c.staleQueue, pair.Newest)
			pair.Newest = nil
			anyEvicted = true
		}

		if pair.empty() {
			delete(c.current, node)
			continue
		}

		if pair.Newest != nil {
			result[pair.Newest.LedgerHash]++
		}
		if pair.Oldest != nil {
			result[pair.Oldest.LedgerHash]++
		}
	}

	if anyEvicted {
		c.condWrite()
	}

	return result
}

// IsDeadLedger reports whether ledger is known to be abandoned. Guarded by
// the validation lock, unlike the source this package is modeled on (see
// spec §9 open questions).
func (c *Collection) IsDeadLedger(ledger LedgerHash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadLedgers.contains(ledger)
}

// AddDeadLedger marks ledger as abandoned, evicting the oldest entry once
// the ring reaches its 128-entry cap.
func (c *Collection) AddDeadLedger(ledger LedgerHash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadLedgers.add(ledger)
}

// Flush pushes every generation still held in current to the stale queue,
// clears current, requests the writer, and blocks until it has drained.
// Used at shutdown or an orderly checkpoint.
func (c *Collection) Flush() {
	c.mu.Lock()
	for _, pair := range c.current {
		if pair.Newest != nil {
			c.staleQueue = append(c.staleQueue, pair.Newest)
		}
		if pair.Oldest != nil {
			c.staleQueue = append(c.staleQueue, pair.Oldest)
		}
	}
	c.current = make(map[NodeID]*ValidationPair)
	c.condWrite()
	c.mu.Unlock()

	for {
		c.mu.Lock()
		idle := !c.writing
		c.mu.Unlock()
		if idle {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// condWrite is the "may-spawn" latch from spec §4.9/§5: if no writer is
// active, flip writing true and spawn one. Callers must hold c.mu.
func (c *Collection) condWrite() {
	if c.writer == nil || c.writing {
		return
	}
	c.writing = true
	c.writer.spawn(c)
}

// doWrite is the writer loop from spec §4.9. It acquires the lock on
// entry; while the stale queue is non-empty it swaps the queue into a
// local batch, releases the lock, persists the batch, and re-acquires the
// lock before looping again — eliminating the race where new stale
// entries arrive after the swap but before writing is cleared.
func (c *Collection) doWrite(w *writer) {
	ctx := context.Background()
	c.mu.Lock()
	for len(c.staleQueue) > 0 {
		batch := c.staleQueue
		c.staleQueue = nil
		c.mu.Unlock()

		if err := w.store.InsertBatch(ctx, batch); err != nil {
			// Propagate to the log; the database layer owns retry policy.
			// We reset writing so a later condWrite can try again, per the
			// allowance in spec §7, but never drop the batch silently.
			w.logger.Error("failed to persist validation batch", zap.Error(err), zap.Int("batch_size", len(batch)))
			c.mu.Lock()
			c.staleQueue = append(batch, c.staleQueue...)
			c.writing = false
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
	}
	c.writing = false
	c.mu.Unlock()
}
