// Package tracker holds the per-pair sequence state described in spec.md
// §3 (Per-pair tracker): last_sequence, last_match_trade_id and
// is_gap_recovering, keyed by product_id. It is mutated by the stream
// handler (Tmain) and by the control-plane watcher on subscription deltas
// (spec.md §5, Shared-resource policy), so every method takes the
// Tracker's mutex.
package tracker

import "sync"

// State is one product's sequence-tracking state. A nil pointer field means
// "no event yet observed" (⊥ in spec.md's notation).
type State struct {
	LastSequence     *uint64
	LastMatchTradeID *uint64
	IsGapRecovering  bool
}

// Tracker is the live map<product_id, State> shared between the stream
// handler and the control-plane watcher.
type Tracker struct {
	mu    sync.Mutex
	state map[string]*State
}

func New() *Tracker {
	return &Tracker{state: make(map[string]*State)}
}

// Add inserts a ⊥ entry for productID, done by the control watcher before
// the subscribe frame goes out (spec.md §4.6 step 5) so events for the new
// pair are never dropped as unknown.
func (t *Tracker) Add(productID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.state[productID]; !ok {
		t.state[productID] = &State{}
	}
}

// Remove deletes productID's tracking entry, done by the control watcher
// before the unsubscribe frame goes out (spec.md §4.6 step 6).
func (t *Tracker) Remove(productID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, productID)
}

// Get returns a copy of productID's state and whether it is tracked at all.
// An untracked product_id means "belongs to a pair not currently
// subscribed" (spec.md §4.4 step 2) and must be ignored by the handler.
func (t *Tracker) Get(productID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s, ok = t.state[productID]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// SetSequence records the new last_sequence for a tracked product_id.
func (t *Tracker) SetSequence(productID string, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.state[productID]; ok {
		s.LastSequence = &seq
	}
}

// SetLastMatchTradeID records the new last_match_trade_id.
func (t *Tracker) SetLastMatchTradeID(productID string, tradeID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.state[productID]; ok {
		s.LastMatchTradeID = &tradeID
	}
}

// SetGapRecovering sets the is_gap_recovering flag.
func (t *Tracker) SetGapRecovering(productID string, recovering bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.state[productID]; ok {
		s.IsGapRecovering = recovering
	}
}

// Snapshot returns a deep copy of every tracked product's last_sequence and
// last_match_trade_id, used to build the crash-state record at shutdown
// (spec.md §3, Crash-state record).
func (t *Tracker) Snapshot() (sequence map[string]*uint64, lastMatchTradeID map[string]*uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sequence = make(map[string]*uint64, len(t.state))
	lastMatchTradeID = make(map[string]*uint64, len(t.state))
	for productID, s := range t.state {
		if s.LastSequence != nil {
			var v = *s.LastSequence
			sequence[productID] = &v
		}
		if s.LastMatchTradeID != nil {
			var v = *s.LastMatchTradeID
			lastMatchTradeID[productID] = &v
		}
	}
	return sequence, lastMatchTradeID
}

// Seed restores last_sequence and last_match_trade_id for already-tracked
// products from a persisted crash-state record (spec.md §4.7, Supervisor:
// "seed the tracker ... skipping ⊥ entries"). Products not already present
// via Add are ignored — seeding never creates new subscriptions.
func (t *Tracker) Seed(sequence map[string]*uint64, lastMatchTradeID map[string]*uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for productID, seq := range sequence {
		if seq == nil {
			continue
		}
		if s, ok := t.state[productID]; ok {
			var v = *seq
			s.LastSequence = &v
		}
	}
	for productID, tradeID := range lastMatchTradeID {
		if tradeID == nil {
			continue
		}
		if s, ok := t.state[productID]; ok {
			var v = *tradeID
			s.LastMatchTradeID = &v
		}
	}
}

// ProductIDs returns the currently tracked product ids.
func (t *Tracker) ProductIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids = make([]string, 0, len(t.state))
	for id := range t.state {
		ids = append(ids, id)
	}
	return ids
}
