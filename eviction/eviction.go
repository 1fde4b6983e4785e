// Package eviction implements LRU-over-sequences victim selection for the
// scheduler's preemption path. It is deliberately not LRU over blocks:
// evicting isolated blocks mid-sequence would corrupt logical token order,
// so the unit of eviction is always an entire sequence's page table.
package eviction

import "sort"

// Policy tracks a last_touch counter per sequence and picks preemption
// victims among a supplied candidate set.
type Policy struct {
	lastTouch map[int]uint64
}

// New builds an empty Policy.
func New() *Policy {
	return &Policy{lastTouch: make(map[int]uint64)}
}

// Touch bumps seqID's last_touch to tick. The scheduler calls it with its own
// monotonic tick each time the sequence joins a batch, so last_touch orders
// sequences by when their blocks last took part in a forward pass. The
// per-block counters kept by the arena package are not read here.
func (p *Policy) Touch(seqID int, tick uint64) {
	if tick > p.lastTouch[seqID] {
		p.lastTouch[seqID] = tick
	}
}

// Forget removes seqID's bookkeeping, called when a sequence is destroyed so
// a future seq_id reuse does not inherit a stale last_touch value.
func (p *Policy) Forget(seqID int) {
	delete(p.lastTouch, seqID)
}

// ChooseVictim returns the sequence with the lowest last_touch among
// candidates, tie-broken by lowest seq_id for determinism. Candidates must
// already exclude the currently executing batch's sequences; ChooseVictim
// itself does not know which sequences are executing.
func ChooseVictim(p *Policy, candidates []int) (int, bool) {
	if len(candidates) == 0 {
		return 0, false
	}
	ordered := append([]int(nil), candidates...)
	sort.Slice(ordered, func(i, j int) bool {
		ti, tj := p.lastTouch[ordered[i]], p.lastTouch[ordered[j]]
		if ti != tj {
			return ti < tj
		}
		return ordered[i] < ordered[j]
	})
	return ordered[0], true
}
