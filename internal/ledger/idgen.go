package ledger

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"kernel/pkg/types"
)

// DeterministicIDGenerator produces position IDs of the form
// "{account}-{side}-{counter}", counting separately per (account, side) pair.
// Two backtest runs over the same data produce identical position IDs,
// which keeps exported trade histories diffable across runs.
type DeterministicIDGenerator struct {
	mu      sync.Mutex
	counter map[string]uint64
}

// NewDeterministicIDGenerator returns a generator with all counters at zero.
func NewDeterministicIDGenerator() *DeterministicIDGenerator {
	return &DeterministicIDGenerator{counter: make(map[string]uint64)}
}

func (g *DeterministicIDGenerator) NextPositionID(account types.Account, side types.PositionSide) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := account.Tag() + ":" + string(side)
	g.counter[key]++
	return fmt.Sprintf("%s-%s-%d", account.Tag(), side, g.counter[key])
}

// UUIDGenerator produces random position IDs, for live and live-paper
// trading where determinism across runs is not required or meaningful.
type UUIDGenerator struct{}

func (UUIDGenerator) NextPositionID(account types.Account, side types.PositionSide) string {
	return fmt.Sprintf("%s-%s", side, uuid.New().String())
}
