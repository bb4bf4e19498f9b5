// Package limiter provides slot accounting for concurrent agent sessions,
// tracked per role. The scheduler reserves a slot before spawning a
// session and releases it when the session reaches a terminal outcome.
package limiter

import (
	"fmt"
	"math"
	"sync"

	"autobuild/pkg/logx"
	"autobuild/pkg/proto"
)

// ErrNoSlotsAvailable is returned when a role is at capacity.
var ErrNoSlotsAvailable = fmt.Errorf("no slots available")

// Limiter tracks in-use session slots per role.
type Limiter struct {
	logger   *logx.Logger
	inUse    map[proto.Role]int
	capacity map[proto.Role]int
	mu       sync.Mutex
}

// New creates a Limiter sized from the scheduling settings: concurrency
// coding slots and ceil(concurrency * testingRatio) testing slots.
func New(concurrency int, testingRatio float64) *Limiter {
	l := &Limiter{
		logger:   logx.NewLogger("limiter"),
		inUse:    make(map[proto.Role]int),
		capacity: make(map[proto.Role]int),
	}
	l.resize(concurrency, testingRatio)
	return l
}

// Resize updates capacities. Called between pauses when settings change;
// in-use counts are preserved, so a shrink takes effect as running
// sessions drain.
func (l *Limiter) Resize(concurrency int, testingRatio float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resize(concurrency, testingRatio)
}

func (l *Limiter) resize(concurrency int, testingRatio float64) {
	l.capacity[proto.RoleCoding] = concurrency
	l.capacity[proto.RoleTesting] = int(math.Ceil(float64(concurrency) * testingRatio))
}

// Reserve takes one slot for the role, or returns ErrNoSlotsAvailable.
func (l *Limiter) Reserve(role proto.Role) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inUse[role] >= l.capacity[role] {
		return fmt.Errorf("%w for role %s (%d/%d)", ErrNoSlotsAvailable,
			role, l.inUse[role], l.capacity[role])
	}
	l.inUse[role]++
	return nil
}

// Release returns a slot for the role. Releasing below zero indicates a
// bookkeeping bug and is clamped with a warning.
func (l *Limiter) Release(role proto.Role) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inUse[role] <= 0 {
		l.logger.Warn("Release of role %s below zero, clamping", role)
		l.inUse[role] = 0
		return
	}
	l.inUse[role]--
}

// InUse returns the number of reserved slots for a role.
func (l *Limiter) InUse(role proto.Role) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inUse[role]
}

// Capacity returns the slot capacity for a role.
func (l *Limiter) Capacity(role proto.Role) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity[role]
}

// TotalInUse returns reserved slots across all roles.
func (l *Limiter) TotalInUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, n := range l.inUse {
		total += n
	}
	return total
}
