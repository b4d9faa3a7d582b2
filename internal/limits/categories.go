package limits

import "time"

// Category names. Each one owns an independent Limiter so a noisy category
// cannot starve another.
const (
	CategoryGeneral  = "general"
	CategoryRegister = "register"
	CategoryMessage  = "message"
)

// SetConfig holds the policy of every category.
type SetConfig struct {
	General  Policy
	Register Policy
	Message  Policy
}

// DefaultSetConfig mirrors the production defaults.
func DefaultSetConfig() SetConfig {
	return SetConfig{
		General:  Policy{Points: 100, Duration: time.Minute, BlockDuration: time.Minute},
		Register: Policy{Points: 10, Duration: time.Minute, BlockDuration: 5 * time.Minute},
		Message:  Policy{Points: 30, Duration: time.Minute, BlockDuration: time.Minute},
	}
}

// Set groups the per-category limiters.
type Set struct {
	General  *Limiter
	Register *Limiter
	Message  *Limiter
}

func NewSet(cfg SetConfig) *Set {
	return &Set{
		General:  NewLimiter(CategoryGeneral, cfg.General),
		Register: NewLimiter(CategoryRegister, cfg.Register),
		Message:  NewLimiter(CategoryMessage, cfg.Message),
	}
}

// All returns the limiters in a fixed order.
func (s *Set) All() []*Limiter {
	return []*Limiter{s.General, s.Register, s.Message}
}

// Prune prunes every category and returns the total number of keys removed.
func (s *Set) Prune(now time.Time, idle time.Duration) int {
	n := 0
	for _, l := range s.All() {
		n += l.Prune(now, idle)
	}
	return n
}
