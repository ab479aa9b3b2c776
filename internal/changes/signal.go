package changes

// Signal is a pending-work flag with at most one buffered wake-up.
//
// Set never blocks. Receiving from C clears the flag, so a Set that happens
// while the receiver is busy is kept for its next wait.
type Signal struct {
	ch chan struct{}
}

// NewSignal creates a cleared signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Set marks work as pending.
func (s *Signal) Set() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C returns the channel to wait on.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}

// Clear drops a pending wake-up and reports whether one was pending.
func (s *Signal) Clear() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// IsSet reports whether a wake-up is pending without consuming it.
func (s *Signal) IsSet() bool {
	return len(s.ch) > 0
}
