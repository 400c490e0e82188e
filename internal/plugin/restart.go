package plugin

import "sync"

// RestartState tracks the args a plugin was started with, implementing
// original_source/tstspPluginExecutor.cpp's fallback registry: on a
// failed restart with new args, the *previously validated* arg list is
// kept (not just "the args before this attempt"), so a chain of two
// failed restarts still falls back to the last-known-good configuration
// rather than an intermediate failed one.
type RestartState struct {
	mu       sync.Mutex
	lastGood []string
	pending  []string
}

// NewRestartState seeds the state with the args the plugin started with.
func NewRestartState(initialArgs []string) *RestartState {
	return &RestartState{lastGood: append([]string(nil), initialArgs...)}
}

// BeginRestart records args as the pending attempt, to be confirmed or
// discarded by CommitSuccess/CommitFailure.
func (s *RestartState) BeginRestart(args []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append([]string(nil), args...)
}

// CommitSuccess promotes the pending attempt to last-known-good.
func (s *RestartState) CommitSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.lastGood = s.pending
		s.pending = nil
	}
}

// CommitFailure discards the pending attempt and returns the
// last-known-good args for the fallback retry.
func (s *RestartState) CommitFailure() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	return append([]string(nil), s.lastGood...)
}

// LastGood returns the currently recorded last-known-good args.
func (s *RestartState) LastGood() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lastGood...)
}
