package index

import (
	"context"
	"fmt"
	"log/slog"

	amerrors "github.com/Aman-CERP/amandb/internal/errors"
	"github.com/Aman-CERP/amandb/internal/results"
)

// Pause stops indexing until Resume. Pausing a paused index is a no-op.
// Pause returns once an in-flight pulse has committed.
func (ix *Index) Pause() error {
	return ix.transition("pause", func(s State) (State, error) {
		switch s {
		case StateNormal, StatePaused:
			return StatePaused, nil
		}
		return s, ix.stateError("pause", s)
	})
}

// Resume restarts a paused index.
func (ix *Index) Resume() error {
	return ix.transition("resume", func(s State) (State, error) {
		switch s {
		case StatePaused, StateNormal:
			return StateNormal, nil
		}
		return s, ix.stateError("resume", s)
	})
}

// Disable stops the index from any state.
func (ix *Index) Disable() error {
	return ix.transition("disable", func(State) (State, error) {
		return StateDisabled, nil
	})
}

// Enable restarts a disabled index.
func (ix *Index) Enable() error {
	return ix.transition("enable", func(s State) (State, error) {
		switch s {
		case StateDisabled, StateNormal:
			return StateNormal, nil
		}
		return s, ix.stateError("enable", s)
	})
}

// Reset clears an Error state and the error rate counters. Indexing resumes
// from the last checkpoint. A corrupt index cannot be reset, only rebuilt.
func (ix *Index) Reset() error {
	ix.mu.Lock()
	corrupt := ix.corrupt
	ix.mu.Unlock()
	if corrupt {
		return amerrors.New(amerrors.ErrCodeIndexState,
			fmt.Sprintf("index %s is corrupt", ix.def.Name()), nil).
			WithSuggestion("rebuild it with 'amandb index rebuild " + ix.def.Name() + " --yes'")
	}
	return ix.transition("reset", func(s State) (State, error) {
		switch s {
		case StateError, StateNormal:
			ix.lastErr = ""
			ix.attempts, ix.failures = 0, 0
			return StateNormal, nil
		}
		return s, ix.stateError("reset", s)
	})
}

// Rebuild discards every result of the index and indexes from scratch.
// It requires confirm because the index is unusable until it catches up.
func (ix *Index) Rebuild(ctx context.Context, confirm bool) error {
	if !confirm {
		return amerrors.New(amerrors.ErrCodeConfirmationRequired,
			fmt.Sprintf("rebuilding %s discards all of its results", ix.def.Name()), nil).
			WithSuggestion("pass --yes to confirm")
	}

	ix.runMu.Lock()
	defer ix.runMu.Unlock()

	ix.mu.Lock()
	store, corrupt := ix.store, ix.corrupt
	ix.mu.Unlock()

	if corrupt || store == nil {
		if store != nil {
			_ = store.Close()
		}
		if err := results.Remove(ix.dir, ix.def.Name()); err != nil {
			return err
		}
		fresh, err := results.Open(ix.dir, ix.def.Name(), ix.cfg.Tree)
		if err != nil {
			return err
		}
		store = fresh
	} else if err := store.Wipe(ctx); err != nil {
		return err
	}

	ix.mu.Lock()
	ix.store = store
	ix.corrupt = false
	ix.state = StateNormal
	ix.lastErr = ""
	ix.attempts, ix.failures = 0, 0
	ix.mu.Unlock()

	ix.saveState()
	ix.logger.Info("index_rebuild_started",
		slog.String("index", ix.def.Name()),
		slog.Bool("was_corrupt", corrupt))
	ix.signal.Set()
	ix.notifyProgress()
	return nil
}

// transition applies an operator state change and persists it once no
// batch is running.
func (ix *Index) transition(op string, next func(State) (State, error)) error {
	ix.mu.Lock()
	from := ix.state
	to, err := next(from)
	if err != nil {
		ix.mu.Unlock()
		return err
	}
	ix.state = to
	ix.mu.Unlock()

	ix.runMu.Lock()
	ix.saveState()
	ix.runMu.Unlock()

	if from != to {
		ix.logger.Info("index_state_changed",
			slog.String("index", ix.def.Name()),
			slog.String("op", op),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	}
	if to == StateNormal {
		ix.signal.Set()
	}
	ix.notifyProgress()
	return nil
}

func (ix *Index) stateError(op string, s State) error {
	return amerrors.New(amerrors.ErrCodeIndexState,
		fmt.Sprintf("cannot %s index %s in state %s", op, ix.def.Name(), s), nil)
}
