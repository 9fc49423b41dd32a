// Package undo keeps undo and redo stacks of applied command units.
//
// A unit is one or more commands that were applied together. Undo applies the
// inverses of a unit in reverse order and redo re-issues the originals. Each
// of these runs as a single transaction through the Executor, so a unit is
// either fully undone or left exactly as it was.
package undo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/astromechza/landscape-sync/pkg/command"
)

var ErrEmpty = errors.New("nothing to apply")

// Executor applies a unit atomically. command.Executor and syncsvc.Client both
// implement it.
type Executor interface {
	ApplyUnit(ctx context.Context, cmds []command.Command) ([]interface{}, error)
}

type Config struct {
	// Limit caps the undo stack. Zero means unlimited.
	Limit int
	// UserID becomes the author of re-issued commands. Empty keeps the original.
	UserID string
	Logger *slog.Logger
}

type Stack struct {
	exec Executor
	cfg  Config

	mu   sync.Mutex
	undo [][]command.Command
	redo [][]command.Command
}

func New(exec Executor, cfg Config) *Stack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Stack{exec: exec, cfg: cfg}
}

// Push records a unit that has already been applied and clears redo.
func (s *Stack) Push(cmds ...command.Command) {
	if len(cmds) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.undo = append(s.undo, cmds)
	if s.cfg.Limit > 0 && len(s.undo) > s.cfg.Limit {
		s.undo = s.undo[len(s.undo)-s.cfg.Limit:]
	}
	s.redo = nil
}

// Do applies a unit and pushes it on success.
func (s *Stack) Do(ctx context.Context, cmds ...command.Command) ([]interface{}, error) {
	out, err := s.exec.ApplyUnit(ctx, cmds)
	if err != nil {
		return nil, err
	}
	s.Push(cmds...)
	return out, nil
}

// Undo reverts the most recent unit and returns the inverses it applied.
func (s *Stack) Undo(ctx context.Context) ([]command.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.undo) == 0 {
		return nil, ErrEmpty
	}
	unit := s.undo[len(s.undo)-1]
	inverses := make([]command.Command, 0, len(unit))
	for i := len(unit) - 1; i >= 0; i-- {
		inv, err := unit[i].Inverse()
		if err != nil {
			return nil, fmt.Errorf("failed to invert %s: %w", unit[i].Kind(), err)
		}
		inverses = append(inverses, inv)
	}
	if _, err := s.exec.ApplyUnit(ctx, inverses); err != nil {
		return nil, fmt.Errorf("failed to undo: %w", err)
	}
	s.undo = s.undo[:len(s.undo)-1]
	s.redo = append(s.redo, unit)
	s.cfg.Logger.Debug("undid unit", "commands", len(unit))
	return inverses, nil
}

// Redo re-applies the most recently undone unit with fresh command ids and
// returns the commands it applied.
func (s *Stack) Redo(ctx context.Context) ([]command.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.redo) == 0 {
		return nil, ErrEmpty
	}
	unit := s.redo[len(s.redo)-1]
	reissued := make([]command.Command, 0, len(unit))
	for _, cmd := range unit {
		again, err := command.Reissue(cmd, s.cfg.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to reissue %s: %w", cmd.Kind(), err)
		}
		reissued = append(reissued, again)
	}
	if _, err := s.exec.ApplyUnit(ctx, reissued); err != nil {
		return nil, fmt.Errorf("failed to redo: %w", err)
	}
	s.redo = s.redo[:len(s.redo)-1]
	s.undo = append(s.undo, reissued)
	s.cfg.Logger.Debug("redid unit", "commands", len(unit))
	return reissued, nil
}

func (s *Stack) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.undo) > 0
}

func (s *Stack) CanRedo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.redo) > 0
}

func (s *Stack) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.undo = nil
	s.redo = nil
}
