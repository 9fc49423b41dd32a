package command

import (
	"context"

	"github.com/astromechza/landscape-sync/pkg/document"
	"github.com/astromechza/landscape-sync/pkg/result"
)

// Executor applies commands locally through a document manager.
type Executor struct {
	m *document.Manager
}

func NewExecutor(m *document.Manager) *Executor {
	return &Executor{m: m}
}

func (e *Executor) Manager() *document.Manager {
	return e.m
}

// Apply applies a single command in its own transaction.
func (e *Executor) Apply(ctx context.Context, cmd Command) (interface{}, error) {
	out, err := e.ApplyUnit(ctx, []Command{cmd})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// ApplyUnit applies cmds in order in one transaction. Either all of them are
// committed and logged or none are.
func (e *Executor) ApplyUnit(ctx context.Context, cmds []Command) ([]interface{}, error) {
	events := make([]document.Event, len(cmds))
	for i, cmd := range cmds {
		events[i] = AsEvent(cmd)
	}
	return e.m.ApplyUnit(ctx, events)
}

// ApplyEach applies every command in its own transaction and reports each
// outcome in order. A failure does not stop the commands after it.
func (e *Executor) ApplyEach(ctx context.Context, cmds []Command) []result.Result[interface{}] {
	out := make([]result.Result[interface{}], len(cmds))
	for i, cmd := range cmds {
		v, err := e.Apply(ctx, cmd)
		out[i] = result.From(v, err)
	}
	return out
}
