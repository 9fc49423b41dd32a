// Package command holds the closed set of state transitions that may be
// applied to landscape documents. Every command captures what it overwrote so
// that its inverse restores the prior state exactly, and every command
// serializes to a CBOR tagged union for storage and the wire.
package command

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/astromechza/landscape-sync/pkg/document"
	"github.com/astromechza/landscape-sync/pkg/landscape"
	"github.com/astromechza/landscape-sync/pkg/result"
	"github.com/astromechza/landscape-sync/pkg/store"
)

type Kind int

const (
	KindCreateLandscape Kind = iota + 1
	KindCreateLayer
	KindDeleteLayer
	KindCreateGroup
	KindDeleteGroup
	KindUpdateLayer
	KindMoveLayer
	KindUpdateLandblock
	KindUpdateEnvCell
)

func (k Kind) String() string {
	switch k {
	case KindCreateLandscape:
		return "CreateLandscape"
	case KindCreateLayer:
		return "CreateLayer"
	case KindDeleteLayer:
		return "DeleteLayer"
	case KindCreateGroup:
		return "CreateGroup"
	case KindDeleteGroup:
		return "DeleteGroup"
	case KindUpdateLayer:
		return "UpdateLayer"
	case KindMoveLayer:
		return "MoveLayer"
	case KindUpdateLandblock:
		return "UpdateLandblock"
	case KindUpdateEnvCell:
		return "UpdateEnvCell"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Header is common to every command. ServerTimestamp stays nil until the sync
// authority orders the command.
type Header struct {
	ID              string  `cbor:"id"`
	DocumentID      string  `cbor:"doc"`
	UserID          string  `cbor:"user"`
	ClientTimestamp int64   `cbor:"cts"`
	ServerTimestamp *uint64 `cbor:"sts,omitempty"`
}

func NewHeader(documentID, userID string) Header {
	return Header{
		ID:              ulid.Make().String(),
		DocumentID:      documentID,
		UserID:          userID,
		ClientTimestamp: time.Now().UnixNano(),
	}
}

func (h *Header) Head() *Header {
	return h
}

type Command interface {
	Head() *Header
	Kind() Kind
	// Apply performs the transition inside tx and records what it replaced.
	Apply(ctx context.Context, m *document.Manager, tx *store.Tx) (interface{}, error)
	// Inverse returns a fresh command that undoes an applied command.
	Inverse() (Command, error)
}

// event adapts a command to the manager's event contract.
type event struct {
	Command
}

func (e event) Record() (store.EventRecord, error) {
	data, err := Marshal(e.Command)
	if err != nil {
		return store.EventRecord{}, err
	}
	h := e.Head()
	return store.EventRecord{
		ID:              h.ID,
		DocumentID:      h.DocumentID,
		UserID:          h.UserID,
		Kind:            int(e.Kind()),
		Data:            data,
		ClientTimestamp: h.ClientTimestamp,
		ServerTimestamp: h.ServerTimestamp,
	}, nil
}

func AsEvent(cmd Command) document.Event {
	return event{cmd}
}

// inverseHeader starts the header of an inverse: same document and author,
// new identity.
func inverseHeader(h *Header) Header {
	return NewHeader(h.DocumentID, h.UserID)
}

func checkHeader(h *Header) error {
	if h.ID == "" {
		return result.Validation("command has no id")
	}
	if h.DocumentID == "" {
		return result.Validation("command %s has no document id", h.ID)
	}
	return nil
}

func rentLandscape(ctx context.Context, m *document.Manager, tx *store.Tx, h *Header) (*document.Rental[*landscape.LandscapeDocument], error) {
	if err := checkHeader(h); err != nil {
		return nil, err
	}
	return document.RentTx[*landscape.LandscapeDocument](ctx, m, tx, h.DocumentID)
}

// requireLayer fails unless id names a layer, not a group.
func requireLayer(doc *landscape.LandscapeDocument, id string) (landscape.Node, error) {
	n, ok := doc.Node(id)
	if !ok {
		return n, result.NotFound(result.CodeLayerNotFound, "layer %q does not exist in %s", id, doc.ID())
	}
	if n.Kind != landscape.KindLayer {
		return n, result.Validation("%q is a %s, not a layer", id, n.Kind)
	}
	return n, nil
}

func requireGroup(doc *landscape.LandscapeDocument, id string) (landscape.Node, error) {
	n, ok := doc.Node(id)
	if !ok {
		return n, result.NotFound(result.CodeLayerNotFound, "group %q does not exist in %s", id, doc.ID())
	}
	if n.Kind != landscape.KindGroup {
		return n, result.Validation("%q is a %s, not a group", id, n.Kind)
	}
	return n, nil
}
