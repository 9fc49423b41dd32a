package command

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/landscape-sync/pkg/result"
)

// TagBase is added to a Kind to form its CBOR tag number.
const TagBase uint64 = 40000

const envelopeVersion = 1

// envelope is the tag content. The header is kept apart from the body so that
// relays can read it without knowing the variant.
type envelope struct {
	V      int             `cbor:"v"`
	Header Header          `cbor:"h"`
	Body   cbor.RawMessage `cbor:"b"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}).DecMode(); err != nil {
		panic(err)
	}
}

// New returns an empty command of the given kind.
func New(k Kind) (Command, bool) {
	switch k {
	case KindCreateLandscape:
		return &CreateLandscape{}, true
	case KindCreateLayer:
		return &CreateLayer{}, true
	case KindDeleteLayer:
		return &DeleteLayer{}, true
	case KindCreateGroup:
		return &CreateGroup{}, true
	case KindDeleteGroup:
		return &DeleteGroup{}, true
	case KindUpdateLayer:
		return &UpdateLayer{}, true
	case KindMoveLayer:
		return &MoveLayer{}, true
	case KindUpdateLandblock:
		return &UpdateLandblock{}, true
	case KindUpdateEnvCell:
		return &UpdateEnvCell{}, true
	default:
		return nil, false
	}
}

func Marshal(cmd Command) ([]byte, error) {
	body, err := encMode.Marshal(cmd)
	if err != nil {
		return nil, result.Invalid(result.CodeMalformedPayload, "failed to encode %s", cmd.Kind()).Wrap(err)
	}
	out, err := encMode.Marshal(cbor.Tag{
		Number:  TagBase + uint64(cmd.Kind()),
		Content: envelope{V: envelopeVersion, Header: *cmd.Head(), Body: body},
	})
	if err != nil {
		return nil, result.Invalid(result.CodeMalformedPayload, "failed to encode %s", cmd.Kind()).Wrap(err)
	}
	return out, nil
}

func decodeEnvelope(data []byte) (Kind, envelope, error) {
	var raw cbor.RawTag
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return 0, envelope{}, result.Invalid(result.CodeMalformedPayload, "command is not a tagged value").Wrap(err)
	}
	if raw.Number <= TagBase {
		return 0, envelope{}, result.Invalid(result.CodeUnknownCommand, "unknown command tag %d", raw.Number)
	}
	k := Kind(raw.Number - TagBase)
	if _, ok := New(k); !ok {
		return 0, envelope{}, result.Invalid(result.CodeUnknownCommand, "unknown command tag %d", raw.Number)
	}
	var env envelope
	if err := decMode.Unmarshal(raw.Content, &env); err != nil {
		return 0, envelope{}, result.Invalid(result.CodeMalformedPayload, "invalid %s envelope", k).Wrap(err)
	}
	if env.V != envelopeVersion {
		return 0, envelope{}, result.Invalid(result.CodeMalformedPayload, "unsupported %s version %d", k, env.V)
	}
	return k, env, nil
}

// PeekHeader decodes only the kind and header of a serialized command.
func PeekHeader(data []byte) (Kind, Header, error) {
	k, env, err := decodeEnvelope(data)
	return k, env.Header, err
}

// Unmarshal decodes a command. An unknown tag fails with UNKNOWN_COMMAND and
// anything structurally wrong with MALFORMED_PAYLOAD.
func Unmarshal(data []byte) (Command, error) {
	k, env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	cmd, _ := New(k)
	if err := decMode.Unmarshal(env.Body, cmd); err != nil {
		return nil, result.Invalid(result.CodeMalformedPayload, "invalid %s body", k).Wrap(err)
	}
	*cmd.Head() = env.Header
	return cmd, nil
}

// Clone deep-copies a command through the codec.
func Clone(cmd Command) (Command, error) {
	data, err := Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// Reissue clones cmd as a new application: fresh id and client timestamp, no
// server timestamp. A non-empty userID replaces the author.
func Reissue(cmd Command, userID string) (Command, error) {
	out, err := Clone(cmd)
	if err != nil {
		return nil, err
	}
	h := out.Head()
	h.ID = ulid.Make().String()
	h.ClientTimestamp = time.Now().UnixNano()
	h.ServerTimestamp = nil
	if userID != "" {
		h.UserID = userID
	}
	return out, nil
}

// WithServerTimestamp re-encodes data with the server timestamp set.
func WithServerTimestamp(data []byte, ts uint64) ([]byte, Command, error) {
	cmd, err := Unmarshal(data)
	if err != nil {
		return nil, nil, err
	}
	cmd.Head().ServerTimestamp = &ts
	out, err := Marshal(cmd)
	return out, cmd, err
}
