package result_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/landscape-sync/pkg/result"
)

func TestKindOfWrapped(t *testing.T) {
	base := result.NotFound(result.CodeDocumentNotFound, "document %q", "a")
	wrapped := fmt.Errorf("failed to rent: %w", base)

	assert.Equal(t, result.KindNotFound, result.KindOf(wrapped))
	assert.Equal(t, result.CodeDocumentNotFound, result.CodeOf(wrapped))
	assert.True(t, result.Is(wrapped, result.KindNotFound))
	assert.False(t, result.Is(wrapped, result.KindConflict))
	assert.False(t, result.Is(nil, result.KindNotFound))
	assert.Equal(t, result.KindUnknown, result.KindOf(errors.New("plain")))
}

func TestTransientUnwrapsCause(t *testing.T) {
	cause := errors.New("database is locked")
	err := result.Transient(cause, "begin failed after %d attempts", 3)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), result.CodeStoreBusy)
}

func TestResult(t *testing.T) {
	ok := result.Ok("layer-1")
	require.True(t, ok.Ok())
	v, err := ok.Unwrap()
	require.NoError(t, err)
	assert.Equal(t, "layer-1", v)

	failed := result.From(0, result.Conflict("stale"))
	assert.False(t, failed.Ok())
	assert.True(t, result.Is(failed.Err, result.KindConflict))
}
