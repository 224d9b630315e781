package syncerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatching(t *testing.T) {
	err := fmt.Errorf("apply: %w", Newf(KindCorruptUpdate, "truncated at byte %d", 7))

	assert.True(t, errors.Is(err, ErrCorruptUpdate))
	assert.False(t, errors.Is(err, ErrAuthRejected))
	assert.Equal(t, KindCorruptUpdate, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "CorruptUpdate: truncated at byte 7")
}

func TestParseKindRoundTrip(t *testing.T) {
	for k := KindCorruptUpdate; k <= KindSessionClosed; k++ {
		assert.Equal(t, k, ParseKind(k.String()))
	}
	assert.Equal(t, KindUnknown, ParseKind("nope"))
}

func TestTerminalKinds(t *testing.T) {
	assert.True(t, KindAuthRejected.Terminal())
	assert.True(t, KindRoomIdInvalid.Terminal())
	assert.False(t, KindTransportLost.Terminal())
	assert.False(t, KindCorruptUpdate.Terminal())
}
