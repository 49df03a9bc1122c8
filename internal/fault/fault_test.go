package fault

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsIs(t *testing.T) {
	err := ConnectionError("dial", io.ErrUnexpectedEOF)

	assert.ErrorIs(t, err, ErrConnection)
	assert.NotErrorIs(t, err, ErrProtocol)
	assert.NotErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "connection error: dial: unexpected EOF", err.Error())
}

func TestWrapKeepsFirstKind(t *testing.T) {
	inner := ProtocolError("decode", errors.New("bad json"))
	outer := PersistenceError("record", fmt.Errorf("failed to record: %w", inner))

	assert.Equal(t, Protocol, KindOf(outer))
	assert.ErrorIs(t, outer, ErrProtocol)
}

func TestWrapNil(t *testing.T) {
	require.NoError(t, ConnectionError("dial", nil))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"connection", ConnectionError("dial", io.EOF), 2},
		{"protocol", ProtocolError("decode", io.EOF), 3},
		{"persistence", PersistenceError("insert", io.EOF), 4},
		{"plain", io.EOF, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}
