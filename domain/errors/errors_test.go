package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hostreflect/hostreflect/wireformat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusError_Unwrap(t *testing.T) {
	tests := []struct {
		status wireformat.Status
		want   error
	}{
		{wireformat.StatusNotFound, ErrNotFound},
		{wireformat.StatusNotOpen, ErrNotOpen},
		{wireformat.StatusOutOfBounds, ErrOutOfBounds},
		{wireformat.StatusIOError, ErrIO},
		{wireformat.StatusInvalidArgument, ErrInvalidArgument},
		{wireformat.StatusInternal, ErrInternal},
		{wireformat.Status(77), ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			err := CheckStatus("read", tt.status)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want))

			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.Status)
		})
	}
}

func TestCheckStatus_OK(t *testing.T) {
	assert.NoError(t, CheckStatus("open", wireformat.StatusOK))
}

func TestStatusError_Message(t *testing.T) {
	err := &StatusError{Op: "open test.bin", Status: wireformat.StatusNotFound}
	assert.Equal(t, "open test.bin: not found", err.Error())

	detail := err.ToErrorDetail()
	assert.Equal(t, "status", detail.Type)
	assert.True(t, detail.IsNotFound)
}

func TestProtocolError(t *testing.T) {
	err := &ProtocolError{
		Reason:  "payload size",
		Handler: wireformat.HandlerFileRead,
		Err:     wireformat.ErrPayloadSize,
	}

	assert.Equal(t, "protocol violation (payload size) on file_read: payload size mismatch", err.Error())
	assert.True(t, errors.Is(err, wireformat.ErrPayloadSize))

	noHandler := NewProtocolError("header", wireformat.ErrMalformedFrame)
	assert.Equal(t, "protocol violation (header): malformed frame", noHandler.Error())
}

func TestConfigError(t *testing.T) {
	baseErr := fmt.Errorf("must be positive")
	err := &ConfigError{Field: "queue.request_capacity", Err: baseErr}

	assert.Equal(t, "config validation failed for field 'queue.request_capacity': must be positive", err.Error())
	assert.True(t, errors.Is(err, baseErr))
}

func TestToErrorDetail(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, ToErrorDetail(nil))
	})

	t.Run("detailed error through wrapping", func(t *testing.T) {
		err := fmt.Errorf("dispatch: %w", NewProtocolError("unknown handler", wireformat.ErrUnknownHandler))
		detail := ToErrorDetail(err)
		assert.Equal(t, "protocol", detail.Type)
		assert.Equal(t, "unknown handler", detail.Code)
	})

	t.Run("generic error", func(t *testing.T) {
		detail := ToErrorDetail(fmt.Errorf("boom"))
		assert.Equal(t, "internal", detail.Type)
		assert.Equal(t, "boom", detail.Error())
	})
}
