package bridge

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/truelens/internal/state"
)

func TestReceiptCarriesSentinels(t *testing.T) {
	tests := []struct {
		err  error
		code Code
	}{
		{err: nil, code: CodeNone},
		{err: fmt.Errorf("nonce 3: %w", state.ErrMessageReplay), code: CodeReplay},
		{err: fmt.Errorf("nonce 5: %w", state.ErrMessageOutOfOrder), code: CodeOutOfOrder},
		{err: fmt.Errorf("item 1: %w", state.ErrSettlementMismatch), code: CodeSettlementMismatch},
		{err: ErrInsufficientSignatures, code: CodeInsufficientSignatures},
		{err: errors.New("disk full"), code: CodeInternal},
	}
	for _, tc := range tests {
		r := NewReceipt(7, ReceiptRejected, tc.err)
		assert.Equal(t, tc.code, r.Code)

		b, err := r.Encode()
		require.NoError(t, err)
		decoded, err := DecodeReceipt(b)
		require.NoError(t, err)

		got := decoded.Err()
		switch {
		case tc.err == nil:
			assert.NoError(t, got)
		case tc.code == CodeInternal:
			assert.ErrorIs(t, got, ErrRejected)
			assert.Equal(t, tc.err.Error(), got.Error())
		default:
			assert.ErrorIs(t, got, codeErrors[tc.code-1].err)
			assert.Equal(t, tc.err.Error(), got.Error())
		}
	}
}
