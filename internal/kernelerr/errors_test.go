package kernelerr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAndDetails(t *testing.T) {
	err := New(CodeInsufficientFunds, "not enough locked funds").WithDetails(map[string]any{"walletId": "w_1"})
	require.Equal(t, CodeInsufficientFunds, err.Code())
	require.Contains(t, err.Error(), "INSUFFICIENT_FUNDS")
	require.Equal(t, "w_1", err.Details["walletId"])
}

func TestAsMatchesWrappedError(t *testing.T) {
	base := New(CodeDisputeWindowClosed, "window closed")
	wrapped := fmt.Errorf("open dispute: %w", base)
	require.True(t, As(wrapped, CodeDisputeWindowClosed))
	require.False(t, As(wrapped, CodeInsufficientFunds))
}

func TestAsFalseForPlainError(t *testing.T) {
	require.False(t, As(fmt.Errorf("boom"), CodeInsufficientFunds))
}
