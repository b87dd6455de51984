package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xtls/wgtunnel/internal/logx"
)

func TestErrorChainMessageAndCause(t *testing.T) {
	inner := errors.New("dial failed")
	e := New("connect to", "10.0.0.1:51820").Base(inner).AtError()

	require.True(t, errors.Is(e, inner))
	require.Contains(t, e.Error(), "connect to 10.0.0.1:51820")
	require.Contains(t, e.Error(), "dial failed")
	require.Equal(t, logx.SeverityError, e.Severity())
	require.Equal(t, inner, e.Unwrap())
}

func TestErrorSeverityBubblesFromInner(t *testing.T) {
	inner := New("low level").AtError()
	outer := New("high level wrapper").Base(inner).AtInfo()
	require.Equal(t, logx.SeverityError, outer.Severity())
}

func TestErrorWithoutCause(t *testing.T) {
	e := New("plain message", 42)
	require.Nil(t, e.Unwrap())
	require.Contains(t, e.Error(), "plain message 42")
}
