package logx

import (
	"bytes"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func TestRecordRoutesBySeverity(t *testing.T) {
	var buf bytes.Buffer
	prev := logger()
	SetLogger(hclog.New(&hclog.LoggerOptions{Name: "test", Level: hclog.Debug, Output: &buf}))
	defer SetLogger(prev)

	Record(SeverityWarning, "disk almost full")
	require.Contains(t, buf.String(), "disk almost full")
	require.Contains(t, buf.String(), "WARN")
}

func TestErrorfFormats(t *testing.T) {
	var buf bytes.Buffer
	prev := logger()
	SetLogger(hclog.New(&hclog.LoggerOptions{Name: "test", Level: hclog.Debug, Output: &buf}))
	defer SetLogger(prev)

	Errorf("peer %s unreachable", "10.0.0.5")
	require.Contains(t, buf.String(), "peer 10.0.0.5 unreachable")
}
