package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWrapsConfigurationErrors(t *testing.T) {
	_, err := New(Config{
		LocalPrivateKey: "not base64!!",
		PeerPublicKey:   validKey(),
		SourceIP:        "10.245.1.2",
		PeerEndpoint:    "127.0.0.1:51820",
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrConfiguration))
}
