package engine

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func validKey() string {
	raw := make([]byte, keyLen)
	for i := range raw {
		raw[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestDecodeKeyRoundTrip(t *testing.T) {
	b64 := validKey()
	hex, err := decodeKey(b64)
	require.NoError(t, err)
	require.Len(t, hex, keyLen*2)
	require.Equal(t, "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f", hex)
}

func TestDecodeKeyRejectsWrongLength(t *testing.T) {
	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	_, err := decodeKey(short)
	require.Error(t, err)
}

func TestDecodeKeyRejectsInvalidBase64(t *testing.T) {
	_, err := decodeKey("not base64!!")
	require.Error(t, err)
}

func TestConfigParseAccepts(t *testing.T) {
	cfg := &Config{
		LocalPrivateKey: validKey(),
		PeerPublicKey:   validKey(),
		SourceIP:        "10.245.1.2",
		PeerEndpoint:    "127.0.0.1:51820",
	}
	parsed, err := cfg.parse()
	require.NoError(t, err)
	require.Equal(t, "10.245.1.2", parsed.source.String())
	require.Equal(t, uint16(51820), parsed.peerAddr.Port())
}

func TestConfigParseRejectsNonIPv4Source(t *testing.T) {
	cfg := &Config{
		LocalPrivateKey: validKey(),
		PeerPublicKey:   validKey(),
		SourceIP:        "::1",
		PeerEndpoint:    "127.0.0.1:51820",
	}
	_, err := cfg.parse()
	require.Error(t, err)
}

func TestConfigParseRejectsBadEndpoint(t *testing.T) {
	cfg := &Config{
		LocalPrivateKey: validKey(),
		PeerPublicKey:   validKey(),
		SourceIP:        "10.245.1.2",
		PeerEndpoint:    "not-an-endpoint",
	}
	_, err := cfg.parse()
	require.Error(t, err)
}
