package engine

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"net"
	"net/netip"
	"strconv"
)

const keyLen = 32

// Config carries the construction parameters for an Engine. All key
// material is base64-encoded, matching the standard WireGuard config
// file convention (wg genkey/wg pubkey).
type Config struct {
	// LocalPrivateKey is this engine's static private key.
	LocalPrivateKey string
	// PeerPublicKey is the tunnel peer's static public key.
	PeerPublicKey string
	// PresharedKey is optional; an empty string means no PSK.
	PresharedKey string
	// PeerEndpoint is "host:port"; the host is resolved once, using the
	// first IPv4 address returned by the ambient resolver.
	PeerEndpoint string
	// SourceIP is this engine's IPv4 address on the tunnel, dotted-quad.
	SourceIP string
}

type parsedConfig struct {
	localPrivateHex string
	peerPublicHex   string
	presharedHex    string
	peerAddr        netip.AddrPort
	source          netip.Addr
}

func decodeKey(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", newError("failed to decode base64 key").Base(err)
	}
	if len(raw) != keyLen {
		return "", newError("key must decode to exactly", keyLen, "bytes, got", len(raw))
	}
	return hex.EncodeToString(raw), nil
}

func (c *Config) parse() (*parsedConfig, error) {
	out := &parsedConfig{}

	localHex, err := decodeKey(c.LocalPrivateKey)
	if err != nil {
		return nil, newError("invalid local private key").Base(err)
	}
	out.localPrivateHex = localHex

	peerHex, err := decodeKey(c.PeerPublicKey)
	if err != nil {
		return nil, newError("invalid peer public key").Base(err)
	}
	out.peerPublicHex = peerHex

	if c.PresharedKey != "" {
		pskHex, err := decodeKey(c.PresharedKey)
		if err != nil {
			return nil, newError("invalid preshared key").Base(err)
		}
		out.presharedHex = pskHex
	}

	source, err := netip.ParseAddr(c.SourceIP)
	if err != nil || !source.Is4() {
		return nil, newError("source address must be a valid IPv4 literal, got", c.SourceIP).Base(err)
	}
	out.source = source

	host, portStr, err := net.SplitHostPort(c.PeerEndpoint)
	if err != nil {
		return nil, newError("peer endpoint must be host:port, got", c.PeerEndpoint).Base(err)
	}
	ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip4", host)
	if err != nil || len(ips) == 0 {
		return nil, newError("failed to resolve peer endpoint host", host).Base(err)
	}
	addr, ok := netip.AddrFromSlice(ips[0].To4())
	if !ok {
		return nil, newError("resolved peer endpoint is not IPv4:", host)
	}
	portNum, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, newError("invalid peer endpoint port", portStr).Base(err)
	}
	out.peerAddr = netip.AddrPortFrom(addr, uint16(portNum))

	return out, nil
}
