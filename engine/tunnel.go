package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xtls/wgtunnel/internal/logx"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
)

const handshakePhaseBudget = 10 * time.Second

// tunnelSession owns the noise-protocol handshake and data plane over
// UDP. Built on the real golang.zx2c4.com/wireguard/device package,
// whose noise state machine, timers and cookie handling run on their
// own internal goroutines once Up() is called; see DESIGN.md for why
// that's the right shape here rather than a hand-rolled synchronous
// encapsulate/decapsulate API.
type tunnelSession struct {
	dev       *device.Device
	bind      conn.Bind
	startedAt time.Time
}

func newTunnelSession(link *linkDevice, cfg *parsedConfig) (*tunnelSession, error) {
	bind := conn.NewStdNetBind()
	dev := device.NewDevice(link, bind, &device.Logger{
		Verbosef: func(format string, args ...any) { logx.Debugf(format, args...) },
		Errorf:   func(format string, args ...any) { logx.Errorf(format, args...) },
	})

	ipc := buildIPC(cfg)
	if err := dev.IpcSet(ipc); err != nil {
		dev.Close()
		return nil, newError("IpcSet failed").Base(err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, newError("device Up failed").Base(err)
	}
	return &tunnelSession{dev: dev, bind: bind, startedAt: time.Now()}, nil
}

func buildIPC(cfg *parsedConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", cfg.localPrivateHex)
	fmt.Fprintf(&b, "public_key=%s\n", cfg.peerPublicHex)
	if cfg.presharedHex != "" {
		fmt.Fprintf(&b, "preshared_key=%s\n", cfg.presharedHex)
	}
	fmt.Fprintf(&b, "endpoint=%s\n", cfg.peerAddr.String())
	fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", 25)
	b.WriteString("allowed_ip=0.0.0.0/0\n")
	return b.String()
}

// handshakeDone reports whether the peer's noise handshake has
// completed at least once, by inspecting the UAPI dump's
// last_handshake_time_sec the same way `wg show` does.
func (t *tunnelSession) handshakeDone() bool {
	dump, err := t.dev.IpcGet()
	if err != nil {
		return false
	}
	for _, line := range strings.Split(dump, "\n") {
		if strings.HasPrefix(line, "last_handshake_time_sec=") {
			v := strings.TrimPrefix(line, "last_handshake_time_sec=")
			sec, err := strconv.ParseInt(v, 10, 64)
			if err == nil && sec > 0 {
				return true
			}
		}
	}
	return false
}

// inHandshakePhase reports whether the engine is still inside its
// bounded (<=10s) startup window, during which handshake traffic
// should be prioritized over steady-state bookkeeping like the idle
// heartbeat.
func (t *tunnelSession) inHandshakePhase() bool {
	if t.handshakeDone() {
		return false
	}
	return time.Since(t.startedAt) < handshakePhaseBudget
}

func (t *tunnelSession) close() {
	t.dev.Close()
}
