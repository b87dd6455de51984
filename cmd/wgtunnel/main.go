// Command wgtunnel runs a standalone tunnel adapter: it dials a
// WireGuard peer, opens one outbound connection through it, and logs
// whatever comes back. It exists to exercise the engine package end to
// end from the command line, not as a production proxy front end.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/xtls/wgtunnel/engine"
	"github.com/xtls/wgtunnel/internal/logx"
)

func main() {
	var (
		privateKey   = flag.String("private-key", "", "base64 local private key")
		peerKey      = flag.String("peer-key", "", "base64 peer public key")
		presharedKey = flag.String("preshared-key", "", "base64 preshared key (optional)")
		endpoint     = flag.String("endpoint", "", "peer endpoint, host:port")
		sourceIP     = flag.String("source", "", "this engine's IPv4 address on the tunnel")
		dialIP       = flag.String("dial", "", "destination IPv4 address to connect to once up")
		dialPort     = flag.Uint("dial-port", 0, "destination TCP port to connect to once up")
	)
	flag.Parse()

	logx.SetLogger(hclog.New(&hclog.LoggerOptions{
		Name:  "wgtunnel",
		Level: hclog.Info,
	}))

	cfg := engine.Config{
		LocalPrivateKey: *privateKey,
		PeerPublicKey:   *peerKey,
		PresharedKey:    *presharedKey,
		PeerEndpoint:    *endpoint,
		SourceIP:        *sourceIP,
	}

	eng, err := engine.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start engine:", err)
		os.Exit(1)
	}
	defer eng.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	if *dialIP != "" {
		done := make(chan struct{})
		conn, err := eng.Connect(*dialIP, uint16(*dialPort), engine.ClientCallbacks{
			OnData: func(data []byte) {
				logx.Infof("received %d bytes", len(data))
			},
			OnClose: func() {
				logx.Infof("connection closed")
				close(done)
			},
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "connect failed:", err)
			os.Exit(1)
		}
		logx.Infof("connected, id=%d", conn.ID())
		select {
		case <-done:
		case <-sig:
		}
		return
	}

	<-sig
}
