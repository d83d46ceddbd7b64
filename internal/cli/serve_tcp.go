package cli

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"github.com/unidata/ldm7up/internal/config"
	"github.com/unidata/ldm7up/internal/logger"
	"github.com/unidata/ldm7up/internal/metrics"
	"github.com/unidata/ldm7up/internal/session"
	"github.com/unidata/ldm7up/internal/util/envconst"
	"github.com/unidata/ldm7up/internal/wire"
)

// serveTCPCmd is the standalone counterpart to stdinserver: instead of
// inheriting one accepted socket per forked process, it binds listen
// itself and spawns one session per accepted connection, each in its own
// goroutine. Useful for running the engine outside of an inetd-style
// supervisor, and for integration tests that dial a live listener.
var serveTCPCmd = &Subcommand{
	Use:   "serve",
	Short: "listen for downstream peer connections and run one session per connection",
	Run:   runServeTCP,
}

func init() {
	AddSubcommand(serveTCPCmd)
}

func runServeTCP(s *Subcommand, args []string) error {
	cfg := s.Config()
	log, err := buildLogger(cfg)
	if err != nil {
		return err
	}

	if cfg.Engine.Listen == "" {
		return errors.New("engine.listen is not set in config")
	}

	l, err := net.Listen("tcp", cfg.Engine.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen on %q", cfg.Engine.Listen)
	}
	defer l.Close()
	log.WithField("addr", cfg.Engine.Listen).Info("listening for downstream peers")

	if cfg.Engine.MetricsListenAddr != "" {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			if err := metrics.Serve(ctx, cfg.Engine.MetricsListenAddr); err != nil {
				log.WithError(err).Error("metrics listener exited")
			}
		}()
	}

	for {
		nc, err := l.Accept()
		if err != nil {
			return errors.Wrap(err, "accept")
		}
		go handleTCPPeer(cfg, log, nc)
	}
}

func handleTCPPeer(cfg *config.Config, log logger.Logger, nc net.Conn) {
	defer nc.Close()

	addr, _ := nc.RemoteAddr().(*net.TCPAddr)
	var peerAddr net.IP
	peerHostID := nc.RemoteAddr().String()
	if addr != nil {
		peerAddr = addr.IP
		peerHostID = addr.IP.String()
	}

	peerLog := log.WithField("peer", peerHostID)

	deps, err := buildSessionDeps(cfg, peerHostID, peerAddr, peerLog)
	if err != nil {
		peerLog.WithError(err).Error("could not build session dependencies")
		return
	}

	conn := wire.NewConn(nc)
	conn.SetTimeouts(
		envconst.Duration("LDM7UP_RPC_HANDSHAKE_TIMEOUT", cfg.Engine.RPC.HandshakeTimeout),
		envconst.Duration("LDM7UP_RPC_SEND_TIMEOUT", cfg.Engine.RPC.SendTimeout),
	)
	sess := session.New(deps, conn)
	defer sess.Close()

	peerLog.Info("session starting")
	if err := conn.Serve(sess); err != nil {
		peerLog.WithError(err).Error("session ended with error")
		return
	}
	peerLog.Info("session ended")
}
