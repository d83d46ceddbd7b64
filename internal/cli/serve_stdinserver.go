package cli

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/unidata/ldm7up/internal/session"
	"github.com/unidata/ldm7up/internal/stdinstream"
	"github.com/unidata/ldm7up/internal/util/envconst"
	"github.com/unidata/ldm7up/internal/wire"
)

var stdinserverCmd = &Subcommand{
	Use:   "stdinserver PEER_HOST_ID",
	Short: "run one session over the inherited stdin/stdout socket (for inetd-style invocation from sshd ForceCommand)",
	Run:   runStdinserver,
}

func init() {
	AddSubcommand(stdinserverCmd)
}

func runStdinserver(s *Subcommand, args []string) error {
	if len(args) != 1 || args[0] == "" {
		return fmt.Errorf("must specify peer host id as positional argument")
	}
	peerHostID := args[0]

	log, err := buildLogger(s.Config())
	if err != nil {
		return err
	}
	log = log.WithField("peer", peerHostID)

	var peerAddr net.IP
	if sshConn := os.Getenv("SSH_CONNECTION"); sshConn != "" {
		var remoteIP string
		fmt.Sscanf(sshConn, "%s", &remoteIP)
		peerAddr = net.ParseIP(remoteIP)
	}

	deps, err := buildSessionDeps(s.Config(), peerHostID, peerAddr, log)
	if err != nil {
		return err
	}

	var stream io.ReadWriteCloser = stdinstream.Incoming()
	conn := wire.NewConn(stream)
	conn.SetTimeouts(
		envconst.Duration("LDM7UP_RPC_HANDSHAKE_TIMEOUT", s.Config().Engine.RPC.HandshakeTimeout),
		envconst.Duration("LDM7UP_RPC_SEND_TIMEOUT", s.Config().Engine.RPC.SendTimeout),
	)
	defer conn.Close()

	sess := session.New(deps, conn)
	defer sess.Close()

	log.Info("stdinserver session starting")
	if err := conn.Serve(sess); err != nil {
		log.WithError(err).Error("session ended with error")
		return err
	}
	log.Info("stdinserver session ended")
	return nil
}
