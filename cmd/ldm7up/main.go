// Command ldm7up is the LDM7 upstream session engine: one process handles
// the subscription handshake and product delivery for one downstream peer,
// whether spawned per-connection from an inetd-style supervisor
// (stdinserver) or run as a standalone listener (serve).
package main

import (
	"github.com/unidata/ldm7up/internal/cli"
)

func main() {
	cli.Run()
}
