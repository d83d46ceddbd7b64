package cli

import (
	"fmt"

	"github.com/unidata/ldm7up/internal/version"
)

var versionCmd = &Subcommand{
	Use:             "version",
	Short:           "print version information",
	NoRequireConfig: true,
	Run:             runVersion,
}

func init() {
	AddSubcommand(versionCmd)
}

func runVersion(s *Subcommand, args []string) error {
	fmt.Println(version.New().String())
	return nil
}
