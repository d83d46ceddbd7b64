package cli

import "fmt"

var configcheckCmd = &Subcommand{
	Use:             "configcheck",
	Short:           "parse the config file and report any errors",
	NoRequireConfig: true,
	Run:             runConfigcheck,
}

func init() {
	AddSubcommand(configcheckCmd)
}

func runConfigcheck(s *Subcommand, args []string) error {
	if err := s.ConfigParsingError(); err != nil {
		return err
	}
	fmt.Println("config OK")
	return nil
}
