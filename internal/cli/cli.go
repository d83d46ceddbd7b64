// Package cli assembles the ldm7up binary's subcommands on top of cobra,
// the way the teacher's own cli package assembles zrepl's.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/unidata/ldm7up/internal/config"
)

var rootArgs struct {
	configPath string
}

var rootCmd = &cobra.Command{
	Use:   "ldm7up",
	Short: "LDM7 upstream session engine",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootArgs.configPath, "config", "", "config file path")
}

// Subcommand mirrors the teacher's cobra wrapper: it resolves the config
// once before Run is invoked, unless NoRequireConfig opts out.
type Subcommand struct {
	Use             string
	Short           string
	Example         string
	NoRequireConfig bool
	Run             func(subcommand *Subcommand, args []string) error
	SetupFlags      func(f *pflag.FlagSet)

	config    *config.Config
	configErr error
}

func (s *Subcommand) ConfigParsingError() error { return s.configErr }

func (s *Subcommand) Config() *config.Config {
	if !s.NoRequireConfig && s.config == nil {
		panic("command that requires config is running and has no config set")
	}
	return s.config
}

func (s *Subcommand) run(cmd *cobra.Command, args []string) {
	s.tryParseConfig()
	if err := s.Run(s, args); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func (s *Subcommand) tryParseConfig() {
	cfg, err := config.Parse(rootArgs.configPath)
	s.configErr = err
	if err != nil {
		if s.NoRequireConfig {
			return
		}
		fmt.Fprintf(os.Stderr, "could not parse config: %s\n", err)
		os.Exit(1)
	}
	s.config = cfg
}

func AddSubcommand(s *Subcommand) {
	cmd := &cobra.Command{
		Use:     s.Use,
		Short:   s.Short,
		Example: s.Example,
		Run:     s.run,
	}
	if s.SetupFlags != nil {
		s.SetupFlags(cmd.Flags())
	}
	rootCmd.AddCommand(cmd)
}

func Run() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
