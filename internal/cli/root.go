package cli

import (
	"github.com/spf13/cobra"

	"github.com/Zhima-Mochi/farmmarket/internal/config"
)

var Version = "dev"

type rootFlags struct {
	configFile string
	dotEnv     []string
}

func (f *rootFlags) load() (*config.Config, error) {
	return config.Load(config.Options{File: f.configFile, DotEnv: f.dotEnv})
}

// NewRootCommand builds the farmmarket command tree.
func NewRootCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "farmmarket",
		Short:         "Farm market order settlement service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "optional YAML config file")
	root.PersistentFlags().StringSliceVar(&flags.dotEnv, "env-file", []string{".env"}, ".env files filling unset variables")

	root.AddCommand(serveCmd(flags))
	root.AddCommand(migrateCmd(flags))
	return root
}
