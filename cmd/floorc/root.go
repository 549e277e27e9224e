package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// rootOptions is threaded through every subcommand constructor, the way
// cmd/pixie/iso.go's newISOCommand(opts *rootOptions) expects a shared
// config+logger bundle built once in the root command's PersistentPreRunE.
type rootOptions struct {
	configPath string
	config     *config
	logger     *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "floorc",
		Short: "Compile and dispatch floorrt kernel programs",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			opts.config = cfg

			level := slog.LevelInfo
			if cfg.Debug {
				level = slog.LevelDebug
			}
			opts.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			return nil
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "floorrt.yaml", "Path to floorc config file")

	root.AddCommand(newCompileCommand(opts))
	root.AddCommand(newRunCommand(opts))

	return root
}
