package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/BaSui01/qaforge/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "qaforge",
		Short:         "Augment question/answer datasets across many LLM keys",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(opts.envFile)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config (missing file is ignored)")

	cmd.AddCommand(
		newRunCommand(opts),
		newKeysCommand(opts),
		newCheckpointCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

// loadEnvFile 加载 .env，已有的环境变量不会被覆盖
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.NewLoader().WithConfigPath(opts.configPath).Load()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "qaforge %s\n", Version)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
		},
	}
}
