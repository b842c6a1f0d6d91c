package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/qaforge/keys"
	"github.com/BaSui01/qaforge/llm/factory"
	"github.com/BaSui01/qaforge/llm/retry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type keysOptions struct {
	file     string
	provider string
	probe    bool
}

func newKeysCommand(root *rootOptions) *cobra.Command {
	opts := &keysOptions{}
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the live key injection file",
	}
	cmd.PersistentFlags().StringVar(&opts.file, "file", "", "injection file (defaults to keys.inject_file from the config)")

	add := &cobra.Command{
		Use:   "add <secret>",
		Short: "Validate a key and append it to the injection file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return addKey(cmd.Context(), root, opts, strings.TrimSpace(args[0]), cmd)
		},
	}
	add.Flags().StringVar(&opts.provider, "provider", "", "provider profile the key belongs to (defaults to the first enabled provider)")
	add.Flags().BoolVar(&opts.probe, "probe", false, "send a test request with the key before adding it")

	list := &cobra.Command{
		Use:   "list",
		Short: "List keys in the injection file with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, provider, err := resolveKeyFile(root, opts)
			if err != nil {
				return err
			}
			entries, bad, err := keys.ReadFile(path, provider)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(out, "%4d  %s\n", e.Line, e)
			}
			for _, b := range bad {
				fmt.Fprintf(cmd.ErrOrStderr(), "malformed: %v\n", b)
			}
			fmt.Fprintf(out, "%d keys, %d malformed lines in %s\n", len(entries), len(bad), path)
			return nil
		},
	}

	remove := directiveCommand(root, opts, keys.ActionRemove,
		"Remove a credential from the running pool at its next key poll")
	reinstate := directiveCommand(root, opts, keys.ActionReinstate,
		"Return an exhausted or invalid credential to the running pool")

	cmd.AddCommand(add, list, remove, reinstate)
	return cmd
}

func directiveCommand(root *rootOptions, opts *keysOptions, action keys.Action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " <credential-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _, err := resolveKeyFile(root, opts)
			if err != nil {
				return err
			}
			id := strings.TrimSpace(args[0])
			if err := keys.AppendDirective(path, action, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s %s in %s\n", action, id, path)
			return nil
		},
	}
}

// resolveKeyFile 优先使用 --file，否则从配置读取
func resolveKeyFile(root *rootOptions, opts *keysOptions) (path, provider string, err error) {
	provider = opts.provider
	if opts.file != "" && provider != "" {
		return opts.file, provider, nil
	}
	cfg, cerr := loadConfig(root)
	if cerr != nil {
		if opts.file == "" {
			return "", "", fmt.Errorf("no --file given and config unavailable: %w", cerr)
		}
		return opts.file, provider, nil
	}
	path = opts.file
	if path == "" {
		path = cfg.Keys.InjectFile
	}
	if path == "" {
		return "", "", fmt.Errorf("keys.inject_file is not configured")
	}
	if provider == "" {
		provider = defaultProvider(cfg)
	}
	return path, provider, nil
}

func addKey(ctx context.Context, root *rootOptions, opts *keysOptions, secret string, cmd *cobra.Command) error {
	path, provider, err := resolveKeyFile(root, opts)
	if err != nil {
		return err
	}
	if provider == "" {
		return fmt.Errorf("--provider is required")
	}
	entry := keys.Entry{Provider: provider, Secret: secret}
	if err := entry.Validate(); err != nil {
		return err
	}

	if opts.probe {
		cfg, err := loadConfig(root)
		if err != nil {
			return fmt.Errorf("--probe needs the config: %w", err)
		}
		provs, err := factory.NewProviders(cfg.Providers, cfg.Keys.ProbeTimeout, zap.NewNop())
		if err != nil {
			return err
		}
		defer factory.CloseAll(provs)
		prober := keys.NewProviderProber(provs, cfg.Providers,
			retry.PolicyFromConfig(cfg.Retry, 2), cfg.Keys.ProbeTimeout, zap.NewNop())

		pctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := prober.Probe(pctx, provider, secret); err != nil {
			return fmt.Errorf("key rejected by %s: %w", provider, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "probe ok")
	}

	if err := keys.AddToFile(path, provider, secret); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added %s to %s\n", entry, path)
	return nil
}
