package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hostreflect/hostreflect/application/config"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "reflectd",
		Short:         "Host side of a reflection channel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newSchemaCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the host and run the file workload",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if opts.configPath != "" {
				loaded, err := config.Load(opts.configPath)
				if err != nil {
					return err
				}
				cfg = *loaded
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = opts.workers
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := cfg.Log.NewLogger(cmd.ErrOrStderr())
			return run(ctx, &cfg, opts, logger)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to the host YAML config")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "number of concurrent compute workers (overrides config)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().IntVar(&opts.payloadSize, "payload-size", 4096, "bytes each worker writes unless the payload_size knob is set")
	return cmd
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the host config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := config.Schema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}
