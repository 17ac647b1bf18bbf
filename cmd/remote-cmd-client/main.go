// Command remote-cmd-client sends one directive to a remote-cmd server and
// prints the reply.
//
// Usage:
//
//	remote-cmd-client [host:port]
//
// The address defaults to 127.0.0.1:8888 and the directive to "gettime".
// When registry.endpoints is set in the REMOTE_CMD_CONFIG file, the server is
// discovered through etcd instead and the address argument is ignored.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"remote-cmd/client"
	"remote-cmd/config"
	"remote-cmd/logging"
	"remote-cmd/registry"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "remote-cmd-client [host:port]",
		Short:         "Send a directive to a remote-cmd server",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Client.Address = args[0]
			}
			return run(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
}

func run(ctx context.Context, cfg config.Config, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Client.ResponseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Client.ResponseTimeout)
		defer cancel()
	}

	var (
		resp string
		err  error
	)
	if len(cfg.Registry.Endpoints) == 0 {
		resp, err = client.Request(ctx, cfg.Client.Address, cfg.Client.Directive,
			client.WithDialTimeout(cfg.Client.DialTimeout),
			client.WithMaxFrameSize(cfg.Client.MaxFrameSize),
		)
	} else {
		resp, err = discoverAndRequest(ctx, cfg)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Received timeinfo: %s\n", resp)
	return nil
}

func discoverAndRequest(ctx context.Context, cfg config.Config) (string, error) {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return "", err
	}
	defer logger.Sync()

	etcd, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout, logger)
	if err != nil {
		return "", err
	}
	defer etcd.Close()

	c := client.New(cfg.Client, etcd, cfg.Server.ServiceName, logger)
	defer c.Close()
	return c.Do(ctx, cfg.Client.Directive)
}
