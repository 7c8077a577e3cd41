package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go-stream-processor/internal/rpc"

	"github.com/spf13/cobra"
)

var rootArgs struct {
	addr    string
	timeout time.Duration
}

var cmdRoot = &cobra.Command{
	Use:          "streamctl",
	Short:        "Control plane client for the stream processor",
	SilenceUsage: true,
}

func init() {
	cmdRoot.PersistentFlags().StringVar(&rootArgs.addr, "addr", envOr("STREAMCTL_ADDR", "localhost:50051"), "Control plane address")
	cmdRoot.PersistentFlags().DurationVar(&rootArgs.timeout, "timeout", 10*time.Second, "Timeout for unary calls")
}

func Execute() {
	if err := cmdRoot.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func dial() (*rpc.Client, error) {
	return rpc.Dial(rootArgs.addr)
}

// unary runs fn against a fresh client with the call timeout applied.
func unary(fn func(ctx context.Context, c *rpc.Client) error) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), rootArgs.timeout)
	defer cancel()
	return fn(ctx, c)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
