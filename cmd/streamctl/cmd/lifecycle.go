package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"go-stream-processor/internal/rpc"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var startArgs struct {
	file string
	set  []string
}

var cmdStart = &cobra.Command{
	Use:   "start PIPELINE_ID",
	Short: "Start a pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		overrides, err := loadOverrides(startArgs.file, startArgs.set)
		if err != nil {
			return err
		}
		return unary(func(ctx context.Context, c *rpc.Client) error {
			resp, err := c.StartProcessing(ctx, &rpc.StartProcessingRequest{PipelineID: args[0], Config: overrides})
			if err != nil {
				return err
			}
			if !resp.Success {
				return errors.New(resp.Message)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.JobID)
			return nil
		})
	},
}

var cmdStop = &cobra.Command{
	Use:   "stop JOB_ID",
	Short: "Stop a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return unary(func(ctx context.Context, c *rpc.Client) error {
			resp, err := c.StopProcessing(ctx, &rpc.StopProcessingRequest{JobID: args[0]})
			if err != nil {
				return err
			}
			if !resp.Success {
				return errors.New(resp.Message)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		})
	},
}

var cmdStatus = &cobra.Command{
	Use:   "status JOB_ID",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return unary(func(ctx context.Context, c *rpc.Client) error {
			resp, err := c.GetProcessingStatus(ctx, &rpc.GetProcessingStatusRequest{JobID: args[0]})
			if err != nil {
				return err
			}
			if !resp.Success {
				return errors.New(resp.Message)
			}
			return printJSON(cmd, resp.Pipeline)
		})
	},
}

var cmdList = &cobra.Command{
	Use:   "list",
	Short: "List registered jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return unary(func(ctx context.Context, c *rpc.Client) error {
			resp, err := c.ListPipelines(ctx)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, p := range resp.Pipelines {
				fmt.Fprintf(w, "%s\t%s\t%s\treceived=%d persisted=%d dead_lettered=%d\n",
					p.JobID, p.PipelineID, p.Status, p.Metrics.Received, p.Metrics.Persisted, p.Metrics.DeadLettered)
			}
			return nil
		})
	},
}

func init() {
	cmdStart.Flags().StringVarP(&startArgs.file, "file", "f", "", "YAML file of config overrides")
	cmdStart.Flags().StringArrayVar(&startArgs.set, "set", nil, "Override as key=value, repeatable; wins over --file")

	cmdRoot.AddCommand(cmdStart, cmdStop, cmdStatus, cmdList)
}

// loadOverrides merges a YAML document of scalar or list values with
// key=value pairs. Lists become comma separated strings.
func loadOverrides(file string, pairs []string) (map[string]string, error) {
	out := make(map[string]string)

	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		var doc map[string]interface{}
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
		for k, v := range doc {
			s, err := overrideValue(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = s
		}
	}

	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid override %q, want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func overrideValue(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			s, err := overrideValue(e)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "", fmt.Errorf("nested mapping not supported (keys %v)", keys)
	default:
		return fmt.Sprint(t), nil
	}
}
