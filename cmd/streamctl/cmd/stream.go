package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"go-stream-processor/pkg/models"

	"github.com/spf13/cobra"
)

var sendArgs struct {
	key string
}

var cmdSend = &cobra.Command{
	Use:   "send JOB_ID",
	Short: "Push newline separated payloads from stdin into a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		stream, err := c.SendStreamData(ctx)
		if err != nil {
			return err
		}

		sendErr := make(chan error, 1)
		go func() {
			defer close(sendErr)
			sc := bufio.NewScanner(cmd.InOrStdin())
			sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
			for sc.Scan() {
				line := append([]byte(nil), sc.Bytes()...)
				if len(line) == 0 {
					continue
				}
				d := &models.StreamData{JobID: args[0], Key: sendArgs.key, Payload: line, Timestamp: time.Now().UnixMilli()}
				if err := stream.Send(d); err != nil {
					sendErr <- err
					return
				}
			}
			if err := sc.Err(); err != nil {
				sendErr <- err
			}
			stream.CloseSend() //nolint:errcheck
		}()

		w := cmd.OutOrStdout()
		var failed int
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			if !resp.Success {
				failed++
			}
			fmt.Fprintf(w, "%s\t%t\t%s\n", resp.MessageID, resp.Success, resp.Message)
		}
		if err := <-sendErr; err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d records not processed", failed)
		}
		return nil
	},
}

var cmdResults = &cobra.Command{
	Use:   "results JOB_ID",
	Short: "Follow processing results of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		stream, err := c.StreamResults(ctx, args[0])
		if err != nil {
			return err
		}
		for {
			r, err := stream.Recv()
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return err
			}
			if err := printJSON(cmd, r); err != nil {
				return err
			}
		}
	},
}

func init() {
	cmdSend.Flags().StringVar(&sendArgs.key, "key", "", "Record key for every payload")

	cmdRoot.AddCommand(cmdSend, cmdResults)
}
