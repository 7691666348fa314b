package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/ingestgw/cmd/ingestgw/cmds"
)

var rootCmd = &cobra.Command{
	Use:           "ingestgw",
	Short:         "ingestgw accepts framed payloads, acknowledges them and dispatches them to consumers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(
		cmds.NewServeCommand(),
		cmds.NewSendCommand(),
		cmds.NewTailCommand(),
		cmds.NewTopCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
