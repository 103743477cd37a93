// ABOUTME: Live event stream from the daemon
// ABOUTME: Full-screen monitor on a terminal, one line per event otherwise
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/upasthiti/crossp2p-go/internal/ui"
	"github.com/upasthiti/crossp2p-go/pkg/protocol"
	"golang.org/x/term"
)

func (a *app) watchCmd() *cobra.Command {
	var (
		plain bool
		count int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream lifecycle and data events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			client, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if !plain && a.isTerminal() {
				return ui.Run(client)
			}
			return a.stream(ctx, client, count)
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "print events as JSON lines even on a terminal")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many events (0 streams until the daemon goes away)")
	return cmd
}

func (a *app) isTerminal() bool {
	f, ok := a.out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (a *app) stream(ctx context.Context, client *protocol.Client, count int) error {
	for n := 0; count == 0 || n < count; n++ {
		select {
		case ev := <-client.Events:
			line, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, string(line))
		case <-client.Done():
			return fmt.Errorf("daemon closed the connection")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
