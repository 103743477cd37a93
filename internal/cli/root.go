// ABOUTME: Root command of the crossp2p controller
// ABOUTME: Global flags, daemon lookup over mDNS and result printing
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/upasthiti/crossp2p-go/internal/discovery"
	"github.com/upasthiti/crossp2p-go/internal/logging"
	"github.com/upasthiti/crossp2p-go/internal/version"
	"github.com/upasthiti/crossp2p-go/pkg/protocol"
	"go.uber.org/zap"
)

// app carries global flags and the streams commands write to
type app struct {
	server     string
	name       string
	timeout    time.Duration
	lookupWait time.Duration
	debug      bool

	in  io.Reader
	out io.Writer
	log *zap.Logger

	// lookup finds a daemon when --server is not given
	lookup func(ctx context.Context, wait time.Duration) (string, error)
}

// NewRootCommand builds the crossp2pctl command tree
func NewRootCommand() *cobra.Command {
	a := &app{in: os.Stdin, out: os.Stdout, log: zap.NewNop()}
	a.lookup = a.lookupMDNS
	return a.root()
}

// Execute runs the controller with os.Args
func Execute() error {
	return NewRootCommand().Execute()
}

func (a *app) root() *cobra.Command {
	root := &cobra.Command{
		Use:   "crossp2pctl",
		Short: "Control a crossp2p daemon",
		Long: `crossp2pctl drives a crossp2p daemon over its WebSocket control endpoint.

Without --server the daemon is located over mDNS (` + protocol.ControlServiceType + `).
Use "crossp2pctl [command] --help" for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !a.debug {
				return nil
			}
			l, err := logging.New(logging.Config{Debug: true})
			if err != nil {
				return err
			}
			a.log = l.Logger
			return nil
		},
	}
	root.SetIn(a.in)
	root.SetOut(a.out)

	flags := root.PersistentFlags()
	flags.StringVarP(&a.server, "server", "s", "", "daemon address host:port (default: discover over mDNS)")
	flags.StringVar(&a.name, "name", "crossp2pctl", "controller name sent in the handshake")
	flags.DurationVar(&a.timeout, "timeout", 30*time.Second, "per-call timeout")
	flags.DurationVar(&a.lookupWait, "lookup-timeout", 3*time.Second, "how long to search for a daemon over mDNS")
	flags.BoolVar(&a.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		a.versionCmd(),
		a.daemonsCmd(),
		a.initCmd(),
		a.createRoomCmd(),
		a.joinCmd(),
		a.networksCmd(),
		a.findCmd(),
		a.broadcastCmd(),
		a.scanCmd(),
		a.disconnectCmd(),
		a.batteryCmd(),
		a.signalCmd(),
		a.watchCmd(),
	)
	return root
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.out, "%s %s (%s)\n", version.Product, version.Version, version.Manufacturer)
		},
	}
}

func (a *app) daemonsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemons",
		Short: "List daemons advertising on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := a.browseDaemons(cmd.Context(), a.lookupWait)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(a.out, "No daemons found.")
				return nil
			}
			for _, r := range recs {
				fmt.Fprintf(a.out, "%-24s %s:%d  version %s\n", r.Name, r.Host, r.Port, r.Attributes["version"])
			}
			return nil
		},
	}
}

// connect dials the daemon named by --server or the first one found over mDNS
func (a *app) connect(ctx context.Context) (*protocol.Client, error) {
	addr := a.server
	if addr == "" {
		var err error
		if addr, err = a.lookup(ctx, a.lookupWait); err != nil {
			return nil, err
		}
		a.log.Debug("found daemon", zap.String("addr", addr))
	}

	client := protocol.NewClient(protocol.ClientConfig{
		ServerAddr: addr,
		Name:       a.name,
		Logger:     a.log,
	})
	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return client, nil
}

func (a *app) browseDaemons(ctx context.Context, wait time.Duration) ([]protocol.ServiceRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	engine := discovery.NewEngine(discovery.EngineConfig{
		Discovery: discovery.NewMDNS(discovery.MDNSConfig{Logger: a.log, BrowseInterval: wait / 3}),
		Logger:    a.log,
	})
	return engine.SingleScan(ctx, protocol.ControlServiceType, wait)
}

func (a *app) lookupMDNS(ctx context.Context, wait time.Duration) (string, error) {
	recs, err := a.browseDaemons(ctx, wait)
	if err != nil {
		return "", fmt.Errorf("looking for a daemon: %w", err)
	}
	if len(recs) == 0 {
		return "", fmt.Errorf("no daemon found on the local network; pass --server")
	}
	return recs[0].Host + ":" + strconv.Itoa(recs[0].Port), nil
}

// call runs one engine method and prints its result
func (a *app) call(cmd *cobra.Command, method string, args interface{}, out interface{}) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := client.Call(ctx, method, args, out); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return a.print(out)
}

func (a *app) print(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, string(data))
	return err
}
