// ABOUTME: One subcommand per engine method
// ABOUTME: Flags map onto the wire argument structs
package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/upasthiti/crossp2p-go/pkg/protocol"
)

func (a *app) initCmd() *cobra.Command {
	var (
		serviceType string
		noAware     bool
		debugLogs   bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the engine and report capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			prefer := !noAware
			var res protocol.InitializeResult
			return a.call(cmd, protocol.MethodInitialize, protocol.InitializeArgs{
				ServiceType:     serviceType,
				PreferAware:     &prefer,
				EnableDebugLogs: debugLogs,
			}, &res)
		},
	}
	cmd.Flags().StringVar(&serviceType, "service-type", "", "default DNS-SD service type (default "+protocol.DefaultServiceType+")")
	cmd.Flags().BoolVar(&noAware, "no-aware", false, "skip the peer-to-peer strategy when forming rooms")
	cmd.Flags().BoolVar(&debugLogs, "debug-logs", false, "raise the daemon log level to debug")
	return cmd
}

func (a *app) createRoomCmd() *cobra.Command {
	var (
		ssid string
		pass secret
		size int
	)
	cmd := &cobra.Command{
		Use:   "create-room ROOM_ID",
		Short: "Form a room network, falling back through every available method",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := a.resolve(pass, "Room passphrase: ")
			if err != nil {
				return err
			}
			if ssid == "" {
				ssid = "Attendance_" + args[0]
			}
			var res protocol.StrategyResult
			if err := a.call(cmd, protocol.MethodCreateRoom, protocol.CreateRoomArgs{
				RoomID:       args[0],
				SSID:         ssid,
				Password:     pw,
				ExpectedSize: size,
			}, &res); err != nil {
				return err
			}
			return failure(res)
		},
	}
	cmd.Flags().StringVar(&ssid, "ssid", "", "network name (default Attendance_<ROOM_ID>)")
	cmd.Flags().StringVarP(&pass.value, "password", "p", "", "network passphrase (prompted when omitted on a terminal)")
	cmd.Flags().BoolVar(&pass.stdin, "password-stdin", false, "read the passphrase from the first line of stdin")
	cmd.Flags().IntVar(&size, "size", 0, "expected number of peers (default 50)")
	return cmd
}

func (a *app) joinCmd() *cobra.Command {
	var (
		student string
		pass    secret
	)
	cmd := &cobra.Command{
		Use:   "join SSID",
		Short: "Join a room network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := a.resolve(pass, "Network passphrase: ")
			if err != nil {
				return err
			}
			var res protocol.StrategyResult
			if err := a.call(cmd, protocol.MethodJoinNetwork, protocol.JoinNetworkArgs{
				SSID:      args[0],
				Password:  pw,
				StudentID: student,
			}, &res); err != nil {
				return err
			}
			return failure(res)
		},
	}
	cmd.Flags().StringVar(&student, "student", "", "peer identifier reported in networkJoined")
	cmd.Flags().StringVarP(&pass.value, "password", "p", "", "network passphrase (prompted when omitted on a terminal)")
	cmd.Flags().BoolVar(&pass.stdin, "password-stdin", false, "read the passphrase from the first line of stdin")
	_ = cmd.MarkFlagRequired("student")
	return cmd
}

// failure turns an unsuccessful result into a non-zero exit after it was printed
func failure(res protocol.StrategyResult) error {
	if res.Success {
		return nil
	}
	return fmt.Errorf("%s", res.Error)
}

func (a *app) networksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "networks",
		Short: "List visible Wi-Fi networks, strongest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res protocol.ScanNetworksResult
			return a.call(cmd, protocol.MethodScanNetworks, nil, &res)
		},
	}
}

func (a *app) findCmd() *cobra.Command {
	var (
		serviceType string
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Run one bounded service scan and print what resolved",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res protocol.SingleScanResult
			return a.call(cmd, protocol.MethodSingleScan, protocol.SingleScanArgs{
				ServiceType: serviceType,
				Timeout:     int(timeout / time.Millisecond),
			}, &res)
		},
	}
	cmd.Flags().StringVar(&serviceType, "type", "", "service type (default: the initialized type)")
	cmd.Flags().DurationVar(&timeout, "scan-timeout", protocol.DefaultSingleScanTimeout, "scan duration")
	return cmd
}

func (a *app) broadcastCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Advertise a service",
	}

	var (
		serviceType string
		port        int
		txt         []string
	)
	start := &cobra.Command{
		Use:   "start NAME",
		Short: "Advertise NAME, replacing any running broadcast",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := parseTXT(txt)
			if err != nil {
				return err
			}
			var res protocol.SuccessResult
			return a.call(cmd, protocol.MethodStartBroadcast, protocol.StartBroadcastArgs{
				ServiceName: args[0],
				ServiceType: serviceType,
				Port:        port,
				TxtRecords:  records,
			}, &res)
		},
	}
	start.Flags().StringVar(&serviceType, "type", "", "service type (default: the initialized type)")
	start.Flags().IntVar(&port, "port", protocol.DefaultBrokerPort, "advertised port")
	start.Flags().StringArrayVar(&txt, "txt", nil, "TXT record key=value (repeatable)")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop advertising",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res protocol.SuccessResult
			return a.call(cmd, protocol.MethodStopBroadcast, nil, &res)
		},
	}

	cmd.AddCommand(start, stop)
	return cmd
}

func parseTXT(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("txt record %q: want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func (a *app) scanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Continuously discover services",
	}

	var serviceType string
	start := &cobra.Command{
		Use:   "start",
		Short: "Start discovery, replacing any running scan",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res protocol.SuccessResult
			return a.call(cmd, protocol.MethodStartScan, protocol.StartScanArgs{ServiceType: serviceType}, &res)
		},
	}
	start.Flags().StringVar(&serviceType, "type", "", "service type (default: the initialized type)")

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop discovery",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res protocol.SuccessResult
			return a.call(cmd, protocol.MethodStopScan, nil, &res)
		},
	}

	cmd.AddCommand(start, stop)
	return cmd
}

func (a *app) disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Tear down the room, broadcast, scan and observers",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res protocol.SuccessResult
			return a.call(cmd, protocol.MethodDisconnect, nil, &res)
		},
	}
}

func (a *app) batteryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "battery",
		Short: "Report the daemon host's battery level",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res protocol.BatteryResult
			return a.call(cmd, protocol.MethodGetBatteryLevel, nil, &res)
		},
	}
}

func (a *app) signalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signal",
		Short: "Report the signal strength of the associated network",
		RunE: func(cmd *cobra.Command, args []string) error {
			var res protocol.SignalResult
			return a.call(cmd, protocol.MethodGetSignalStrength, nil, &res)
		},
	}
}
