// Command streamclient is the demo client binary: it discovers servers
// on the LAN or queries one directly, connects via HELLO/HELLO_RESPONSE,
// and then drives the post-connect message loop, printing whatever
// arrives on the channels it registers a handler for.
//
// Grounded on client/main.go's flag-driven single-connection bootstrap
// and client/transport.go's connect-then-loop sequencing, generalized to
// cobra subcommands (discover, connect) per the multicluster CLI idiom.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"streamsdk/address"
	"streamsdk/channel"
	"streamsdk/clock"
	"streamsdk/handshake"
	"streamsdk/session"
	"streamsdk/socket"
	"streamsdk/transportclient"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "streamclient",
		Short: "Discover and connect to a demo streaming transport server",
	}
	cmd.AddCommand(newDiscoverCommand())
	cmd.AddCommand(newConnectCommand())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "streamclient %s\n", version)
			return nil
		},
	})
	return cmd
}

type discoverOptions struct {
	port    int
	timeout time.Duration
}

func newDiscoverCommand() *cobra.Command {
	opts := &discoverOptions{}
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Broadcast a DISCOVERY message and list responding servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(cmd.Context(), cmd, opts)
		},
	}
	cmd.Flags().IntVar(&opts.port, "port", address.DefaultPort, "discovery broadcast port")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 3*time.Second, "how long to collect responses")
	return cmd
}

func runDiscover(ctx context.Context, cmd *cobra.Command, opts *discoverOptions) error {
	sock, err := socket.ListenUDP("0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("streamclient: listen: %w", err)
	}
	defer sock.Close()

	enum := socket.NewBroadcastEnumerator()
	out := cmd.OutOrStdout()

	found, err := transportclient.Discover(ctx, sock, enum, opts.port, opts.timeout, func(info transportclient.ServerInfo) transportclient.DiscoveryDecision {
		fmt.Fprintf(out, "%-22s %-16s v%d-%d\n", info.Response.ServerName, info.Addr.String(), info.Response.ProtocolMinVersion, info.Response.ProtocolVersion)
		return transportclient.DiscoveryContinue
	})
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Fprintln(out, "No servers found.")
	}
	return nil
}

type connectOptions struct {
	endpoint   string
	deviceID   string
	platform   string
	maxFrag    int
	minVersion int
	maxVersion int
	timeout    time.Duration
}

func newConnectCommand() *cobra.Command {
	opts := &connectOptions{}
	cmd := &cobra.Command{
		Use:   "connect <host[:port]>",
		Short: "Connect to a server and run the message loop until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.endpoint = args[0]
			return runConnect(cmd.Context(), cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.deviceID, "device-id", "streamclient-demo", "device identifier sent in HELLO")
	cmd.Flags().StringVar(&opts.platform, "platform", handshake.PlatformLinux, "platform identifier sent in HELLO")
	cmd.Flags().IntVar(&opts.maxFrag, "max-datagram-size", 1400, "maximum datagram size this client accepts")
	cmd.Flags().IntVar(&opts.minVersion, "min-version", 3, "minimum protocol version accepted")
	cmd.Flags().IntVar(&opts.maxVersion, "max-version", 4, "maximum protocol version accepted")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "HELLO handshake timeout")
	return cmd
}

func runConnect(ctx context.Context, cmd *cobra.Command, opts *connectOptions) error {
	endpoint, err := address.ParseURL(opts.endpoint)
	if err != nil {
		return fmt.Errorf("streamclient: %w", err)
	}
	target, err := net.ResolveUDPAddr("udp", net.JoinHostPort(endpoint.Host, fmt.Sprint(endpoint.Port)))
	if err != nil {
		return fmt.Errorf("streamclient: resolve %s: %w", opts.endpoint, err)
	}

	sock, err := socket.ListenUDP("0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("streamclient: listen: %w", err)
	}
	defer sock.Close()

	clk := clock.Real{}
	router := channel.NewRouter()
	out := cmd.OutOrStdout()
	router.On(channel.MiscOut, func(msgID uint16, payload []byte) {
		fmt.Fprintf(out, "[misc_out #%d] %s\n", msgID, payload)
	})

	sess, resp, err := transportclient.Connect(ctx, sock, target, transportclient.ConnectParams{
		DeviceID:        opts.deviceID,
		MaxDatagramSize: opts.maxFrag,
		Platform:        opts.platform,
		MinVersion:      opts.minVersion,
		MaxVersion:      opts.maxVersion,
		Timeout:         opts.timeout,
	}, clk, router)
	if err != nil {
		return fmt.Errorf("streamclient: connect: %w", err)
	}
	fmt.Fprintf(out, "connected to %q, protocol v%d, datagram size %d\n", resp.ServerName, resp.ProtocolVersion, resp.DatagramSize)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	transportclient.MessageLoop(ctx, sock, sess, func(reason session.TerminationReason) {
		fmt.Fprintf(out, "session terminated: %s\n", reason)
	})
	return nil
}
