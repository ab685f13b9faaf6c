// Command streamserver is the demo server binary: it accepts HELLO/
// DISCOVERY handshakes over UDP, maintains one session per connected
// peer, and exposes a diagnostics HTTP endpoint and a small CLI for
// inspecting the persisted peer directory.
//
// Grounded on server/main.go's flag wiring and goroutine layout
// (store open, graceful shutdown on signal, periodic maintenance
// tickers), generalized to cobra per the linkerd2 multicluster command
// style (factory functions returning *cobra.Command) and koanf-backed
// configuration in place of flag.String.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"streamsdk/address"
	"streamsdk/channel"
	"streamsdk/clock"
	"streamsdk/cmd/streamserver/store"
	"streamsdk/config"
	"streamsdk/handshake"
	"streamsdk/metrics"
	"streamsdk/session"
	"streamsdk/socket"
	"streamsdk/transportdiscovery"
	"streamsdk/transportserver"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	listen     string
	storePath  string
	serverName string
	minVersion int
	maxVersion int
	wsListen   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "streamserver",
		Short:         "Run the demo streaming transport server",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "JSON config file (optional)")
	cmd.PersistentFlags().StringVar(&opts.storePath, "store", "streamserver.db", "SQLite state file")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "UDP listen address (overrides config)")
	cmd.Flags().StringVar(&opts.serverName, "name", "streamsdk-server", "server name advertised in HELLO_RESPONSE")
	cmd.Flags().IntVar(&opts.minVersion, "min-version", 3, "minimum protocol version accepted")
	cmd.Flags().IntVar(&opts.maxVersion, "max-version", 4, "maximum protocol version accepted")
	cmd.Flags().StringVar(&opts.wsListen, "ws-listen", "", "also accept HELLO/DISCOVERY and sessions over WebSocket on this address (e.g. :8443), behind a self-signed cert")

	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newPeersCommand(opts))
	cmd.AddCommand(newSettingsCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "streamserver %s\n", version)
			return nil
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := config.Load(opts.configPath, "STREAMSDK_")
	if err != nil {
		return fmt.Errorf("streamserver: %w", err)
	}
	if opts.listen != "" {
		cfg.ListenAddr = opts.listen
	}
	if opts.storePath != "" {
		cfg.StorePath = opts.storePath
	}

	st, err := store.New(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("streamserver: open store: %w", err)
	}
	defer st.Close()

	serverName := opts.serverName
	if name, ok, err := st.GetSetting("server_name"); err == nil && ok {
		serverName = name
	} else {
		_ = st.SetSetting("server_name", serverName)
	}

	sock, err := socket.ListenUDP(cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("streamserver: listen %s: %w", cfg.ListenAddr, err)
	}
	defer sock.Close()

	clk := clock.Real{}
	manager := session.NewManager(clk)
	manager.SetDisconnectTimeout(cfg.DisconnectTimeout)
	router := channel.NewRouter()

	reg := metrics.NewRegistry("streamsdk")
	promReg := prometheus.NewRegistry()
	reg.MustRegister(promReg)

	// Generated up front (rather than inside the opts.wsListen branch below)
	// so its fingerprint can be advertised in every HELLO_RESPONSE, letting a
	// UDP-connected peer learn it before ever dialing the WebSocket listener.
	var wsTLSConfig *tls.Config
	var wsFingerprint string
	if opts.wsListen != "" {
		var err error
		wsTLSConfig, wsFingerprint, err = selfSignedTLSConfig(365*24*time.Hour, "")
		if err != nil {
			return fmt.Errorf("streamserver: ws tls: %w", err)
		}
	}

	udpSrv := transportserver.NewUDPServer(sock, manager, router, clk)
	udpSrv.Metrics = reg
	udpSrv.Handshake = transportserver.HandshakeConfig{
		ServerName:      serverName,
		Port:            cfg.DiscoveryPort,
		MinVersion:      opts.minVersion,
		MaxVersion:      opts.maxVersion,
		MaxDatagramSize: cfg.InitialMaxFragment,
		Transports:      handshake.DefaultTransports,
		WSFingerprint:   wsFingerprint,
		OnConnected: func(deviceID string, peer address.Address) {
			if err := st.TouchPeer(deviceID, peer.String()); err != nil {
				slog.Default().Warn("streamserver: touch peer", "device_id", deviceID, "err", err)
			}
		},
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	go metrics.RunSessionGauge(ctx, reg, 5*time.Second, manager.Len)

	if cfg.DiagnosticsAddr != "" {
		diag := newDiagnosticsServer(manager, promReg)
		go diag.Run(ctx, cfg.DiagnosticsAddr)
		slog.Default().Info("streamserver: diagnostics listening", "addr", cfg.DiagnosticsAddr)
	}

	if opts.wsListen != "" {
		wsSrv := &transportdiscovery.Server{
			Addr:      opts.wsListen,
			TLSConfig: wsTLSConfig,
			Manager:   manager,
			Router:    router,
			Clock:     clk,
			Handshake: udpSrv.Handshake,
		}
		go func() {
			if err := wsSrv.Run(ctx); err != nil {
				slog.Default().Warn("streamserver: ws listener stopped", "err", err)
			}
		}()
		slog.Default().Info("streamserver: websocket discovery listening", "addr", opts.wsListen, "cert_fingerprint", wsFingerprint)
	}

	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.Optimize(); err != nil {
					slog.Default().Warn("streamserver: optimize store", "err", err)
				}
			}
		}
	}()

	slog.Default().Info("streamserver: listening", "addr", cfg.ListenAddr, "name", serverName)
	return udpSrv.Run(ctx)
}
