// CLI subcommands for inspecting and editing the demo server's persisted
// state, generalizing server/cli.go's status/channels/settings commands
// from a hand-rolled os.Args switch into cobra factory functions (the
// pattern the multicluster CLI uses: one newXCommand() per subtree).
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"streamsdk/cmd/streamserver/store"
)

func openStore(opts *rootOptions) (*store.Store, error) {
	return store.New(opts.storePath)
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the server's persisted identity and peer count",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			name, _, _ := st.GetSetting("server_name")
			n, err := st.PeerCount()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server: %s\n", name)
			fmt.Fprintf(out, "Store: %s\n", opts.storePath)
			fmt.Fprintf(out, "Known peers: %d\n", n)
			fmt.Fprintf(out, "Version: %s\n", version)
			return nil
		},
	}
}

func newPeersCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Inspect devices that have ever connected",
	}
	cmd.AddCommand(newPeersListCommand(opts))
	cmd.AddCommand(newPeersRenameCommand(opts))
	return cmd
}

func newPeersListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known peers, most recently seen first",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			peers, err := st.ListPeers()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(peers) == 0 {
				fmt.Fprintln(out, "No peers found.")
				return nil
			}
			for _, p := range peers {
				fmt.Fprintf(out, "  %-20s %-20s %s\n", p.DeviceID, p.Label, p.LastAddr)
			}
			return nil
		},
	}
}

func newPeersRenameCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <device-id> <label>",
		Short: "Set a human-readable label for a known peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.RenamePeer(args[0], args[1])
		},
	}
}

func newSettingsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect and edit persisted server settings",
	}
	cmd.AddCommand(newSettingsListCommand(opts))
	cmd.AddCommand(newSettingsSetCommand(opts))
	return cmd
}

func newSettingsListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every persisted setting",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			all, err := st.GetAllSettings()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for k, v := range all {
				fmt.Fprintf(out, "%s=%s\n", k, v)
			}
			return nil
		},
	}
}

func newSettingsSetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Persist a setting key/value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.SetSetting(args[0], args[1])
		},
	}
}
