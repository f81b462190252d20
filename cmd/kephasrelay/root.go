package main

import (
	"github.com/spf13/cobra"
)

const appName = "kephasrelay"

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   appName,
		Short: "kephasrelay is a WebSocket signaling and relay server for peer matchmaking",
		Long: `kephasrelay authenticates clients, gathers them in rooms and relays
peer-connection handshake messages between room members.

Configuration comes from an optional YAML file and KEPHAS_* environment
variables, for example KEPHAS_AUTH_SECRET or KEPHAS_SERVER_ADDR.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	root.AddCommand(newServeCmd(&cfgFile))
	root.AddCommand(newTokenCmd(&cfgFile))
	return root
}
