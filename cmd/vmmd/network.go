package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vmmd-project/vmmd/pkg/imagecache"
	"github.com/vmmd-project/vmmd/pkg/network"
	"github.com/vmmd-project/vmmd/pkg/vmmd"
)

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Manage network configurations",
}

var networkListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured networks",
	RunE: func(cmd *cobra.Command, args []string) error {
		l := layoutFromFlags(cmd)
		srv := vmmd.New(l, nil, imagecache.Client{})
		if err := srv.ReadAll(); err != nil {
			return fmt.Errorf("load networks: %w", err)
		}

		w, flush := newTable("ID", "NAME", "CIDR", "BRIDGE")
		defer flush()
		for _, n := range srv.ListNetworks() {
			c := n.Config()
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.Id(), c.Name, c.CIDR, n.BridgeName())
		}
		return nil
	},
}

var networkCreateCmd = &cobra.Command{
	Use:   "create NAME CIDR",
	Short: "Create a network configuration",
	Long: `Create a network configuration from a name and an IPv4 network in
CIDR form, e.g.:

  vmmd network create lab 10.0.1.1/24

The address exactly as written (10.0.1.1/24 above) becomes the bridge's
gateway address.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		l := layoutFromFlags(cmd)
		srv := vmmd.New(l, nil, imagecache.Client{})
		if err := srv.ReadAll(); err != nil {
			return fmt.Errorf("load existing networks: %w", err)
		}

		n, err := srv.CreateNetwork(network.Config{Name: args[0], CIDR: args[1]})
		if err != nil {
			return fmt.Errorf("create network: %w", err)
		}

		fmt.Println(ok("network created: %s (%s)", n.Config().Name, n.Id()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(networkCmd)
	networkCmd.AddCommand(networkListCmd)
	networkCmd.AddCommand(networkCreateCmd)
}
