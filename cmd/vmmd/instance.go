package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vmmd-project/vmmd/pkg/imagecache"
	"github.com/vmmd-project/vmmd/pkg/layout"
	"github.com/vmmd-project/vmmd/pkg/progress"
	"github.com/vmmd-project/vmmd/pkg/vmid"
	"github.com/vmmd-project/vmmd/pkg/vmlog"
	"github.com/vmmd-project/vmmd/pkg/vmmd"
)

var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Manage instances (booted executions of a machine)",
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		l := layoutFromFlags(cmd)
		srv, cleanup, err := newLiveServer(context.Background(), l)
		if err != nil {
			return err
		}
		defer cleanup()

		w, flush := newTable("ID", "PHASE", "BOOT_SEQ", "MACHINE", "NETWORK")
		defer flush()
		for _, inst := range srv.ListInstances() {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				inst.Id(), inst.Phase(), inst.BootSequence(),
				inst.Machine().Id(), inst.Machine().Config().Network.NetworkID)
		}
		return nil
	},
}

var instanceCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an instance of a machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		machineIDStr, _ := cmd.Flags().GetString("machine")
		machineID, err := vmid.Parse(machineIDStr)
		if err != nil {
			return fmt.Errorf("parse --machine: %w", err)
		}

		l := layoutFromFlags(cmd)
		srv, cleanup, err := newLiveServer(context.Background(), l)
		if err != nil {
			return err
		}
		defer cleanup()

		m, err := srv.GetMachine(machineID)
		if err != nil {
			return err
		}

		inst, err := srv.CreateInstance(m.Id(), m.Config().Network.NetworkID)
		if err != nil {
			return fmt.Errorf("create instance: %w", err)
		}

		fmt.Println(ok("instance created: %s", inst.Id()))
		return nil
	},
}

var instanceStartCmd = &cobra.Command{
	Use:   "start ID",
	Short: "Start an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := vmid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("parse instance id: %w", err)
		}

		l := layoutFromFlags(cmd)
		srv, cleanup, err := newLiveServer(context.Background(), l)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := srv.StartInstance(context.Background(), id); err != nil {
			return fmt.Errorf("start instance: %w", err)
		}
		fmt.Println(ok("instance started: %s", id))
		return nil
	},
}

var instanceStopCmd = &cobra.Command{
	Use:   "stop ID",
	Short: "Stop a running instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := vmid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("parse instance id: %w", err)
		}

		l := layoutFromFlags(cmd)
		srv, cleanup, err := newLiveServer(context.Background(), l)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.StopInstance(ctx, id); err != nil {
			return fmt.Errorf("stop instance: %w", err)
		}
		fmt.Println(ok("instance stopped: %s", id))
		return nil
	},
}

var instanceDestroyCmd = &cobra.Command{
	Use:   "destroy ID",
	Short: "Destroy a stopped instance, releasing its TAP and (if unused) its bridge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := vmid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("parse instance id: %w", err)
		}

		l := layoutFromFlags(cmd)
		srv, cleanup, err := newLiveServer(context.Background(), l)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := srv.DestroyInstance(context.Background(), id); err != nil {
			return fmt.Errorf("destroy instance: %w", err)
		}
		fmt.Println(ok("instance destroyed: %s", id))
		return nil
	},
}

// newLiveServer builds a fully wired Server for a single CLI invocation: a
// vmlog.Logger, a running image cache actor, and the registry loaded from
// disk. The cleanup func stops the background actor loops it started.
func newLiveServer(ctx context.Context, l *layout.Layout) (*vmmd.Server, func(), error) {
	router := progress.NewRouter()
	go router.Run()

	ctx, cancel := context.WithCancel(ctx)
	lg := vmlog.New(l)
	cache, client := imagecache.New(ctx, l, router)
	go cache.Run()

	srv := vmmd.New(l, lg, client)
	if err := srv.ReadAll(); err != nil {
		cancel()
		router.Stop()
		return nil, nil, fmt.Errorf("load registry: %w", err)
	}

	return srv, func() { cancel(); router.Stop() }, nil
}

func init() {
	rootCmd.AddCommand(instanceCmd)
	instanceCmd.AddCommand(instanceListCmd)
	instanceCmd.AddCommand(instanceCreateCmd)
	instanceCmd.AddCommand(instanceStartCmd)
	instanceCmd.AddCommand(instanceStopCmd)
	instanceCmd.AddCommand(instanceDestroyCmd)

	instanceCreateCmd.Flags().String("machine", "", "Machine id to instantiate")
	instanceCreateCmd.MarkFlagRequired("machine")
}
