package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cheggaaa/pb/v3"
	"github.com/google/uuid"
	"github.com/pbnjay/memory"
	"github.com/spf13/cobra"

	"github.com/vmmd-project/vmmd/pkg/bytesize"
	"github.com/vmmd-project/vmmd/pkg/imagecache"
	"github.com/vmmd-project/vmmd/pkg/layout"
	"github.com/vmmd-project/vmmd/pkg/log"
	"github.com/vmmd-project/vmmd/pkg/machine"
	"github.com/vmmd-project/vmmd/pkg/progress"
	"github.com/vmmd-project/vmmd/pkg/vmid"
	"github.com/vmmd-project/vmmd/pkg/vmmd"
)

var machineCmd = &cobra.Command{
	Use:   "machine",
	Short: "Manage machine configurations",
}

var machineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured machines",
	RunE: func(cmd *cobra.Command, args []string) error {
		l := layoutFromFlags(cmd)
		srv := vmmd.New(l, nil, imagecache.Client{})
		if err := srv.ReadAll(); err != nil {
			return fmt.Errorf("load machines: %w", err)
		}

		w, flush := newTable("ID", "NAME", "CPUS", "MEMORY", "NETWORK", "IMAGE")
		defer flush()
		for _, m := range srv.ListMachines() {
			c := m.Config()
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
				m.Id(), c.Name, c.CPUs, c.Memory, c.Network.NetworkID, c.Image.URL)
		}
		return nil
	},
}

var machineCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a machine configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		requestID := uuid.NewString()
		reqLog := log.WithRequestID(requestID)

		name, _ := cmd.Flags().GetString("name")
		networkIDStr, _ := cmd.Flags().GetString("network")
		cpus, _ := cmd.Flags().GetUint8("cpus")
		memoryStr, _ := cmd.Flags().GetString("memory")
		imageURL, _ := cmd.Flags().GetString("iso")
		expectedHash, _ := cmd.Flags().GetString("boot")
		shareDirs, _ := cmd.Flags().GetStringArray("virtiofs")
		userName, _ := cmd.Flags().GetString("user")
		sshKeys, _ := cmd.Flags().GetStringArray("ssh-key")
		iface, _ := cmd.Flags().GetString("iface")
		address, _ := cmd.Flags().GetString("address")
		gateway, _ := cmd.Flags().GetString("gateway")
		nameservers, _ := cmd.Flags().GetStringArray("nameserver")

		networkID, err := vmid.Parse(networkIDStr)
		if err != nil {
			return fmt.Errorf("parse --network: %w", err)
		}

		mem, err := bytesize.Parse(memoryStr)
		if err != nil {
			return fmt.Errorf("parse --memory: %w", err)
		}
		if total := memory.TotalMemory(); total > 0 && mem.AsU64() > total {
			fmt.Println(errColor(fmt.Sprintf(
				"warning: requested memory %s exceeds host physical memory %s",
				mem, bytesize.Byte(total))))
		}

		config := machine.Config{
			Name:      name,
			CPUs:      cpus,
			Memory:    mem,
			Image:     machine.Image{URL: imageURL, ExpectedHash: expectedHash},
			ShareDirs: shareDirs,
			User:      machine.User{Name: userName, SSHAuthorizedKeys: sshKeys},
			Network: machine.NetworkBinding{
				NetworkID: networkID,
				Interface: machine.Interface{
					Kind: machine.InterfaceStatic,
					Static: &machine.StaticInterface{
						Interface:   iface,
						CIDR:        address,
						Gateway:     gateway,
						Nameservers: nameservers,
					},
				},
			},
		}

		l := layoutFromFlags(cmd)
		srv := vmmd.New(l, nil, imagecache.Client{})
		if err := srv.ReadAll(); err != nil {
			return fmt.Errorf("load existing machines: %w", err)
		}

		if imageURL != "" {
			if err := warmImageCache(context.Background(), l, imageURL, expectedHash); err != nil {
				return fmt.Errorf("fetch root image: %w", err)
			}
		}

		m, err := srv.CreateMachine(config)
		if err != nil {
			return fmt.Errorf("create machine: %w", err)
		}

		fmt.Println(ok("machine created: %s (%s)", m.Config().Name, m.Id()))
		reqLog.Info().Str("machine_id", m.Id().String()).Msg("machine created")
		return nil
	},
}

// warmImageCache drives a one-shot image cache actor just long enough to
// resolve url, rendering a download progress bar fed by the progress
// router. A CLI invocation has no long-lived vmmd server to delegate to,
// so it stands one up, asks for the image once, and tears it down —
// the same single-flight actor pkg/vmmd.Server uses while running.
func warmImageCache(ctx context.Context, l *layout.Layout, url, expectedHash string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	router := progress.NewRouter()
	go router.Run()
	defer router.Stop()

	sub := router.Subscribe()
	defer router.Unsubscribe(sub)

	cache, client := imagecache.New(ctx, l, router)
	go cache.Run()

	done := make(chan struct{})
	go renderProgressBar(sub, done)

	result, err := client.GetImageHash(ctx, l, url, imagecache.Hash(expectedHash))
	close(done)
	<-doneBarFinished
	if err != nil {
		return err
	}
	if result.Kind != imagecache.ImageCached {
		if result.Error != nil {
			return result.Error
		}
		return fmt.Errorf("download did not complete: %v", result.Kind)
	}
	return nil
}

var doneBarFinished = make(chan struct{}, 1)

// renderProgressBar drives a cheggaaa/pb bar from progress.Start/Update/
// Finish messages until done is closed or the subscriber channel closes.
func renderProgressBar(sub progress.Subscriber, done <-chan struct{}) {
	var bar *pb.ProgressBar
	defer func() {
		if bar != nil {
			bar.Finish()
		}
		doneBarFinished <- struct{}{}
	}()

	for {
		select {
		case msg, ok := <-sub:
			if !ok {
				return
			}
			switch msg.Kind {
			case progress.Start:
				bar = pb.Full.Start64(int64(msg.Total))
				bar.Set("prefix", msg.Label+" ")
			case progress.Update:
				if bar != nil {
					bar.Add64(int64(msg.Done))
				}
			case progress.Finish:
				if bar != nil {
					bar.Finish()
					bar = nil
				}
			}
		case <-done:
			return
		}
	}
}

func init() {
	rootCmd.AddCommand(machineCmd)
	machineCmd.AddCommand(machineListCmd)
	machineCmd.AddCommand(machineCreateCmd)

	machineCreateCmd.Flags().StringP("name", "n", "", "Machine name (unique)")
	machineCreateCmd.Flags().StringP("network", "N", "", "Network id to bind this machine to")
	machineCreateCmd.Flags().Uint8P("cpus", "c", 1, "Number of virtual CPUs")
	machineCreateCmd.Flags().StringP("memory", "m", "1GiB", "Memory, e.g. 2GiB")
	machineCreateCmd.Flags().StringP("iso", "i", "", "Root image URL")
	machineCreateCmd.Flags().StringP("boot", "b", "", "Expected SHA-256 hex digest of the root image")
	machineCreateCmd.Flags().StringArrayP("virtiofs", "v", nil, "Host path to share with the guest (repeatable)")
	machineCreateCmd.Flags().String("user", "vmmd", "Guest login user name")
	machineCreateCmd.Flags().StringArray("ssh-key", nil, "SSH authorized key (repeatable)")
	machineCreateCmd.Flags().String("iface", "eth0", "Guest network interface name")
	machineCreateCmd.Flags().String("address", "", "Guest static IPv4 address/prefix, e.g. 10.0.0.2/24")
	machineCreateCmd.Flags().String("gateway", "", "Guest default gateway")
	machineCreateCmd.Flags().StringArray("nameserver", nil, "Guest DNS nameserver (repeatable)")

	machineCreateCmd.MarkFlagRequired("name")
	machineCreateCmd.MarkFlagRequired("network")
}
