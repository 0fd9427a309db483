package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/masahiro331/go-bcachefs/bcachefs"
	"github.com/masahiro331/go-bcachefs/log"
)

var verbose bool

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "bcachefs",
		Short:         "bcachefs superblock tool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				cfg := zap.NewDevelopmentConfig()
				l, err := cfg.Build()
				if err != nil {
					return err
				}
				log.SetLogger(l.Sugar())
			}
			return nil
		},
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(formatCmd())
	cmd.AddCommand(showSuperCmd())
	cmd.AddCommand(deviceCmd())
	return cmd
}

func formatCmd() *cobra.Command {
	var (
		fsUUID        string
		label         string
		blockSize     uint16
		btreeNodeSize uint32
		metaReplicas  uint8
		dataReplicas  uint8
		bucketSize    uint16
		csumType      string
	)

	cmd := &cobra.Command{
		Use:   "format <device>...",
		Short: "create a new filesystem on one or more devices",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := bcachefs.FormatOptions{
				Label:         label,
				BlockSize:     blockSize,
				BtreeNodeSize: btreeNodeSize,
				MetaReplicas:  metaReplicas,
				DataReplicas:  dataReplicas,
			}
			if fsUUID != "" {
				u, err := uuid.Parse(fsUUID)
				if err != nil {
					return err
				}
				opts.UUID = u
			}
			switch csumType {
			case "", "crc32c":
				opts.CsumType = bcachefs.CsumCRC32C
			case "crc64":
				opts.CsumType = bcachefs.CsumCRC64
			case "xxhash":
				opts.CsumType = bcachefs.CsumXXHash64
			default:
				return fmt.Errorf("unknown checksum type %q", csumType)
			}

			devs := make([]bcachefs.DeviceOptions, len(args))
			for i, path := range args {
				devs[i] = bcachefs.DeviceOptions{Path: path, BucketSize: bucketSize}
			}

			sb, err := bcachefs.Format(opts, devs)
			if err != nil {
				return err
			}
			fmt.Print(sb.Text(false))
			return nil
		},
	}

	cmd.Flags().StringVar(&fsUUID, "uuid", "", "external filesystem UUID")
	cmd.Flags().StringVarP(&label, "label", "l", "", "filesystem label")
	cmd.Flags().Uint16Var(&blockSize, "block-size", 0, "block size in sectors")
	cmd.Flags().Uint32Var(&btreeNodeSize, "btree-node-size", 0, "btree node size in sectors")
	cmd.Flags().Uint8Var(&metaReplicas, "metadata-replicas", 0, "metadata replicas wanted")
	cmd.Flags().Uint8Var(&dataReplicas, "data-replicas", 0, "data replicas wanted")
	cmd.Flags().Uint16Var(&bucketSize, "bucket-size", 0, "bucket size in sectors")
	cmd.Flags().StringVar(&csumType, "metadata-checksum", "", "crc32c, crc64 or xxhash")
	return cmd
}

func showSuperCmd() *cobra.Command {
	var (
		offset     uint64
		showLayout bool
	)

	cmd := &cobra.Command{
		Use:   "show-super <device>",
		Short: "print a device's superblock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := bcachefs.ReadSuper(args[0], bcachefs.Options{
				Offset:    offset,
				NoExcl:    true,
				NoChanges: true,
			})
			if err != nil {
				return err
			}
			defer h.Close()
			fmt.Print(h.SB.Text(showLayout))
			return nil
		},
	}

	cmd.Flags().Uint64VarP(&offset, "offset", "o", 0, "read the copy at this sector")
	cmd.Flags().BoolVarP(&showLayout, "layout", "l", false, "also print the superblock layout")
	return cmd
}

// openFS mounts the filesystem named by the positional device arguments,
// leaving the last args for the subcommand.
func openFS(paths []string) (*bcachefs.FileSystem, error) {
	return bcachefs.Open(paths, bcachefs.Options{})
}

func parseIdx(s string) (uint8, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("bad device index %q", s)
	}
	return uint8(n), nil
}

func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "manage member devices",
	}
	cmd.AddCommand(deviceAddCmd())
	cmd.AddCommand(deviceRemoveCmd())
	cmd.AddCommand(deviceOnlineCmd())
	cmd.AddCommand(deviceOfflineCmd())
	cmd.AddCommand(deviceSetStateCmd())
	cmd.AddCommand(deviceEvacuateCmd())
	cmd.AddCommand(deviceResizeJournalCmd())
	return cmd
}

func deviceAddCmd() *cobra.Command {
	var bucketSize uint16

	cmd := &cobra.Command{
		Use:   "add <fs device>... <new device>",
		Short: "add a device to a filesystem",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openFS(args[:len(args)-1])
			if err != nil {
				return err
			}
			defer c.Close()

			idx, err := c.DeviceAdd(bcachefs.DeviceOptions{
				Path:       args[len(args)-1],
				BucketSize: bucketSize,
			})
			if err != nil {
				return err
			}
			fmt.Printf("added as device %d\n", idx)
			return nil
		},
	}

	cmd.Flags().Uint16Var(&bucketSize, "bucket-size", 0, "bucket size in sectors")
	return cmd
}

func deviceRemoveCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "remove <fs device>... <index>",
		Short: "remove a device from a filesystem",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseIdx(args[len(args)-1])
			if err != nil {
				return err
			}
			c, err := openFS(args[:len(args)-1])
			if err != nil {
				return err
			}
			defer c.Close()
			return c.DeviceRemove(idx, force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "remove even if the device has data")
	return cmd
}

func deviceOnlineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "online <fs device>... <device>",
		Short: "bring an offline member back online",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openFS(args[:len(args)-1])
			if err != nil {
				return err
			}
			defer c.Close()
			return c.DeviceOnline(args[len(args)-1])
		},
	}
}

func deviceOfflineCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "offline <fs device>... <index>",
		Short: "take a member offline",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseIdx(args[len(args)-1])
			if err != nil {
				return err
			}
			c, err := openFS(args[:len(args)-1])
			if err != nil {
				return err
			}
			defer c.Close()
			return c.DeviceOffline(idx, force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "offline even if it degrades replicas")
	return cmd
}

func deviceSetStateCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "set-state <fs device>... <index> <rw|ro|failed|spare>",
		Short: "change a member's state",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := bcachefs.ParseMemberState(args[len(args)-1])
			if err != nil {
				return err
			}
			idx, err := parseIdx(args[len(args)-2])
			if err != nil {
				return err
			}
			c, err := openFS(args[:len(args)-2])
			if err != nil {
				return err
			}
			defer c.Close()
			return c.DeviceSetState(idx, state, force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "change state even if it degrades replicas")
	return cmd
}

func deviceEvacuateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evacuate <fs device>... <index>",
		Short: "mark a member read-only and report what data remains on it",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := parseIdx(args[len(args)-1])
			if err != nil {
				return err
			}
			c, err := openFS(args[:len(args)-1])
			if err != nil {
				return err
			}
			defer c.Close()

			mask, err := c.DeviceEvacuate(idx)
			if err != nil {
				return err
			}
			if mask == 0 {
				fmt.Println("no data on device")
				return nil
			}
			for t := bcachefs.DataSB; t < bcachefs.DataNR; t++ {
				if mask&(1<<t) != 0 {
					fmt.Printf("device has %s data\n", t)
				}
			}
			return nil
		},
	}
}

func deviceResizeJournalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resize-journal <fs device>... <index> <buckets>",
		Short: "grow a member's journal",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			nr, err := strconv.ParseUint(args[len(args)-1], 10, 32)
			if err != nil {
				return fmt.Errorf("bad bucket count %q", args[len(args)-1])
			}
			idx, err := parseIdx(args[len(args)-2])
			if err != nil {
				return err
			}
			c, err := openFS(args[:len(args)-2])
			if err != nil {
				return err
			}
			defer c.Close()
			return c.SetNrJournalBuckets(idx, nr)
		},
	}
}
