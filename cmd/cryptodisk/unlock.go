package main

import (
	"github.com/anatol/cryptodisk.go"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var mapperFlags []string

var unlockCmd = &cobra.Command{
	Use:   "unlock DEVICE NAME",
	Short: "Unlock a LUKS1 device and map it to /dev/mapper/NAME",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		device, name := args[0], args[1]
		if cmd.Flags().Changed("flags") {
			cfg.MapperFlags = mapperFlags
		}

		dev, err := cryptodisk.OpenDevice(device)
		if err != nil {
			return err
		}
		defer dev.Close()

		vol, err := openVolume(dev)
		if err != nil {
			return err
		}
		defer vol.Close()

		if err := vol.SetupMapper(device, name, cfg.MapperFlags...); err != nil {
			return err
		}
		klog.V(2).Infof("%s is mapped to /dev/mapper/%s", device, name)
		return nil
	},
}

var lockCmd = &cobra.Command{
	Use:   "lock NAME",
	Short: "Remove the device mapper NAME",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cryptodisk.Lock(args[0])
	},
}

func init() {
	unlockCmd.Flags().StringSliceVar(&mapperFlags, "flags", nil, "dm-crypt flags e.g. allow-discards,no-read-workqueue")
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(lockCmd)
}
