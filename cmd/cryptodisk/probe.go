package main

import (
	"github.com/anatol/cryptodisk.go"
	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe DEVICE",
	Short: "Print encryption parameters of a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := cryptodisk.OpenDevice(args[0])
		if err != nil {
			return err
		}
		defer dev.Close()

		desc, err := dispatcher.Probe(dev, cfg.scanOptions())
		if err != nil {
			return err
		}
		return printDescriptor(cmd.OutOrStdout(), cfg.Output, newDescriptorView(args[0], desc))
	},
}

var tokensCmd = &cobra.Command{
	Use:   "tokens DEVICE",
	Short: "List LUKSMeta tokens stored on a LUKS1 device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := cryptodisk.OpenDevice(args[0])
		if err != nil {
			return err
		}
		defer dev.Close()

		desc, err := dispatcher.Probe(dev, cfg.scanOptions())
		if err != nil {
			return err
		}
		tokens, err := cryptodisk.Luks1Tokens(dev, desc)
		if err != nil {
			return err
		}
		return printTokens(cmd.OutOrStdout(), cfg.Output, newTokenViews(tokens))
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(tokensCmd)
}
