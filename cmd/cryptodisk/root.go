package main

import (
	"errors"
	goflag "flag"
	"fmt"
	"os"

	"github.com/anatol/cryptodisk.go"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// number of passphrase attempts before unlock gives up
const unlockTries = 3

var (
	cfgFile string
	cfg     = newConfig()

	// values of the persistent flags, applied over the config only when set
	flagUUID     string
	flagBootOnly bool
	flagOutput   string
	flagPinentry bool

	dispatcher = cryptodisk.NewDispatcher(cryptodisk.DefaultFormats()...)
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cryptodisk",
	Short: "Inspect and unlock LUKS1 and GELI encrypted disks",
	Long: `
Inspect and unlock LUKS1 and GELI encrypted disks

Volumes are recognized and decrypted in userspace. LUKS1 volumes can also be
handed over to dm-crypt.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = newConfig()
		if err := cfg.Load(cfgFile); err != nil {
			return err
		}

		flags := cmd.Flags()
		if flags.Changed("uuid") {
			cfg.UUID = flagUUID
		}
		if flags.Changed("boot-only") {
			cfg.BootOnly = flagBootOnly
		}
		if flags.Changed("output") {
			cfg.Output = flagOutput
		}
		if flags.Changed("pinentry") {
			cfg.Pinentry = flagPinentry
		}
		return cfg.validate()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, cryptodisk.ErrAccessDenied):
		return 2
	case errors.Is(err, cryptodisk.ErrNotEncrypted):
		return 3
	case errors.Is(err, cryptodisk.ErrPassphraseCancelled):
		return 4
	}
	return 1
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/cryptodisk/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagUUID, "uuid", "", "only accept the volume with this UUID")
	rootCmd.PersistentFlags().BoolVar(&flagBootOnly, "boot-only", false, "only accept volumes marked as bootable")
	rootCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", outputTable, "output format, one of table or json")
	rootCmd.PersistentFlags().BoolVar(&flagPinentry, "pinentry", true, "ask for the passphrase with pinentry")

	fs := goflag.NewFlagSet("klog", goflag.ExitOnError)
	klog.InitFlags(fs)
	rootCmd.PersistentFlags().AddGoFlagSet(fs)
}

// openVolume asks for a passphrase until a key slot of the device opens
func openVolume(dev cryptodisk.BlockDevice) (*cryptodisk.Volume, error) {
	desc, err := dispatcher.Probe(dev, cfg.scanOptions())
	if err != nil {
		return nil, err
	}

	prompt := terminalPrompter{usePinentry: cfg.Pinentry}
	for try := 1; ; try++ {
		vol, err := recoverKey(dev, desc, prompt)
		if errors.Is(err, cryptodisk.ErrAccessDenied) && try < unlockTries {
			fmt.Fprintln(os.Stderr, "No key available with this passphrase.")
			continue
		}
		return vol, err
	}
}

func recoverKey(dev cryptodisk.BlockDevice, desc *cryptodisk.Descriptor, prompt cryptodisk.Prompter) (*cryptodisk.Volume, error) {
	passphrase, err := prompt.Passphrase(desc, cryptodisk.MaxPassphraseLen)
	if err != nil {
		return nil, err
	}
	defer func() {
		for i := range passphrase {
			passphrase[i] = 0
		}
	}()
	return dispatcher.RecoverKey(dev, desc, passphrase)
}
