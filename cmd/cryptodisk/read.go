package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/anatol/cryptodisk.go"
	"github.com/spf13/cobra"
)

var (
	readSector uint64
	readCount  uint64
)

var readCmd = &cobra.Command{
	Use:   "read DEVICE",
	Short: "Write decrypted volume sectors to stdout",
	Long: `
Write decrypted volume sectors to stdout

Sectors are counted in the volume sector size, e.g. 4096 bytes for most GELI volumes.
Decryption happens in userspace and works both for LUKS1 and GELI.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if readCount == 0 {
			return fmt.Errorf("--count must be positive")
		}

		dev, err := cryptodisk.OpenDevice(args[0])
		if err != nil {
			return err
		}
		defer dev.Close()

		vol, err := openVolume(dev)
		if err != nil {
			return err
		}
		defer vol.Close()

		return copySectors(cmd.OutOrStdout(), vol, readSector, readCount)
	},
}

// copySectors writes count decrypted sectors starting at sector, one sector at a time
func copySectors(w io.Writer, vol *cryptodisk.Volume, sector, count uint64) error {
	shift := vol.Descriptor().SectorShift
	buf := make([]byte, 1<<shift)
	for i := uint64(0); i < count; i++ {
		n, err := vol.ReadAt(buf, int64((sector+i)<<shift))
		if _, werr := w.Write(buf[:n]); werr != nil {
			return werr
		}
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}
	}
	return nil
}

func init() {
	readCmd.Flags().Uint64Var(&readSector, "sector", 0, "first volume sector to read")
	readCmd.Flags().Uint64Var(&readCount, "count", 1, "number of volume sectors to read")
	rootCmd.AddCommand(readCmd)
}
