// Package cryptodisk recognizes LUKS1 and GELI encrypted volumes, recovers their
// master key from a passphrase and decrypts volume sectors in userspace.
//
// A typical host probes a device with a Dispatcher, asks the user for a
// passphrase and then reads plaintext through the returned Volume:
//
//	dev, _ := cryptodisk.OpenDevice("/dev/sda2")
//	d := cryptodisk.NewDispatcher(cryptodisk.DefaultFormats()...)
//	vol, err := d.Unlock(dev, cryptodisk.ScanOptions{}, cryptodisk.StaticPassphrase("foobar"))
//	...
//	defer vol.Close()
//	vol.ReadAt(buf, 0)
package cryptodisk

import (
	"errors"
	"fmt"
)

var (
	// ErrFormatMismatch is returned by Format.Scan when the device does not carry that format.
	// It is a silent outcome, Dispatcher never returns it to the caller.
	ErrFormatMismatch = errors.New("not this volume format")
	// ErrNotEncrypted is returned by Dispatcher when none of the formats recognized the device
	ErrNotEncrypted = errors.New("no supported encryption header found")
	// ErrConfiguration indicates a recognized volume with parameters that cannot be used
	ErrConfiguration = errors.New("invalid volume configuration")
	// ErrAccessDenied is an error that indicates provided passphrase did not open any key slot.
	// It deliberately does not tell a wrong passphrase apart from damaged key material.
	ErrAccessDenied = errors.New("access denied")
	// ErrPrimitiveUnavailable indicates that a hash or cipher named by the volume is not supported
	ErrPrimitiveUnavailable = errors.New("crypto primitive is not available")
	// ErrPassphraseCancelled is returned by a Prompter when user refused to enter a passphrase
	ErrPassphraseCancelled = errors.New("passphrase entry cancelled")
)

func configErrorf(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, a...))
}

// CipherMode is a way a block cipher is applied to a sector
type CipherMode int

const (
	ModeECB CipherMode = iota
	ModeCBC
	ModePCBC
	ModeXTS
	ModeLRW
)

var cipherModeNames = map[CipherMode]string{
	ModeECB:  "ecb",
	ModeCBC:  "cbc",
	ModePCBC: "pcbc",
	ModeXTS:  "xts",
	ModeLRW:  "lrw",
}

func (m CipherMode) String() string {
	if s, ok := cipherModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("CipherMode(%d)", int(m))
}

// IVMode is a way per-sector initialization vector is derived
type IVMode int

const (
	IVPlain IVMode = iota
	IVPlain64
	IVBenbi
	IVEssiv
	IVNull
	IVByteCount64
	IVByteCount64Hash
)

var ivModeNames = map[IVMode]string{
	IVPlain:           "plain",
	IVPlain64:         "plain64",
	IVBenbi:           "benbi",
	IVEssiv:           "essiv",
	IVNull:            "null",
	IVByteCount64:     "bytecount64",
	IVByteCount64Hash: "bytecount64-hash",
}

func (m IVMode) String() string {
	if s, ok := ivModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("IVMode(%d)", int(m))
}

// ScanOptions restrict which volumes Format.Scan accepts
type ScanOptions struct {
	// UUID if not empty makes Scan skip volumes with a different UUID (case-insensitive, dashes ignored)
	UUID string
	// BootOnly makes Scan skip volumes that are not marked as bootable
	BootOnly bool
}

// Descriptor is a format-neutral description of a recognized encrypted volume.
// It is produced once by Format.Scan and is read-only afterwards.
type Descriptor struct {
	Format string // name of the Format that produced the descriptor
	UUID   string

	SectorShift   uint   // log2 of the volume sector size
	PayloadOffset uint64 // in 512-byte device sectors
	TotalSectors  uint64 // payload length in volume sectors, valid only if SizeKnown
	SizeKnown     bool   // false if the device did not report its size

	CipherName string
	CipherMode CipherMode
	IVMode     IVMode
	HashName   string // KDF and digest hash
	IVHashName string // hash used for ESSIV key or hashed byte-count IVs
	KeyBytes   int    // length of the master key, both halves for XTS
	BenbiShift uint   // only for IVBenbi

	Luks1 *Luks1Header // set for LUKS1 volumes
	Geli  *GeliHeader  // set for GELI volumes
}

// SectorSize returns volume sector size in bytes
func (d *Descriptor) SectorSize() int {
	return 1 << d.SectorShift
}

// Encryption returns cipher specification in the cryptsetup notation e.g. "aes-xts-plain64"
func (d *Descriptor) Encryption() string {
	switch {
	case d.CipherMode == ModeECB:
		return d.CipherName + "-ecb"
	case d.IVMode == IVEssiv:
		return fmt.Sprintf("%s-%s-essiv:%s", d.CipherName, d.CipherMode, d.IVHashName)
	default:
		return fmt.Sprintf("%s-%s-%s", d.CipherName, d.CipherMode, d.IVMode)
	}
}

// Slots returns indices of the enabled key slots in the order they are tried
func (d *Descriptor) Slots() []int {
	slots := make([]int, 0)
	switch {
	case d.Luks1 != nil:
		for id, ks := range d.Luks1.KeySlots {
			if ks.Active == luksV1SlotEnabled {
				slots = append(slots, id)
			}
		}
	case d.Geli != nil:
		for id := range d.Geli.Keys {
			if d.Geli.KeysUsed&(1<<id) != 0 {
				slots = append(slots, id)
			}
		}
	}
	return slots
}

// Format recognizes one kind of on-disk encrypted volume header
type Format interface {
	// Name returns a short format name e.g. "luks1"
	Name() string
	// Scan checks whether the device carries this format. It returns ErrFormatMismatch if it does not.
	Scan(dev BlockDevice, opts ScanOptions) (*Descriptor, error)
	// RecoverKey tries the passphrase against the volume key slots and returns an unlocked volume.
	// ErrAccessDenied is returned when no key slot opens.
	RecoverKey(dev BlockDevice, desc *Descriptor, passphrase []byte) (*Volume, error)
}
