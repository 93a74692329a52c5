package cryptodisk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"

	"k8s.io/klog/v2"
)

// LUKS v1 format is specified here
// https://gitlab.com/cryptsetup/cryptsetup/-/wikis/LUKS-standard/on-disk-format.pdf
type Luks1Header struct {
	Magic         [6]byte
	Version       uint16
	CipherName    [32]byte
	CipherMode    [32]byte
	HashSpec      [32]byte
	PayloadOffset uint32 // in 512-byte sectors
	KeyBytes      uint32
	MkDigest      [20]byte
	MkDigestSalt  [32]byte
	MkDigestIter  uint32
	UUID          [40]byte
	KeySlots      [8]Luks1KeySlot
}

type Luks1KeySlot struct {
	Active            uint32
	Iterations        uint32
	Salt              [32]byte
	KeyMaterialOffset uint32 // offset in sectors
	Stripes           uint32
}

const (
	luks1HeaderSize   = 208 + 8*48
	luksV1SlotEnabled = 0x00AC71F3
	luks1MaxKeyBytes  = 1024
	// upper bound of a single slot key material, anything larger is treated as a damaged slot
	luks1MaxKeyMaterial = 64 << 20
)

var luks1Magic = []byte("LUKS\xba\xbe")

// Luks1Format recognizes LUKS version 1 volumes
type Luks1Format struct{}

func (Luks1Format) Name() string {
	return "luks1"
}

func readLuks1Header(dev BlockDevice) (*Luks1Header, error) {
	data := make([]byte, luks1HeaderSize)
	n, err := dev.ReadAt(data, 0)
	if n < len(data) {
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// device is too small to hold the header
			return nil, ErrFormatMismatch
		}
		return nil, err
	}

	var hdr Luks1Header
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &hdr); err != nil {
		return nil, configErrorf("luks1 header: %v", err)
	}
	return &hdr, nil
}

func (f Luks1Format) Scan(dev BlockDevice, opts ScanOptions) (*Descriptor, error) {
	hdr, err := readLuks1Header(dev)
	if err != nil {
		return nil, err
	}

	// verify header magic
	if !bytes.Equal(hdr.Magic[:], luks1Magic) || hdr.Version != 1 {
		return nil, ErrFormatMismatch
	}
	if opts.BootOnly {
		klog.V(4).Info("luks1 volumes do not carry a boot flag, skipping")
		return nil, ErrFormatMismatch
	}

	uuid := strings.ReplaceAll(fixedArrayToString(hdr.UUID[:]), "-", "")
	if !uuidMatches(opts.UUID, uuid) {
		klog.V(4).Infof("luks1 uuid %s does not match %s", uuid, opts.UUID)
		return nil, ErrFormatMismatch
	}

	desc := &Descriptor{
		Format:        f.Name(),
		UUID:          uuid,
		SectorShift:   minSectorShift, // LUKS1 uses fixed 512-byte sectors
		PayloadOffset: uint64(hdr.PayloadOffset),
		CipherName:    fixedArrayToString(hdr.CipherName[:]),
		HashName:      fixedArrayToString(hdr.HashSpec[:]),
		KeyBytes:      int(hdr.KeyBytes),
		Luks1:         hdr,
	}

	if hdr.KeyBytes == 0 || hdr.KeyBytes > luks1MaxKeyBytes {
		return nil, configErrorf("key size %d is out of range", hdr.KeyBytes)
	}
	if _, err := lookupHash(desc.HashName); err != nil {
		return nil, err
	}
	spec, err := getCipher(desc.CipherName)
	if err != nil {
		return nil, err
	}
	if err := parseLuks1CipherMode(desc, fixedArrayToString(hdr.CipherMode[:]), spec); err != nil {
		return nil, err
	}

	if size, ok := dev.Sectors(); ok {
		if desc.PayloadOffset > size {
			return nil, configErrorf("payload offset %d is beyond the end of the device (%d sectors)", desc.PayloadOffset, size)
		}
		desc.TotalSectors = size - desc.PayloadOffset
		desc.SizeKnown = true
	}

	return desc, nil
}

// parseLuks1CipherMode parses cipher mode specification in form of <mode>[-<iv spec>], see crypt_parse_name_and_mode()
func parseLuks1CipherMode(desc *Descriptor, cipherMode string, spec blockCipher) error {
	var ivSpec string
	switch {
	case cipherMode == "ecb":
		desc.CipherMode, desc.IVMode = ModeECB, IVPlain
		return nil
	case cipherMode == "plain":
		desc.CipherMode, desc.IVMode = ModeCBC, IVPlain
		return nil
	case strings.HasPrefix(cipherMode, "cbc-"):
		desc.CipherMode = ModeCBC
		ivSpec = strings.TrimPrefix(cipherMode, "cbc-")
	case strings.HasPrefix(cipherMode, "pcbc-"):
		desc.CipherMode = ModePCBC
		ivSpec = strings.TrimPrefix(cipherMode, "pcbc-")
	case strings.HasPrefix(cipherMode, "xts-"):
		desc.CipherMode = ModeXTS
		ivSpec = strings.TrimPrefix(cipherMode, "xts-")
	case strings.HasPrefix(cipherMode, "lrw-"):
		desc.CipherMode = ModeLRW
		ivSpec = strings.TrimPrefix(cipherMode, "lrw-")
	default:
		return configErrorf("unknown cipher mode: %s", cipherMode)
	}

	switch desc.CipherMode {
	case ModeXTS:
		if spec.blockSize != gfBlockSize {
			return configErrorf("unsupported XTS block size: %d", spec.blockSize)
		}
		if desc.KeyBytes%2 != 0 {
			return configErrorf("XTS key size %d is not even", desc.KeyBytes)
		}
	case ModeLRW:
		if spec.blockSize != gfBlockSize {
			return configErrorf("unsupported LRW block size: %d", spec.blockSize)
		}
		if desc.KeyBytes <= spec.blockSize {
			return configErrorf("LRW key size %d is too small", desc.KeyBytes)
		}
	}

	switch {
	case ivSpec == "plain64":
		desc.IVMode = IVPlain64
	case ivSpec == "plain":
		desc.IVMode = IVPlain
	case ivSpec == "null":
		desc.IVMode = IVNull
	case ivSpec == "benbi":
		if spec.blockSize < 8 || !isPowerOfTwo(uint(spec.blockSize)) {
			return configErrorf("unsupported benbi blocksize: %d", spec.blockSize)
		}
		desc.IVMode = IVBenbi
		for desc.BenbiShift = 0; spec.blockSize<<desc.BenbiShift < storageSectorSize; desc.BenbiShift++ {
		}
	case strings.HasPrefix(ivSpec, "essiv:"):
		desc.IVMode = IVEssiv
		desc.IVHashName = strings.TrimPrefix(ivSpec, "essiv:")
		if _, err := lookupHash(desc.IVHashName); err != nil {
			return err
		}
	default:
		return configErrorf("unknown IV mode: %s", ivSpec)
	}
	return nil
}

func (f Luks1Format) RecoverKey(dev BlockDevice, desc *Descriptor, passphrase []byte) (*Volume, error) {
	if desc.Luks1 == nil {
		return nil, fmt.Errorf("descriptor of a %s volume passed to the luks1 format", desc.Format)
	}
	h, err := lookupHash(desc.HashName)
	if err != nil {
		return nil, err
	}

	for _, slotIdx := range desc.Slots() {
		key, err := recoverLuks1Slot(dev, desc, slotIdx, passphrase, h)
		if errors.Is(err, ErrAccessDenied) {
			klog.V(2).Infof("luks1 %s: slot %d did not open", desc.UUID, slotIdx)
			continue
		} else if err != nil {
			return nil, err
		}

		klog.V(2).Infof("luks1 %s: slot %d opened", desc.UUID, slotIdx)
		return newVolume(dev, desc, key)
	}
	return nil, ErrAccessDenied
}

// recoverLuks1Slot returns the volume master key stored in the given slot.
// ErrAccessDenied means the passphrase does not open the slot.
func recoverLuks1Slot(dev BlockDevice, desc *Descriptor, slotIdx int, passphrase []byte, h func() hash.Hash) ([]byte, error) {
	hdr := desc.Luks1
	slot := hdr.KeySlots[slotIdx]
	keyBytes := desc.KeyBytes

	materialSize := uint64(keyBytes) * uint64(slot.Stripes)
	if slot.Stripes == 0 || materialSize > luks1MaxKeyMaterial {
		klog.V(2).Infof("luks1 %s: slot %d has invalid number of stripes %d", desc.UUID, slotIdx, slot.Stripes)
		return nil, ErrAccessDenied
	}

	// key material occupies whole sectors
	keyData := make([]byte, roundUp(int(materialSize), storageSectorSize))
	defer clearSlice(keyData)
	if err := readSectors(dev, uint64(slot.KeyMaterialOffset), keyData); err != nil {
		return nil, err
	}

	afKey := deriveKey(h, passphrase, slot.Salt[:], int(slot.Iterations), keyBytes)
	defer clearSlice(afKey)

	// key material is encrypted with the same cipher setup as the payload
	ciph, err := newSectorCipher(desc)
	if err != nil {
		return nil, err
	}
	defer ciph.wipe()
	if err := ciph.setKey(afKey); err != nil {
		return nil, err
	}
	if err := ciph.decrypt(0, keyData); err != nil {
		return nil, err
	}

	// anti-forensic merge
	candidate, err := afMerge(keyData, keyBytes, int(slot.Stripes), h())
	if err != nil {
		return nil, err
	}

	// verify with digest
	digest := deriveKey(h, candidate, hdr.MkDigestSalt[:], int(hdr.MkDigestIter), len(hdr.MkDigest))
	defer clearSlice(digest)
	if !digestsEqual(digest, hdr.MkDigest[:]) {
		clearSlice(candidate)
		return nil, ErrAccessDenied
	}
	return candidate, nil
}
