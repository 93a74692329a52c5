package cryptodisk

import (
	"bytes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"

	"k8s.io/klog/v2"
)

// GELI metadata as defined in FreeBSD sys/geom/eli/g_eli.h (struct g_eli_metadata).
// It is stored little-endian in the last sector of the provider.
type GeliHeader struct {
	Magic      [16]byte
	Version    uint32
	Flags      uint32
	Alg        uint16
	KeyLen     uint16 // in bits
	_          [5]uint16
	SectorSize uint32
	KeysUsed   uint8
	Iterations uint32
	Salt       [geliSaltLen]byte
	Keys       [geliKeySlots][geliKeyRecordLen]byte // encrypted key records
	// MD5 of the metadata follows, it is not verified
}

const (
	geliSaltLen      = 64
	geliKeySlots     = 2
	geliKeyLen       = 64
	geliKeyRecordLen = 3 * geliKeyLen // iv key, cipher key, HMAC

	geliMaxVersion   = 7
	geliVersionRekey = 5 // first version with per-zone rekeying
	geliRekeyShift   = 20

	geliFlagOnetime = 1 << 0
	geliFlagBoot    = 1 << 1

	// niter value meaning the volume is protected by a keyfile only
	geliIterationsKeyfileOnly = 0xFFFFFFFF
)

var geliMagic = []byte("GEOM::ELI\x00")

const geliAlgXTS = 0x16

// algorithm ids as in FreeBSD opencrypto/cryptodev.h
var geliAlgorithms = map[uint16]string{
	0x01: "des",
	0x02: "3des",
	0x03: "blowfish",
	0x04: "cast5",
	0x0b: "aes",
	0x15: "camellia128",
	0x16: "aes",
}

// geliKeyField names a part of a decrypted key record
type geliKeyField int

const (
	geliIVKey geliKeyField = iota
	geliCipherKey
)

// rekeySource returns the key record field zone keys are derived from.
// Version 7 switched from the IV key to the cipher key.
func (h *GeliHeader) rekeySource() geliKeyField {
	if h.Version >= 7 {
		return geliCipherKey
	}
	return geliIVKey
}

// geliKeyRecord is a decrypted key slot
type geliKeyRecord []byte

func (r geliKeyRecord) field(f geliKeyField) []byte {
	switch f {
	case geliIVKey:
		return r[:geliKeyLen]
	case geliCipherKey:
		return r[geliKeyLen : 2*geliKeyLen]
	default:
		panic(fmt.Sprintf("unknown geli key field %d", f))
	}
}

func (r geliKeyRecord) mac() []byte {
	return r[2*geliKeyLen:]
}

// GeliFormat recognizes FreeBSD GELI volumes
type GeliFormat struct{}

func (GeliFormat) Name() string {
	return "geli"
}

// geliUUID derives a volume identifier, GELI does not store one on disk
func geliUUID(salt []byte) string {
	return hex.EncodeToString(hmacBuffer(sha256.New, salt, []byte("uuid")))
}

func (f GeliFormat) Scan(dev BlockDevice, opts ScanOptions) (*Descriptor, error) {
	size, ok := dev.Sectors()
	if !ok || size == 0 {
		// the header location is unknown
		return nil, ErrFormatMismatch
	}

	data := make([]byte, storageSectorSize)
	if err := readSectors(dev, size-1, data); err != nil {
		return nil, err
	}

	var hdr GeliHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &hdr); err != nil {
		return nil, configErrorf("geli header: %v", err)
	}

	if !bytes.Equal(hdr.Magic[:len(geliMagic)], geliMagic) {
		return nil, ErrFormatMismatch
	}
	if hdr.Version == 0 || hdr.Version > geliMaxVersion {
		return nil, configErrorf("unsupported GELI version %d", hdr.Version)
	}
	if hdr.Flags&geliFlagOnetime != 0 {
		klog.V(4).Info("skipping one-time GELI volume")
		return nil, ErrFormatMismatch
	}
	if opts.BootOnly && hdr.Flags&geliFlagBoot == 0 {
		klog.V(4).Info("skipping GELI volume without boot flag")
		return nil, ErrFormatMismatch
	}

	uuid := geliUUID(hdr.Salt[:])
	if !uuidMatches(opts.UUID, uuid) {
		klog.V(4).Infof("geli uuid %s does not match %s", uuid, opts.UUID)
		return nil, ErrFormatMismatch
	}

	if hdr.SectorSize == 0 || !isPowerOfTwo(uint(hdr.SectorSize)) ||
		hdr.SectorSize < 1<<minSectorShift || hdr.SectorSize > 1<<maxSectorShift {
		return nil, configErrorf("invalid GELI sector size %d", hdr.SectorSize)
	}
	var sectorShift uint
	for 1<<sectorShift < hdr.SectorSize {
		sectorShift++
	}

	cipherName, ok := geliAlgorithms[hdr.Alg]
	if !ok {
		return nil, configErrorf("unknown GELI algorithm 0x%x", hdr.Alg)
	}
	if _, err := getCipher(cipherName); err != nil {
		return nil, err
	}
	if hdr.KeyLen == 0 || hdr.KeyLen%8 != 0 {
		return nil, configErrorf("invalid GELI key length %d", hdr.KeyLen)
	}

	desc := &Descriptor{
		Format:       f.Name(),
		UUID:         uuid,
		SectorShift:  sectorShift,
		TotalSectors: ((size - 1) * storageSectorSize) >> sectorShift,
		SizeKnown:    true,
		CipherName:   cipherName,
		CipherMode:   ModeCBC,
		IVMode:       IVByteCount64Hash,
		HashName:     "sha512",
		IVHashName:   "sha256",
		KeyBytes:     int(hdr.KeyLen) / 8,
		Geli:         &hdr,
	}
	if hdr.Alg == geliAlgXTS {
		desc.CipherMode = ModeXTS
		desc.IVMode = IVByteCount64
		desc.KeyBytes *= 2
	}
	if desc.KeyBytes > geliKeyLen {
		return nil, configErrorf("GELI key length %d does not fit the key record", hdr.KeyLen)
	}

	return desc, nil
}

func (f GeliFormat) RecoverKey(dev BlockDevice, desc *Descriptor, passphrase []byte) (*Volume, error) {
	hdr := desc.Geli
	if hdr == nil {
		return nil, fmt.Errorf("descriptor of a %s volume passed to the geli format", desc.Format)
	}
	if hdr.Iterations == geliIterationsKeyfileOnly {
		return nil, configErrorf("GELI volume %s can be unlocked with a keyfile only", desc.UUID)
	}
	h, err := lookupHash(desc.HashName)
	if err != nil {
		return nil, err
	}
	spec, err := getCipher(desc.CipherName)
	if err != nil {
		return nil, err
	}

	geomKey := geliUserKey(h, hdr, passphrase)
	defer clearSlice(geomKey)

	kek := hmacBuffer(h, geomKey, []byte{1})
	defer clearSlice(kek)
	verifyKey := hmacBuffer(h, geomKey, []byte{0})
	defer clearSlice(verifyKey)

	// key records are always protected with CBC, AES-XTS volumes use AES-CBC here
	block, err := spec.newCipher(kek[:hdr.KeyLen/8])
	if err != nil {
		return nil, configErrorf("%s: %v", spec.name, err)
	}
	iv := make([]byte, spec.blockSize)

	for _, slotIdx := range desc.Slots() {
		record := geliKeyRecord(make([]byte, geliKeyRecordLen))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(record, hdr.Keys[slotIdx][:])

		mac := hmacBuffer(h, verifyKey, record.field(geliIVKey), record.field(geliCipherKey))
		if !digestsEqual(mac, record.mac()) {
			clearSlice(record)
			klog.V(2).Infof("geli %s: slot %d did not open", desc.UUID, slotIdx)
			continue
		}

		klog.V(2).Infof("geli %s: slot %d opened", desc.UUID, slotIdx)
		v, err := newGeliVolume(dev, desc, record, h)
		clearSlice(record)
		return v, err
	}
	return nil, ErrAccessDenied
}

// geliUserKey derives the key that protects key records, see g_eli_crypto_hmac_init() in geliboot
func geliUserKey(h func() hash.Hash, hdr *GeliHeader, passphrase []byte) []byte {
	if hdr.Iterations == 0 {
		return hmacBuffer(h, nil, hdr.Salt[:], passphrase)
	}
	pbkdfKey := deriveKey(h, passphrase, hdr.Salt[:], int(hdr.Iterations), geliKeyLen)
	defer clearSlice(pbkdfKey)
	return hmacBuffer(h, nil, pbkdfKey)
}

func newGeliVolume(dev BlockDevice, desc *Descriptor, record geliKeyRecord, h func() hash.Hash) (*Volume, error) {
	masterKey := append([]byte(nil), record.field(geliCipherKey)[:desc.KeyBytes]...)
	v, err := newVolume(dev, desc, masterKey)
	if err != nil {
		return nil, err
	}

	v.setIVPrefix(record.field(geliIVKey))
	if desc.Geli.Version >= geliVersionRekey {
		src := desc.Geli.rekeySource()
		klog.V(4).Infof("geli %s: rekeying every %d sectors", desc.UUID, 1<<geliRekeyShift)
		v.setRekey(record.field(src), geliRekeyShift, func(rekeyKey []byte, zone uint64) ([]byte, error) {
			return geliZoneKey(h, rekeyKey, zone, desc.KeyBytes), nil
		})
	}
	return v, nil
}

// geliZoneKey computes the data key of a rekeying zone
func geliZoneKey(h func() hash.Hash, rekeyKey []byte, zone uint64, keyBytes int) []byte {
	var msg [12]byte
	copy(msg[:4], "ekey")
	binary.LittleEndian.PutUint64(msg[4:], zone)
	key := hmacBuffer(h, rekeyKey, msg[:])
	clearSlice(key[keyBytes:])
	return key[:keyBytes]
}
