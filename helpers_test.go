package cryptodisk

import (
	"bytes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
)

// memDevice is an in-memory BlockDevice
type memDevice struct {
	data        []byte
	unknownSize bool
	reads       int
	readErr     error
}

func newMemDevice(size int) *memDevice {
	return &memDevice{data: make([]byte, size)}
}

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	m.reads++
	if m.readErr != nil {
		return 0, m.readErr
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}
	return copy(m.data[off:], p), nil
}

func (m *memDevice) Sectors() (uint64, bool) {
	return uint64(len(m.data)) / storageSectorSize, !m.unknownSize
}

// readOnlyDevice hides WriteAt of the wrapped device
type readOnlyDevice struct {
	BlockDevice
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

const testLuks1UUID = "3d1ad5a2-6d5c-4a2c-9d6b-0e31e9b5c7a1"

// luks1Image describes a LUKS1 volume built in memory
type luks1Image struct {
	cipher     string
	mode       string
	hash       string
	keyBytes   int
	stripes    uint32
	iterations uint32
	// passphrases of the enabled slots
	passphrases    map[int]string
	payloadSectors int
	// sectors left free between key material and payload
	gapSectors int
	mutate     func(hdr *Luks1Header)
}

func (p luks1Image) withDefaults() luks1Image {
	if p.cipher == "" {
		p.cipher = "aes"
	}
	if p.mode == "" {
		p.mode = "xts-plain64"
	}
	if p.hash == "" {
		p.hash = "sha256"
	}
	if p.keyBytes == 0 {
		p.keyBytes = 64
	}
	if p.stripes == 0 {
		p.stripes = 4000
	}
	if p.iterations == 0 {
		p.iterations = 10
	}
	if p.passphrases == nil {
		p.passphrases = map[int]string{0: "foobar"}
	}
	if p.payloadSectors == 0 {
		p.payloadSectors = 16
	}
	return p
}

// build returns a device holding the volume and its master key
func (p luks1Image) build(t *testing.T) (*memDevice, []byte) {
	t.Helper()
	p = p.withDefaults()

	h, _ := getHashAlgo(p.hash)
	require.NotNil(t, h)

	masterKey := randomBytes(t, p.keyBytes)

	var hdr Luks1Header
	copy(hdr.Magic[:], luks1Magic)
	hdr.Version = 1
	copy(hdr.CipherName[:], p.cipher)
	copy(hdr.CipherMode[:], p.mode)
	copy(hdr.HashSpec[:], p.hash)
	hdr.KeyBytes = uint32(p.keyBytes)
	hdr.MkDigestIter = p.iterations
	copy(hdr.MkDigestSalt[:], randomBytes(t, 32))
	copy(hdr.MkDigest[:], pbkdf2.Key(masterKey, hdr.MkDigestSalt[:], int(p.iterations), 20, h))
	copy(hdr.UUID[:], testLuks1UUID)

	desc := &Descriptor{CipherName: p.cipher, SectorShift: 9, KeyBytes: p.keyBytes, HashName: p.hash}
	spec, err := getCipher(p.cipher)
	require.NoError(t, err)
	require.NoError(t, parseLuks1CipherMode(desc, p.mode, spec))

	materialSectors := uint32(roundUp(p.keyBytes*int(p.stripes), storageSectorSize) / storageSectorSize)
	const firstMaterialSector = 8
	for i := range hdr.KeySlots {
		slot := &hdr.KeySlots[i]
		slot.Active = 0x0000DEAD
		slot.Stripes = p.stripes
		slot.KeyMaterialOffset = firstMaterialSector + uint32(i)*materialSectors
	}
	hdr.PayloadOffset = firstMaterialSector + 8*materialSectors + uint32(p.gapSectors)

	dev := newMemDevice((int(hdr.PayloadOffset) + p.payloadSectors) * storageSectorSize)

	for i, pass := range p.passphrases {
		slot := &hdr.KeySlots[i]
		slot.Active = luksV1SlotEnabled
		slot.Iterations = p.iterations
		copy(slot.Salt[:], randomBytes(t, 32))

		afKey := pbkdf2.Key([]byte(pass), slot.Salt[:], int(p.iterations), p.keyBytes, h)
		split, err := afSplit(masterKey, int(p.stripes), h())
		require.NoError(t, err)

		material := make([]byte, materialSectors*storageSectorSize)
		copy(material, split)
		c, err := newSectorCipher(desc)
		require.NoError(t, err)
		require.NoError(t, c.setKey(afKey))
		require.NoError(t, c.encrypt(0, material))
		copy(dev.data[slot.KeyMaterialOffset*storageSectorSize:], material)
	}

	if p.mutate != nil {
		p.mutate(&hdr)
	}
	writeLuks1Header(t, dev, &hdr)
	return dev, masterKey
}

func writeLuks1Header(t *testing.T, dev *memDevice, hdr *Luks1Header) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, hdr))
	require.Equal(t, luks1HeaderSize, buf.Len())
	copy(dev.data, buf.Bytes())
}

// geliImage describes a GELI volume built in memory
type geliImage struct {
	version     uint32
	alg         uint16
	keyLen      uint16
	sectorSize  uint32
	flags       uint32
	iterations  uint32
	legacyKDF   bool // derive the user key without PBKDF2
	keysUsed    uint8
	passphrase  string
	dataSectors int // in volume sectors
	mutate      func(hdr *GeliHeader)
}

func (p geliImage) withDefaults() geliImage {
	if p.version == 0 {
		p.version = 7
	}
	if p.alg == 0 {
		p.alg = 0x16
	}
	if p.keyLen == 0 {
		p.keyLen = 256
	}
	if p.sectorSize == 0 {
		p.sectorSize = 4096
	}
	if p.legacyKDF {
		p.iterations = 0
	} else if p.iterations == 0 {
		p.iterations = 10
	}
	if p.keysUsed == 0 {
		p.keysUsed = 1
	}
	if p.passphrase == "" {
		p.passphrase = "foobar"
	}
	if p.dataSectors == 0 {
		p.dataSectors = 4
	}
	return p
}

func hmacSHA512(key []byte, msg ...[]byte) []byte {
	mac := hmac.New(sha512.New, key)
	for _, m := range msg {
		mac.Write(m)
	}
	return mac.Sum(nil)
}

// build returns a device holding the volume and its plaintext key record
func (p geliImage) build(t *testing.T) (*memDevice, geliKeyRecord) {
	t.Helper()
	p = p.withDefaults()

	hdr := GeliHeader{
		Version:    p.version,
		Flags:      p.flags,
		Alg:        p.alg,
		KeyLen:     p.keyLen,
		SectorSize: p.sectorSize,
		KeysUsed:   p.keysUsed,
		Iterations: p.iterations,
	}
	copy(hdr.Magic[:], "GEOM::ELI")
	copy(hdr.Salt[:], randomBytes(t, geliSaltLen))

	var geomKey []byte
	if p.iterations == 0 {
		geomKey = hmacSHA512(nil, hdr.Salt[:], []byte(p.passphrase))
	} else {
		geomKey = hmacSHA512(nil, pbkdf2.Key([]byte(p.passphrase), hdr.Salt[:], int(p.iterations), 64, sha512.New))
	}
	kek := hmacSHA512(geomKey, []byte{1})
	verifyKey := hmacSHA512(geomKey, []byte{0})

	record := geliKeyRecord(randomBytes(t, geliKeyRecordLen))
	copy(record.mac(), hmacSHA512(verifyKey, record[:2*geliKeyLen]))

	spec, err := getCipher(geliAlgorithms[p.alg])
	require.NoError(t, err)
	block, err := spec.newCipher(kek[:p.keyLen/8])
	require.NoError(t, err)
	encrypted := make([]byte, geliKeyRecordLen)
	cipher.NewCBCEncrypter(block, make([]byte, spec.blockSize)).CryptBlocks(encrypted, record)

	for i := range hdr.Keys {
		if p.keysUsed&(1<<i) != 0 {
			copy(hdr.Keys[i][:], encrypted)
		} else {
			copy(hdr.Keys[i][:], randomBytes(t, geliKeyRecordLen))
		}
	}

	if p.mutate != nil {
		p.mutate(&hdr)
	}

	size := p.dataSectors*int(p.sectorSize) + storageSectorSize
	dev := newMemDevice(size)
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &hdr))
	copy(dev.data[size-storageSectorSize:], buf.Bytes())

	return dev, record
}
