package cryptodisk

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"hash"

	"k8s.io/klog/v2"
)

// ErrNotKeyed is returned when sectors are processed before a key has been set
var ErrNotKeyed = errors.New("sector cipher has no key")

// rekeyFunc derives the key for the given rekeying zone
type rekeyFunc func(zone uint64) ([]byte, error)

// sectorCipher applies a block cipher mode and an IV scheme to volume sectors.
// It has two states: created by newSectorCipher it has no key, after setKey it is ready.
type sectorCipher struct {
	spec        blockCipher
	mode        CipherMode
	ivMode      IVMode
	sectorShift uint
	benbiShift  uint
	ivHash      func() hash.Hash // ESSIV key hash or byte-count IV hash
	ivPrefix    []byte

	primary   cipher.Block
	secondary cipher.Block // XTS tweak cipher
	essiv     cipher.Block
	lrwKey    []byte

	rekey      rekeyFunc
	rekeyShift uint
	lastRekey  uint64
	rekeyed    bool
}

// newSectorCipher prepares a cipher engine for the volume described by desc
func newSectorCipher(desc *Descriptor) (*sectorCipher, error) {
	spec, err := getCipher(desc.CipherName)
	if err != nil {
		return nil, err
	}

	c := &sectorCipher{
		spec:        spec,
		mode:        desc.CipherMode,
		ivMode:      desc.IVMode,
		sectorShift: desc.SectorShift,
		benbiShift:  desc.BenbiShift,
	}

	if desc.SectorShift < minSectorShift || desc.SectorShift > maxSectorShift {
		return nil, configErrorf("sector size 2^%d is out of range", desc.SectorShift)
	}

	switch desc.CipherMode {
	case ModeECB, ModeCBC, ModePCBC:
	case ModeXTS, ModeLRW:
		if spec.blockSize != gfBlockSize {
			return nil, configErrorf("%v mode requires %d bytes block size, cipher %s has %d", desc.CipherMode, gfBlockSize, spec.name, spec.blockSize)
		}
	default:
		return nil, configErrorf("unknown cipher mode %v", desc.CipherMode)
	}

	switch desc.IVMode {
	case IVPlain, IVPlain64, IVNull, IVByteCount64:
	case IVBenbi:
		if spec.blockSize < 8 || !isPowerOfTwo(uint(spec.blockSize)) {
			return nil, configErrorf("unsupported benbi block size %d", spec.blockSize)
		}
	case IVEssiv, IVByteCount64Hash:
		h, size := getHashAlgo(desc.IVHashName)
		if h == nil {
			return nil, fmt.Errorf("%w: hash %q", ErrPrimitiveUnavailable, desc.IVHashName)
		}
		if desc.IVMode == IVByteCount64Hash && size < spec.blockSize {
			return nil, configErrorf("IV hash %s is shorter than the cipher block", desc.IVHashName)
		}
		c.ivHash = h
	default:
		return nil, configErrorf("unknown IV mode %v", desc.IVMode)
	}

	return c, nil
}

// setIVPrefix sets a salt mixed into hashed byte-count IVs
func (c *sectorCipher) setIVPrefix(prefix []byte) {
	c.ivPrefix = prefix
}

// setRekey enables periodic rekeying, every 2^shift sectors use a key returned by fn
func (c *sectorCipher) setRekey(fn rekeyFunc, shift uint) {
	c.rekey = fn
	c.rekeyShift = shift
	c.rekeyed = false
}

func (c *sectorCipher) setKey(key []byte) error {
	blockSize := c.spec.blockSize
	if (1<<c.sectorShift)%blockSize != 0 {
		return configErrorf("sector size %d is not a multiple of the %s block size %d", 1<<c.sectorShift, c.spec.name, blockSize)
	}

	var err error
	mainKey := key
	switch c.mode {
	case ModeXTS:
		if len(key) == 0 || len(key)%2 != 0 {
			return configErrorf("xts key length %d is not even", len(key))
		}
		mainKey = key[:len(key)/2]
		if c.secondary, err = c.spec.newCipher(key[len(key)/2:]); err != nil {
			return configErrorf("%s: %v", c.spec.name, err)
		}
	case ModeLRW:
		if len(key) <= blockSize {
			return configErrorf("lrw key length %d is too short", len(key))
		}
		mainKey = key[:len(key)-blockSize]
		clearSlice(c.lrwKey)
		c.lrwKey = append([]byte(nil), key[len(key)-blockSize:]...)
	}

	if c.ivMode == IVEssiv {
		hashed := hashBuffers(c.ivHash, key)
		defer clearSlice(hashed)
		if c.essiv, err = c.spec.newCipher(hashed); err != nil {
			return configErrorf("essiv %s: %v", c.spec.name, err)
		}
		if c.essiv.BlockSize() != blockSize {
			return configErrorf("essiv cipher block size mismatch")
		}
	}

	if c.primary, err = c.spec.newCipher(mainKey); err != nil {
		return configErrorf("%s: %v", c.spec.name, err)
	}
	return nil
}

func (c *sectorCipher) encrypt(sector uint64, buf []byte) error {
	return c.crypt(sector, buf, true)
}

func (c *sectorCipher) decrypt(sector uint64, buf []byte) error {
	return c.crypt(sector, buf, false)
}

func (c *sectorCipher) crypt(sector uint64, buf []byte, encrypt bool) error {
	sectorSize := 1 << c.sectorShift
	if len(buf)%sectorSize != 0 {
		return fmt.Errorf("buffer size %d is not a multiple of the sector size %d", len(buf), sectorSize)
	}
	if c.primary == nil && c.rekey == nil {
		return ErrNotKeyed
	}

	iv := make([]byte, c.spec.blockSize)
	for off := 0; off < len(buf); off += sectorSize {
		if err := c.maybeRekey(sector); err != nil {
			return err
		}
		data := buf[off : off+sectorSize]
		if c.mode != ModeECB {
			c.computeIV(iv, sector)
		}
		if encrypt {
			c.encryptSector(data, iv)
		} else {
			c.decryptSector(data, iv)
		}
		sector++
	}
	return nil
}

func (c *sectorCipher) maybeRekey(sector uint64) error {
	if c.rekey == nil {
		return nil
	}
	zone := sector >> c.rekeyShift
	if c.rekeyed && zone == c.lastRekey {
		return nil
	}
	klog.V(4).Infof("switching to rekey zone %d", zone)
	key, err := c.rekey(zone)
	if err != nil {
		return err
	}
	defer clearSlice(key)
	if err := c.setKey(key); err != nil {
		return err
	}
	c.lastRekey = zone
	c.rekeyed = true
	return nil
}

func (c *sectorCipher) encryptSector(data, iv []byte) {
	bs := c.spec.blockSize
	switch c.mode {
	case ModeECB:
		for i := 0; i < len(data); i += bs {
			c.primary.Encrypt(data[i:i+bs], data[i:i+bs])
		}
	case ModeCBC:
		cipher.NewCBCEncrypter(c.primary, iv).CryptBlocks(data, data)
	case ModePCBC:
		// feed = plaintext XOR ciphertext of the previous block
		feed := append([]byte(nil), iv...)
		plain := make([]byte, bs)
		for i := 0; i < len(data); i += bs {
			block := data[i : i+bs]
			copy(plain, block)
			xorBytes(block, block, feed)
			c.primary.Encrypt(block, block)
			xorBytes(feed, plain, block)
		}
		clearSlice(plain)
	case ModeXTS:
		c.xts(data, iv, c.primary.Encrypt)
	case ModeLRW:
		c.lrw(data, iv, c.primary.Encrypt)
	}
}

func (c *sectorCipher) decryptSector(data, iv []byte) {
	bs := c.spec.blockSize
	switch c.mode {
	case ModeECB:
		for i := 0; i < len(data); i += bs {
			c.primary.Decrypt(data[i:i+bs], data[i:i+bs])
		}
	case ModeCBC:
		cipher.NewCBCDecrypter(c.primary, iv).CryptBlocks(data, data)
	case ModePCBC:
		feed := append([]byte(nil), iv...)
		cipherText := make([]byte, bs)
		for i := 0; i < len(data); i += bs {
			block := data[i : i+bs]
			copy(cipherText, block)
			c.primary.Decrypt(block, block)
			xorBytes(block, block, feed)
			xorBytes(feed, cipherText, block)
		}
	case ModeXTS:
		c.xts(data, iv, c.primary.Decrypt)
	case ModeLRW:
		c.lrw(data, iv, c.primary.Decrypt)
	}
}

// xts processes one sector. The tweak is the sector IV encrypted with the secondary key,
// multiplied by x for every following block.
func (c *sectorCipher) xts(data, iv []byte, fn func(dst, src []byte)) {
	var tweak [gfBlockSize]byte
	c.secondary.Encrypt(tweak[:], iv)
	for i := 0; i < len(data); i += gfBlockSize {
		block := data[i : i+gfBlockSize]
		xorBytes(block, block, tweak[:])
		fn(block, block)
		xorBytes(block, block, tweak[:])
		mulXLE(tweak[:])
	}
}

// lrw processes one sector. Block j uses tweak lrwKey * (iv + j).
func (c *sectorCipher) lrw(data, iv []byte, fn func(dst, src []byte)) {
	var idx, tweak [gfBlockSize]byte
	copy(idx[:], iv)
	for i := 0; i < len(data); i += gfBlockSize {
		gfMulBE(tweak[:], c.lrwKey, idx[:])
		block := data[i : i+gfBlockSize]
		xorBytes(block, block, tweak[:])
		fn(block, block)
		xorBytes(block, block, tweak[:])
		addBE(idx[:], 1)
	}
}

// wipe drops key dependent state
func (c *sectorCipher) wipe() {
	clearSlice(c.lrwKey)
	c.lrwKey = nil
	c.primary, c.secondary, c.essiv = nil, nil, nil
	c.ivPrefix = nil
	c.rekey = nil
}
