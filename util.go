package cryptodisk

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"

	"github.com/dgryski/go-camellia"
	"github.com/jzelinskie/whirlpool"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/cast5"
	"golang.org/x/crypto/ripemd160"
	"golang.org/x/crypto/sha3"
	"golang.org/x/crypto/twofish"
)

// default sector size, LUKS1 key material and payload offsets are counted in these units
const storageSectorSize = 512

// limits of a volume sector size
const (
	minSectorShift = 9
	maxSectorShift = 20
)

func isPowerOfTwo(x uint) bool {
	return (x & (x - 1)) == 0
}

func roundUp(n int, divider int) int {
	return (n + divider - 1) / divider * divider
}

func fixedArrayToString(buff []byte) string {
	idx := bytes.IndexByte(buff, 0)
	if idx != -1 {
		buff = buff[:idx]
	}
	return string(buff)
}

// uuidMatches compares a UUID filter with a volume UUID ignoring case and dashes. Empty filter matches everything.
func uuidMatches(filter, uuid string) bool {
	if filter == "" {
		return true
	}
	normalize := func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "-", ""))
	}
	return normalize(filter) == normalize(uuid)
}

func clearSlice(slice []byte) {
	for i := range slice {
		slice[i] = 0
	}
}

func xorBytes(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

// getHashAlgo gets hash implementation and the hash size by its name
// If hash is not found then it returns nil as a first argument
func getHashAlgo(name string) (func() hash.Hash, int) {
	// Note that cryptsetup support a few more hash algorithms not implemented here: stribog256, stribog512, sm3
	switch name {
	case "sha1":
		return sha1.New, sha1.Size
	case "sha224":
		return sha256.New224, sha256.Size224
	case "sha256":
		return sha256.New, sha256.Size
	case "sha384":
		return sha512.New384, sha512.Size384
	case "sha512":
		return sha512.New, sha512.Size
	case "sha3-224":
		return sha3.New224, 224 / 8
	case "sha3-256":
		return sha3.New256, 256 / 8
	case "sha3-384":
		return sha3.New384, 384 / 8
	case "sha3-512":
		return sha3.New512, 512 / 8
	case "ripemd160":
		return ripemd160.New, ripemd160.Size
	case "whirlpool":
		return whirlpool.New, 512 / 8
	case "blake2b-160":
		return blake2bConstructor(160)
	case "blake2b-256":
		return blake2bConstructor(256)
	case "blake2b-384":
		return blake2bConstructor(384)
	case "blake2b-512":
		return blake2bConstructor(512)
	case "blake2s-256":
		// blake2s-{128,160,224} are not supported by golang crypto library
		return blake2s256Constructor()
	default:
		return nil, 0
	}
}

// lookupHash is getHashAlgo that reports a missing algorithm as ErrPrimitiveUnavailable
func lookupHash(name string) (func() hash.Hash, error) {
	h, _ := getHashAlgo(name)
	if h == nil {
		return nil, fmt.Errorf("%w: hash %q", ErrPrimitiveUnavailable, name)
	}
	return h, nil
}

func blake2bConstructor(size int) (func() hash.Hash, int) {
	size = size / 8
	return func() hash.Hash {
		h, err := blake2b.New(size, nil)
		if err != nil {
			panic(err)
		}
		return h
	}, size
}

func blake2s256Constructor() (func() hash.Hash, int) {
	return func() hash.Hash {
		h, err := blake2s.New256(nil)
		if err != nil {
			panic(err)
		}
		return h
	}, 256 / 8
}

// blockCipher describes a block cipher implementation. The block size is known
// without a key so that header validation can check mode constraints.
type blockCipher struct {
	name      string
	blockSize int
	newCipher func(key []byte) (cipher.Block, error)
}

var blockCiphers = map[string]blockCipher{
	"aes":      {"aes", aes.BlockSize, aes.NewCipher},
	"camellia": {"camellia", 16, camellia.New},
	"twofish": {"twofish", twofish.BlockSize, func(key []byte) (cipher.Block, error) {
		// twofish.NewCipher returns Cipher type, convert it to cipher.Block
		return twofish.NewCipher(key)
	}},
	"blowfish": {"blowfish", blowfish.BlockSize, func(key []byte) (cipher.Block, error) {
		return blowfish.NewCipher(key)
	}},
	"cast5": {"cast5", cast5.BlockSize, func(key []byte) (cipher.Block, error) {
		return cast5.NewCipher(key)
	}},
	"des":      {"des", des.BlockSize, des.NewCipher},
	"des3_ede": {"des3_ede", des.BlockSize, des.NewTripleDESCipher},
}

// cipher names that are spelled differently by different volume formats
var cipherAliases = map[string]string{
	"3des":        "des3_ede",
	"camellia128": "camellia",
}

func getCipher(name string) (blockCipher, error) {
	if alias, ok := cipherAliases[name]; ok {
		name = alias
	}
	c, ok := blockCiphers[name]
	if !ok {
		return blockCipher{}, fmt.Errorf("%w: cipher %q", ErrPrimitiveUnavailable, name)
	}
	return c, nil
}
