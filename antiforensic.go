package cryptodisk

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash"
)

// Anti-forensic splitter as defined by the LUKS1 on-disk format, section 2.4.
// A key of n bytes is stored as `stripes` blocks of n bytes. All blocks but the last one
// are random, the last one is the key XORed with the diffused running XOR of the random blocks.

func hashBlock(h hash.Hash, counter int, src []byte, result []byte) []byte {
	var iv [4]byte
	binary.BigEndian.PutUint32(iv[:], uint32(counter))

	h.Reset()
	h.Write(iv[:])
	h.Write(src)
	return h.Sum(result)
}

// diffuse hashes the buffer digest-sized chunk by chunk, each chunk prefixed with its big-endian index
func diffuse(src []byte, h hash.Hash) []byte {
	size := len(src)
	digestSize := h.Size()
	result := make([]byte, 0, size+digestSize)

	full := size / digestSize
	for i := 0; i < full; i++ {
		result = hashBlock(h, i, src[i*digestSize:(i+1)*digestSize], result)
	}
	if tail := size % digestSize; tail != 0 {
		result = hashBlock(h, full, src[size-tail:], result)
	}
	return result[:size]
}

// afMergeBlocks folds the first blockNum-1 stripes into the running diffusion buffer
func afMergeBlocks(src []byte, blockSize, blockNum int, h hash.Hash) []byte {
	buffer := make([]byte, blockSize)
	for i := 0; i < blockNum-1; i++ {
		xorBytes(buffer, buffer, src[blockSize*i:blockSize*(i+1)])
		d := diffuse(buffer, h)
		clearSlice(buffer)
		buffer = d
	}
	return buffer
}

func afSplit(key []byte, stripes int, h hash.Hash) ([]byte, error) {
	if stripes < 1 {
		return nil, fmt.Errorf("af split: invalid number of stripes %d", stripes)
	}
	blockSize := len(key)
	dest := make([]byte, blockSize*stripes)

	randomDataSize := (stripes - 1) * blockSize
	if _, err := rand.Read(dest[:randomDataSize]); err != nil {
		return nil, err
	}

	buffer := afMergeBlocks(dest, blockSize, stripes, h)
	defer clearSlice(buffer)
	xorBytes(dest[randomDataSize:], key, buffer)

	return dest, nil
}

func afMerge(src []byte, blockSize, stripes int, h hash.Hash) ([]byte, error) {
	if stripes < 1 {
		return nil, fmt.Errorf("af merge: invalid number of stripes %d", stripes)
	}
	if blockSize*stripes > len(src) {
		return nil, fmt.Errorf("af merge input buffer size mismatch %v * %v > %v", blockSize, stripes, len(src))
	}

	buffer := afMergeBlocks(src, blockSize, stripes, h)
	last := src[blockSize*(stripes-1) : blockSize*stripes]
	xorBytes(buffer, buffer, last)

	return buffer, nil
}
