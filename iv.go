package cryptodisk

import "encoding/binary"

// computeIV fills iv (cipher block size long) for the given volume sector
func (c *sectorCipher) computeIV(iv []byte, sector uint64) {
	clearSlice(iv)

	var tmp [8]byte
	switch c.ivMode {
	case IVNull:
	case IVPlain:
		binary.LittleEndian.PutUint32(tmp[:4], uint32(sector))
		copy(iv, tmp[:4])
	case IVPlain64:
		binary.LittleEndian.PutUint64(tmp[:], sector)
		copy(iv, tmp[:])
	case IVBenbi:
		// big-endian count of cipher blocks, starting from 1
		num := (sector << c.benbiShift) + 1
		binary.BigEndian.PutUint64(iv[len(iv)-8:], num)
	case IVEssiv:
		binary.LittleEndian.PutUint64(tmp[:], sector)
		copy(iv, tmp[:])
		c.essiv.Encrypt(iv, iv)
	case IVByteCount64:
		binary.LittleEndian.PutUint64(tmp[:], sector<<c.sectorShift)
		copy(iv, tmp[:])
	case IVByteCount64Hash:
		binary.LittleEndian.PutUint64(tmp[:], sector<<c.sectorShift)
		sum := hashBuffers(c.ivHash, c.ivPrefix, tmp[:])
		copy(iv, sum)
	}
}
