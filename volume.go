package cryptodisk

import (
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
)

// Volume is an unlocked encrypted volume. It owns the recovered master key and the
// cipher state used to decrypt and encrypt payload sectors.
// A Volume is not safe for concurrent use.
type Volume struct {
	dev    BlockDevice
	desc   *Descriptor
	cipher *sectorCipher

	// key material lives in locked memory and is wiped by Close
	key      *memguard.LockedBuffer
	rekeyKey *memguard.LockedBuffer
	ivPrefix *memguard.LockedBuffer
}

// ErrVolumeClosed is returned by I/O methods of a closed Volume
var ErrVolumeClosed = errors.New("volume is closed")

// newVolume installs the master key, the key slice is wiped
func newVolume(dev BlockDevice, desc *Descriptor, key []byte) (*Volume, error) {
	defer clearSlice(key)

	ciph, err := newSectorCipher(desc)
	if err != nil {
		return nil, err
	}
	if err := ciph.setKey(key); err != nil {
		ciph.wipe()
		return nil, err
	}

	v := &Volume{
		dev:    dev,
		desc:   desc,
		cipher: ciph,
		key:    memguard.NewBufferFromBytes(key),
	}
	v.key.Freeze()
	return v, nil
}

func (v *Volume) setIVPrefix(prefix []byte) {
	v.ivPrefix = lockedCopy(prefix)
	v.cipher.setIVPrefix(v.ivPrefix.Bytes())
}

// setRekey makes the volume switch keys every 2^shift sectors. Zone keys are derived from rekeyKey by fn.
func (v *Volume) setRekey(rekeyKey []byte, shift uint, fn func(rekeyKey []byte, zone uint64) ([]byte, error)) {
	v.rekeyKey = lockedCopy(rekeyKey)
	v.cipher.setRekey(func(zone uint64) ([]byte, error) {
		return fn(v.rekeyKey.Bytes(), zone)
	}, shift)
}

func lockedCopy(data []byte) *memguard.LockedBuffer {
	b := memguard.NewBuffer(len(data))
	b.Copy(data)
	b.Freeze()
	return b
}

// Descriptor returns the description of the volume
func (v *Volume) Descriptor() *Descriptor {
	return v.desc
}

// Key returns a copy of the master key. Callers should wipe it after use.
func (v *Volume) Key() []byte {
	if v.key == nil {
		return nil
	}
	return append([]byte(nil), v.key.Bytes()...)
}

// Decrypt decrypts whole volume sectors in place, sector is the index of the first one
func (v *Volume) Decrypt(sector uint64, buf []byte) error {
	if v.cipher == nil {
		return ErrVolumeClosed
	}
	return v.cipher.decrypt(sector, buf)
}

// Encrypt encrypts whole volume sectors in place, sector is the index of the first one
func (v *Volume) Encrypt(sector uint64, buf []byte) error {
	if v.cipher == nil {
		return ErrVolumeClosed
	}
	return v.cipher.encrypt(sector, buf)
}

// Size returns plaintext size of the volume in bytes, zero if unknown. See Descriptor.SizeKnown.
func (v *Volume) Size() int64 {
	return int64(v.desc.TotalSectors) << v.desc.SectorShift
}

// span returns the sector aligned region covering len bytes at off, possibly truncated at the end of the volume
func (v *Volume) span(off int64, length int) (first uint64, buf []byte, n int, err error) {
	if off < 0 {
		return 0, nil, 0, fmt.Errorf("negative offset %d", off)
	}
	n = length
	if v.desc.SizeKnown {
		size := v.Size()
		if off >= size {
			return 0, nil, 0, io.EOF
		}
		if off+int64(n) > size {
			n = int(size - off)
		}
	}

	sectorSize := int64(v.desc.SectorSize())
	start := off / sectorSize
	end := (off + int64(n) + sectorSize - 1) / sectorSize
	return uint64(start), make([]byte, (end-start)*sectorSize), n, nil
}

func (v *Volume) devOffset(sector uint64) int64 {
	return int64(v.desc.PayloadOffset*storageSectorSize) + int64(sector<<v.desc.SectorShift)
}

// ReadAt reads decrypted payload. Offsets are relative to the start of the payload
// and do not have to be sector aligned.
func (v *Volume) ReadAt(p []byte, off int64) (int, error) {
	if v.cipher == nil {
		return 0, ErrVolumeClosed
	}
	first, buf, n, err := v.span(off, len(p))
	if err != nil {
		return 0, err
	}
	defer clearSlice(buf)

	if read, err := v.dev.ReadAt(buf, v.devOffset(first)); read != len(buf) {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	if err := v.cipher.decrypt(first, buf); err != nil {
		return 0, err
	}

	copy(p, buf[off-int64(first<<v.desc.SectorShift):])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt encrypts and writes payload data. The underlying device must implement io.WriterAt.
// Partially covered sectors are read, modified and written back.
func (v *Volume) WriteAt(p []byte, off int64) (int, error) {
	if v.cipher == nil {
		return 0, ErrVolumeClosed
	}
	w, ok := v.dev.(io.WriterAt)
	if !ok {
		return 0, fmt.Errorf("device %T is read-only", v.dev)
	}
	first, buf, n, err := v.span(off, len(p))
	if err != nil {
		return 0, err
	}
	defer clearSlice(buf)
	if n < len(p) {
		return 0, fmt.Errorf("write of %d bytes at %d goes beyond the end of the volume", len(p), off)
	}

	sectorSize := v.desc.SectorSize()
	head := int(off - int64(first<<v.desc.SectorShift))
	if head != 0 || len(p)%sectorSize != 0 {
		if read, err := v.dev.ReadAt(buf, v.devOffset(first)); read != len(buf) {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if err := v.cipher.decrypt(first, buf); err != nil {
			return 0, err
		}
	}

	copy(buf[head:], p)
	if err := v.cipher.encrypt(first, buf); err != nil {
		return 0, err
	}
	if _, err := w.WriteAt(buf, v.devOffset(first)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close wipes the key material. The volume cannot be used afterwards.
func (v *Volume) Close() error {
	if v.cipher != nil {
		v.cipher.wipe()
		v.cipher = nil
	}
	for _, b := range []*memguard.LockedBuffer{v.key, v.rekeyKey, v.ivPrefix} {
		if b != nil {
			b.Destroy()
		}
	}
	v.key, v.rekeyKey, v.ivPrefix = nil, nil, nil
	return nil
}
