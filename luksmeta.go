package cryptodisk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"unsafe"

	"github.com/google/uuid"
)

// Token represents LUKS token metadata information
type Token struct {
	ID    int
	Slots []int
	// Type of the token e.g. "clevis"
	Type     string
	TypeUUID uuid.UUID
	Payload  []byte
}

var luksMetaMagic = []byte("LUKSMETA")

type luksMetaSlot struct {
	UUID   [16]byte
	Offset uint32
	Length uint32
	Crc32  uint32
	_      uint32
}

type luksMetaHeader struct {
	Magic   [8]byte
	Version uint32
	Crc32   uint32
	Slots   [8]luksMetaSlot
}

// LUKSMeta stores its header in the gap between LUKS1 key material and the payload
const luksMetaAlignment = 4096

// known LUKSMeta token types
var luksMetaTokenTypes = map[uuid.UUID]string{
	uuid.MustParse("cb6e8904-81ff-40da-a84a-07ab9ab5715e"): "clevis",
}

// Luks1Tokens reads non-standard metadata information stored next to a LUKS1 header.
// It follows implementation defined at https://github.com/latchset/luksmeta
// A volume without LUKSMeta area has no tokens.
func Luks1Tokens(dev BlockDevice, desc *Descriptor) ([]Token, error) {
	if desc.Luks1 == nil {
		return nil, fmt.Errorf("%s volumes do not have LUKSMeta tokens", desc.Format)
	}

	var hdr luksMetaHeader
	data := make([]byte, unsafe.Sizeof(hdr))

	var holeOffset int
	for _, s := range desc.Luks1.KeySlots {
		end := int(s.KeyMaterialOffset)*storageSectorSize + desc.KeyBytes*int(s.Stripes)
		if holeOffset < end {
			holeOffset = end
		}
	}
	holeOffset = roundUp(holeOffset, luksMetaAlignment)

	tokens := make([]Token, 0)
	if uint64(holeOffset+len(data)) > desc.PayloadOffset*storageSectorSize {
		// no room for LUKSMeta before the payload
		return tokens, nil
	}

	if _, err := dev.ReadAt(data, int64(holeOffset)); err != nil {
		return nil, err
	}
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &hdr); err != nil {
		return nil, err
	}

	if !bytes.Equal(hdr.Magic[:], luksMetaMagic) {
		return tokens, nil
	}

	crcFieldOffset := unsafe.Offsetof(hdr.Crc32)
	clearSlice(data[crcFieldOffset : crcFieldOffset+4])
	if crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli)) != hdr.Crc32 {
		return nil, fmt.Errorf("LUKSMeta header CRC error")
	}

	for i, s := range hdr.Slots {
		typeUUID := uuid.UUID(s.UUID)
		if typeUUID == uuid.Nil {
			continue
		}

		payload := make([]byte, s.Length)
		if _, err := dev.ReadAt(payload, int64(holeOffset)+int64(s.Offset)); err != nil {
			return nil, err
		}
		if crc32.Checksum(payload, crc32.MakeTable(crc32.Castagnoli)) != s.Crc32 {
			return nil, fmt.Errorf("LUKSMeta token #%d CRC error", i)
		}

		tokens = append(tokens, Token{
			ID:       i,
			Slots:    []int{i},
			Type:     luksMetaTokenTypes[typeUUID],
			TypeUUID: typeUUID,
			Payload:  payload,
		})
	}

	return tokens, nil
}
