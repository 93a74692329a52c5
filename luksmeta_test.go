package cryptodisk

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var clevisUUID = uuid.MustParse("cb6e8904-81ff-40da-a84a-07ab9ab5715e")

// writeLuksMeta stores tokens into the LUKSMeta area, slot index -> payload
func writeLuksMeta(t *testing.T, dev *memDevice, holeOffset int, tokens map[int]string, types map[int]uuid.UUID) {
	hdr := luksMetaHeader{Version: 1}
	copy(hdr.Magic[:], luksMetaMagic)

	castagnoli := crc32.MakeTable(crc32.Castagnoli)
	offset := uint32(4096)
	for slot, payload := range tokens {
		s := &hdr.Slots[slot]
		s.UUID = types[slot]
		s.Offset = offset
		s.Length = uint32(len(payload))
		s.Crc32 = crc32.Checksum([]byte(payload), castagnoli)
		copy(dev.data[holeOffset+int(offset):], payload)
		offset += 4096
	}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, &hdr))
	hdr.Crc32 = crc32.Checksum(buf.Bytes(), castagnoli)
	buf.Reset()
	require.NoError(t, binary.Write(&buf, binary.BigEndian, &hdr))
	copy(dev.data[holeOffset:], buf.Bytes())
}

func TestLuks1Tokens(t *testing.T) {
	// key material of 8 slots ends in sector 16, LUKSMeta lives at 8KiB
	img := luks1Image{keyBytes: 64, stripes: 1, gapSectors: 32}
	dev, _ := img.build(t)
	const holeOffset = 8192

	desc, err := Luks1Format{}.Scan(dev, ScanOptions{})
	require.NoError(t, err)

	tokens, err := Luks1Tokens(dev, desc)
	require.NoError(t, err)
	require.Empty(t, tokens)

	other := uuid.MustParse("6a6888f3-445d-479b-bc39-1b64e7215464")
	writeLuksMeta(t, dev, holeOffset,
		map[int]string{3: "testdata1", 6: "testdata2"},
		map[int]uuid.UUID{3: clevisUUID, 6: other})

	tokens, err = Luks1Tokens(dev, desc)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	require.Equal(t, 3, tokens[0].ID)
	require.Equal(t, []int{3}, tokens[0].Slots)
	require.Equal(t, "clevis", tokens[0].Type)
	require.Equal(t, "testdata1", string(tokens[0].Payload))
	require.Equal(t, 6, tokens[1].ID)
	require.Equal(t, "", tokens[1].Type)
	require.Equal(t, other, tokens[1].TypeUUID)
	require.Equal(t, "testdata2", string(tokens[1].Payload))

	// corrupted token payload
	dev.data[holeOffset+4096] ^= 1
	_, err = Luks1Tokens(dev, desc)
	require.Error(t, err)

	// corrupted header
	dev.data[holeOffset+4096] ^= 1
	dev.data[holeOffset+20] ^= 1
	_, err = Luks1Tokens(dev, desc)
	require.Error(t, err)
}

func TestLuks1TokensNoRoom(t *testing.T) {
	dev, _ := luks1Image{keyBytes: 64, stripes: 1}.build(t)
	desc, err := Luks1Format{}.Scan(dev, ScanOptions{})
	require.NoError(t, err)

	tokens, err := Luks1Tokens(dev, desc)
	require.NoError(t, err)
	require.Empty(t, tokens)
}

func TestLuks1TokensGeli(t *testing.T) {
	dev, _ := geliImage{}.build(t)
	desc, err := GeliFormat{}.Scan(dev, ScanOptions{})
	require.NoError(t, err)
	_, err = Luks1Tokens(dev, desc)
	require.Error(t, err)
}

func TestReadLuksMetaInitialized(t *testing.T) {
	if _, err := exec.LookPath("luksmeta"); err != nil {
		t.Skip("luksmeta is not installed")
	}
	t.Parallel()

	password := "barfoo"
	disk := prepareLuks1Disk(t, password)
	defer os.Remove(disk.Name())
	disk.Close()

	// now let's init luksmeta slots
	initMeta := exec.Command("luksmeta", "init", "-f", "-d", disk.Name())
	if testing.Verbose() {
		initMeta.Stdout = os.Stdout
		initMeta.Stderr = os.Stderr
	}
	require.NoError(t, initMeta.Run())

	saveMeta := func(slot, id, data string) {
		cmd := exec.Command("luksmeta", "save", "-d", disk.Name(), "-s", slot, "-u", id)
		cmd.Stdin = strings.NewReader(data)
		if testing.Verbose() {
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
		}
		require.NoError(t, cmd.Run())
	}
	saveMeta("3", "6a6888f3-445d-479b-bc39-1b64e7215464", "testdata1")
	saveMeta("6", clevisUUID.String(), "testdata2")

	dev, err := OpenDevice(disk.Name())
	require.NoError(t, err)
	defer dev.Close()

	desc, err := Luks1Format{}.Scan(dev, ScanOptions{})
	require.NoError(t, err)

	tokens, err := Luks1Tokens(dev, desc)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	t1 := tokens[0]
	require.Equal(t, 3, t1.ID)
	require.Equal(t, "testdata1", string(t1.Payload), "Wrong metadata for token %d", t1.ID)
	t2 := tokens[1]
	require.Equal(t, 6, t2.ID)
	require.Equal(t, "clevis", t2.Type)
	require.Equal(t, "testdata2", string(t2.Payload), "Wrong metadata for token %d", t2.ID)

	// check that we can unlock data for a partition with luks tokens
	v, err := Luks1Format{}.RecoverKey(dev, desc, []byte(password))
	require.NoError(t, err)
	require.NoError(t, v.Close())
}
