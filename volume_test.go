package cryptodisk

import (
	"io"
	"testing"

	"github.com/anatol/devmapper.go"
	"github.com/stretchr/testify/require"
)

func unlockTestVolume(t *testing.T, img luks1Image) (*memDevice, *Volume) {
	t.Helper()
	dev, _ := img.build(t)
	v, err := NewDispatcher(DefaultFormats()...).Unlock(dev, ScanOptions{}, StaticPassphrase("foobar"))
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return dev, v
}

func TestVolumeReadWrite(t *testing.T) {
	dev, v := unlockTestVolume(t, luks1Image{stripes: 2, payloadSectors: 8})
	require.Equal(t, int64(8*512), v.Size())

	before := make([]byte, 2048)
	_, err := v.ReadAt(before, 0)
	require.NoError(t, err)

	data := randomBytes(t, 1500)
	n, err := v.WriteAt(data, 300)
	require.NoError(t, err)
	require.Equal(t, 1500, n)

	// ciphertext does not contain the plaintext
	payload := dev.data[v.Descriptor().PayloadOffset*storageSectorSize:]
	require.NotEqual(t, data, payload[300:1800])

	buf := make([]byte, 1500)
	n, err = v.ReadAt(buf, 300)
	require.NoError(t, err)
	require.Equal(t, 1500, n)
	require.Equal(t, data, buf)

	// bytes around the written range are preserved
	after := make([]byte, 2048)
	_, err = v.ReadAt(after, 0)
	require.NoError(t, err)
	require.Equal(t, before[:300], after[:300])
	require.Equal(t, before[1800:], after[1800:])

	// sector aligned writes
	aligned := randomBytes(t, 1024)
	_, err = v.WriteAt(aligned, 2048)
	require.NoError(t, err)
	sectors := make([]byte, 1024)
	copy(sectors, payload[2048:3072])
	require.NoError(t, v.Decrypt(4, sectors))
	require.Equal(t, aligned, sectors)
}

func TestVolumeEncryptMatchesWrite(t *testing.T) {
	dev, v := unlockTestVolume(t, luks1Image{mode: "cbc-essiv:sha256", keyBytes: 32, stripes: 2})

	data := randomBytes(t, 512)
	_, err := v.WriteAt(data, 512*3)
	require.NoError(t, err)

	expected := append([]byte(nil), data...)
	require.NoError(t, v.Encrypt(3, expected))
	payload := dev.data[v.Descriptor().PayloadOffset*storageSectorSize:]
	require.Equal(t, expected, payload[512*3:512*4])
}

func TestVolumeEOF(t *testing.T) {
	_, v := unlockTestVolume(t, luks1Image{stripes: 2, payloadSectors: 4})

	buf := make([]byte, 1000)
	n, err := v.ReadAt(buf, 4*512-100)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 100, n)

	_, err = v.ReadAt(buf, 4*512)
	require.ErrorIs(t, err, io.EOF)

	_, err = v.WriteAt(buf, 4*512-100)
	require.Error(t, err)

	_, err = v.ReadAt(buf, -1)
	require.Error(t, err)
}

func TestVolumeReadOnly(t *testing.T) {
	dev, _ := luks1Image{stripes: 2}.build(t)
	v, err := NewDispatcher(DefaultFormats()...).Unlock(readOnlyDevice{dev}, ScanOptions{}, StaticPassphrase("foobar"))
	require.NoError(t, err)
	defer v.Close()

	_, err = v.WriteAt(make([]byte, 512), 0)
	require.Error(t, err)

	_, err = v.ReadAt(make([]byte, 512), 0)
	require.NoError(t, err)
}

func TestVolumeClose(t *testing.T) {
	_, v := unlockTestVolume(t, luks1Image{stripes: 2})
	require.NotEmpty(t, v.Key())

	require.NoError(t, v.Close())
	require.Nil(t, v.Key())
	require.ErrorIs(t, v.Decrypt(0, make([]byte, 512)), ErrVolumeClosed)
	require.ErrorIs(t, v.Encrypt(0, make([]byte, 512)), ErrVolumeClosed)
	_, err := v.ReadAt(make([]byte, 10), 0)
	require.ErrorIs(t, err, ErrVolumeClosed)
	require.ErrorIs(t, v.SetupMapper("/dev/null", "foo"), ErrVolumeClosed)

	// second close is a no-op
	require.NoError(t, v.Close())
}

func TestCryptTable(t *testing.T) {
	_, v := unlockTestVolume(t, luks1Image{stripes: 2, payloadSectors: 32})

	table, err := v.cryptTable("/dev/loop7", []string{FlagAllowDiscards, FlagNoReadWorkqueue})
	require.NoError(t, err)
	require.Equal(t, uint64(32*512), table.Length)
	require.Equal(t, "/dev/loop7", table.BackendDevice)
	require.Equal(t, v.Descriptor().PayloadOffset*512, table.BackendOffset)
	require.Equal(t, "aes-xts-plain64", table.Encryption)
	require.Equal(t, v.Key(), table.Key)
	require.Equal(t, []string{devmapper.CryptFlagAllowDiscards, devmapper.CryptFlagNoReadWorkqueue}, table.Flags)

	_, err = v.cryptTable("/dev/loop7", []string{"foo"})
	require.Error(t, err)
}

func TestCryptTableGeli(t *testing.T) {
	dev, _ := geliImage{}.build(t)
	v, err := NewDispatcher(DefaultFormats()...).Unlock(dev, ScanOptions{}, StaticPassphrase("foobar"))
	require.NoError(t, err)
	defer v.Close()

	_, err = v.cryptTable("/dev/loop7", nil)
	require.Error(t, err)
}

func TestVolumeEmptyGeli(t *testing.T) {
	tests := []struct {
		name  string
		image geliImage
	}{
		{"metadata sector only", geliImage{version: 4, alg: 0x0b, keyLen: 128, sectorSize: 512, dataSectors: 1}},
		{"shorter than one volume sector", geliImage{sectorSize: 4096, dataSectors: 1}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			dev, _ := test.image.build(t)
			// drop the first data sector, the metadata in the last one stays
			dev.data = dev.data[storageSectorSize:]

			v, err := NewDispatcher(DefaultFormats()...).Unlock(dev, ScanOptions{}, StaticPassphrase("foobar"))
			require.NoError(t, err)
			defer v.Close()
			require.True(t, v.Descriptor().SizeKnown)
			require.Zero(t, v.Descriptor().TotalSectors)
			require.Zero(t, v.Size())

			buf := make([]byte, 512)
			n, err := v.ReadAt(buf, 0)
			require.ErrorIs(t, err, io.EOF)
			require.Zero(t, n)
			require.Equal(t, make([]byte, 512), buf)

			_, err = v.WriteAt(buf, 0)
			require.Error(t, err)
		})
	}
}

func TestVolumeLuks1PayloadAtDeviceEnd(t *testing.T) {
	dev, _ := luks1Image{stripes: 2}.build(t)
	desc, err := Luks1Format{}.Scan(dev, ScanOptions{})
	require.NoError(t, err)
	dev.data = dev.data[:desc.PayloadOffset*storageSectorSize]

	v, err := NewDispatcher(DefaultFormats()...).Unlock(dev, ScanOptions{}, StaticPassphrase("foobar"))
	require.NoError(t, err)
	defer v.Close()
	require.True(t, v.Descriptor().SizeKnown)
	require.Zero(t, v.Descriptor().TotalSectors)

	n, err := v.ReadAt(make([]byte, 512), 0)
	require.ErrorIs(t, err, io.EOF)
	require.Zero(t, n)

	_, err = v.cryptTable("/dev/loop7", nil)
	require.ErrorContains(t, err, "no payload sectors")
}

func TestVolumeUnknownSize(t *testing.T) {
	dev, _ := luks1Image{stripes: 2, payloadSectors: 4}.build(t)
	dev.unknownSize = true

	v, err := NewDispatcher(DefaultFormats()...).Unlock(dev, ScanOptions{}, StaticPassphrase("foobar"))
	require.NoError(t, err)
	defer v.Close()
	require.False(t, v.Descriptor().SizeKnown)

	// reads are bounded by the device only
	n, err := v.ReadAt(make([]byte, 4*512), 0)
	require.NoError(t, err)
	require.Equal(t, 4*512, n)
	_, err = v.ReadAt(make([]byte, 512), 4*512)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = v.cryptTable("/dev/loop7", nil)
	require.ErrorContains(t, err, "size is unknown")
}
