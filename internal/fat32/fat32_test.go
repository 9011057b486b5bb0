package fat32

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// memDevice is an in-memory BlockDevice backing a synthesized FAT32 image,
// standing in for the SD host controller the real filesystem reads/writes
// through.
type memDevice struct {
	sectors [][]byte
}

func newMemDevice(totalSectors int) *memDevice {
	d := &memDevice{sectors: make([][]byte, totalSectors)}
	for i := range d.sectors {
		d.sectors[i] = make([]byte, SectorSize)
	}
	return d
}

func (d *memDevice) ReadSector(sector uint32, data []byte) error {
	copy(data, d.sectors[sector])
	return nil
}

func (d *memDevice) WriteSector(sector uint32, data []byte) error {
	copy(d.sectors[sector], data)
	return nil
}

const (
	testSecPerClus = 1
	testRsvdSecCnt = 2
	testNumFATs    = 1
	testFATSz32    = 4
	testTotSec32   = 64
	testRootClus   = 2
)

// buildImage synthesizes a minimal FAT32 volume: one boot sector, one FAT,
// a root directory occupying its own single cluster, with no files yet.
func buildImage(t *testing.T) *memDevice {
	t.Helper()
	dev := newMemDevice(testTotSec32)

	boot := dev.sectors[0]
	boot[0], boot[1], boot[2] = 0xEB, 0x00, 0x90
	binary.LittleEndian.PutUint16(boot[11:13], SectorSize)
	boot[13] = testSecPerClus
	binary.LittleEndian.PutUint16(boot[14:16], testRsvdSecCnt)
	boot[16] = testNumFATs
	binary.LittleEndian.PutUint16(boot[17:19], 0) // RootEntCnt = 0 (FAT32)
	binary.LittleEndian.PutUint32(boot[32:36], testTotSec32)
	binary.LittleEndian.PutUint32(boot[36:40], testFATSz32)
	binary.LittleEndian.PutUint32(boot[44:48], testRootClus)
	boot[510], boot[511] = 0x55, 0xAA

	// Mark the root cluster's FAT entry as end-of-chain.
	fat := dev.sectors[testRsvdSecCnt]
	binary.LittleEndian.PutUint32(fat[testRootClus*4:testRootClus*4+4], ClusterEOCMin)

	return dev
}

func TestMountParsesBPB(t *testing.T) {
	dev := buildImage(t)
	m, err := Mount(dev)
	require.NoError(t, err)
	require.EqualValues(t, SectorSize, m.bpb.BytsPerSec)
	require.EqualValues(t, testSecPerClus, m.bpb.SecPerClus)
	require.EqualValues(t, testRsvdSecCnt+testNumFATs*testFATSz32, m.bpb.FirstDataSector)
	require.EqualValues(t, testTotSec32/testSecPerClus, m.bpb.TotalClusters)
}

func TestMountRejectsBadSignature(t *testing.T) {
	dev := buildImage(t)
	dev.sectors[0][511] = 0x00
	_, err := Mount(dev)
	require.Error(t, err)
}

func TestCreateAndLookupFile(t *testing.T) {
	dev := buildImage(t)
	m, err := Mount(dev)
	require.NoError(t, err)

	h, err := m.Create("HELLO.TXT")
	require.NoError(t, err)
	require.NotNil(t, h)

	found, err := m.Lookup("HELLO.TXT")
	require.NoError(t, err)
	require.Equal(t, "HELLO.TXT", found.Name)
	require.EqualValues(t, 0, found.Size)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	dev := buildImage(t)
	m, err := Mount(dev)
	require.NoError(t, err)

	h, err := m.Create("DATA.BIN")
	require.NoError(t, err)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	n, err := h.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	r, err := m.Open("DATA.BIN")
	require.NoError(t, err)
	buf := make([]byte, len(payload))
	n, err = r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
}

func TestWriteSpanningMultipleClusters(t *testing.T) {
	dev := buildImage(t)
	m, err := Mount(dev)
	require.NoError(t, err)

	h, err := m.Create("BIG.BIN")
	require.NoError(t, err)

	// Larger than one cluster (SectorSize*SecPerClus == 512 bytes here),
	// forcing extendDirentByOneCluster to run at least once.
	payload := make([]byte, SectorSize*2+37)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	n, err := h.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	r, err := m.Open("BIG.BIN")
	require.NoError(t, err)
	buf := make([]byte, len(payload))
	n, err = r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
}

func TestReopenSeesWrittenSize(t *testing.T) {
	dev := buildImage(t)
	m, err := Mount(dev)
	require.NoError(t, err)

	h, err := m.Create("MYFILE2.TXT")
	require.NoError(t, err)

	payload := make([]byte, 79)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	n, err := h.Write(payload)
	require.NoError(t, err)
	require.Equal(t, 79, n)

	// Remount from the same device: everything must have hit the "disk".
	m2, err := Mount(dev)
	require.NoError(t, err)
	found, err := m2.Lookup("MYFILE2.TXT")
	require.NoError(t, err)
	require.EqualValues(t, 79, found.Size)

	r, err := m2.Open("MYFILE2.TXT")
	require.NoError(t, err)
	buf := make([]byte, 79)
	n, err = r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 79, n)
	require.Equal(t, payload, buf)
}

func TestOverwriteKeepsSize(t *testing.T) {
	dev := buildImage(t)
	m, err := Mount(dev)
	require.NoError(t, err)

	h, err := m.Create("KEEP.TXT")
	require.NoError(t, err)
	_, err = h.Write([]byte("0123456789"))
	require.NoError(t, err)

	// Rewriting the front of the file must not shrink the recorded size.
	w, err := m.Open("KEEP.TXT")
	require.NoError(t, err)
	_, err = w.Write([]byte("abc"))
	require.NoError(t, err)

	found, err := m.Lookup("KEEP.TXT")
	require.NoError(t, err)
	require.EqualValues(t, 10, found.Size)

	r, err := m.Open("KEEP.TXT")
	require.NoError(t, err)
	buf := make([]byte, 10)
	_, err = r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, []byte("abc3456789"), buf)
}

func TestCreateInSubdirectory(t *testing.T) {
	dev := buildImage(t)
	m, err := Mount(dev)
	require.NoError(t, err)

	sub, err := m.CreateEntry(m.Root(), "SUB", true, AttrDirectory)
	require.NoError(t, err)
	require.True(t, sub.IsDir)

	h, err := m.Create("SUB/NOTE.TXT")
	require.NoError(t, err)
	_, err = h.Write([]byte("hi"))
	require.NoError(t, err)

	found, err := m.Lookup("SUB/NOTE.TXT")
	require.NoError(t, err)
	require.EqualValues(t, 2, found.Size)
}

func TestLookupMissingFails(t *testing.T) {
	dev := buildImage(t)
	m, err := Mount(dev)
	require.NoError(t, err)

	_, err = m.Lookup("NOPE.TXT")
	require.Error(t, err)
}

func TestShortnameRoundTrip(t *testing.T) {
	cases := []string{"HELLO.TXT", "README", "A.C"}
	for _, name := range cases {
		packed := nameToShortname(name)
		require.Len(t, packed, 11)
		require.Equal(t, name, shortnameToName(packed))
	}
}
