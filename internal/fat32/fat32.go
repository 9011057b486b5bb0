// Package fat32 implements the FAT32 filesystem mounted over an SD host
// controller: BPB parsing, FAT sector/offset arithmetic, a lazy two-
// sector free-cluster scan, 32-byte short-name-only directory entries,
// and a cluster-chain walk for file read/write. The SD host controller is
// modeled as a narrow BlockDevice interface so tests can run against an
// in-memory image instead of real hardware.
package fat32

import (
	"encoding/binary"
	"strings"

	"github.com/aos-course/init-runtime/internal/errs"
)

// SectorSize is the SD host controller's block size (SDHC_BLOCK_SIZE).
const SectorSize = 512

// DirEntrySize is the size of one on-disk directory entry.
const DirEntrySize = 32

// Directory entry field offsets.
const (
	dirName      = 0
	dirAttr      = 11
	dirFstClusHi = 20
	dirFstClusLo = 26
	dirFileSize  = 28
)

// Attribute bits (FAT32 on-disk attribute byte).
const (
	AttrReadOnly  = 0x01
	AttrDirectory = 0x10
	AttrArchive   = 0x20
)

// Sentinel first-byte markers for a directory entry slot.
const (
	dirEntryFreed   = 0xE5 // entry was deleted; slot reusable
	dirEntryAllFree = 0x00 // this and all following entries are free
)

// Cluster number sentinels (FAT32 entries are 28 significant bits).
const (
	clusterFreeMask = 0x0FFFFFFF
	ClusterFree     = 0x00000000
	ClusterEOCMin   = 0x0FFFFFF8
	ClusterBad      = 0x0FFFFFF7
	firstDataClus   = 2
)

func isEOC(cluster uint32) bool {
	return cluster&clusterFreeMask >= ClusterEOCMin
}

// BlockDevice is the narrow SD-host-controller surface the filesystem
// needs: logical block read/write by sector number, matching
// sd_read_sector/sd_write_sector's contract of "512 bytes, blocking".
type BlockDevice interface {
	ReadSector(sector uint32, data []byte) error
	WriteSector(sector uint32, data []byte) error
}

// BPB holds the boot parameter block fields the filesystem relies on and
// the values derived from them.
type BPB struct {
	BytsPerSec uint16
	SecPerClus uint8
	RsvdSecCnt uint16
	NumFATs    uint8
	RootEntCnt uint16
	RootClus   uint32
	TotSec32   uint32
	FATSz32    uint32

	FirstDataSector uint32
	TotalClusters   uint32
}

// ParseBPB extracts the boot parameter block fields from sector 0,
// validating the boot-sector signature and jump-instruction byte.
func ParseBPB(sector []byte) (*BPB, error) {
	if len(sector) < SectorSize {
		return nil, errs.New(errs.KindInvalidPayload, "fat32: short boot sector")
	}
	if sector[510] != 0x55 || sector[511] != 0xAA {
		return nil, errs.New(errs.KindInvalidPayload, "fat32: missing boot sector signature")
	}
	if !(sector[0] == 0xEB && sector[2] == 0x90) && sector[0] != 0xE9 {
		return nil, errs.New(errs.KindInvalidPayload, "fat32: unrecognized jump instruction")
	}

	b := &BPB{
		BytsPerSec: binary.LittleEndian.Uint16(sector[11:13]),
		SecPerClus: sector[13],
		RsvdSecCnt: binary.LittleEndian.Uint16(sector[14:16]),
		NumFATs:    sector[16],
		RootEntCnt: binary.LittleEndian.Uint16(sector[17:19]),
		TotSec32:   binary.LittleEndian.Uint32(sector[32:36]),
		FATSz32:    binary.LittleEndian.Uint32(sector[36:40]),
		RootClus:   binary.LittleEndian.Uint32(sector[44:48]),
	}
	if b.RootEntCnt != 0 {
		return nil, errs.New(errs.KindInvalidPayload, "fat32: non-zero root entry count (not FAT32)")
	}
	b.FirstDataSector = uint32(b.RsvdSecCnt) + uint32(b.NumFATs)*b.FATSz32
	b.TotalClusters = b.TotSec32 / uint32(b.SecPerClus)
	return b, nil
}

// firstSectorOfCluster is FIRST_SECTOR_OF_CLUSTER(n).
func (b *BPB) firstSectorOfCluster(cluster uint32) uint32 {
	return (cluster-firstDataClus)*uint32(b.SecPerClus) + b.FirstDataSector
}

// fatSectorOffset is FAT_SECTOR(n)/FAT_OFFSET(n): the sector and
// byte-offset within that sector holding cluster n's FAT entry.
func (b *BPB) fatSectorOffset(cluster uint32) (sector uint32, offset uint32) {
	sector = uint32(b.RsvdSecCnt) + (cluster*4)/uint32(b.BytsPerSec)
	offset = (cluster * 4) % uint32(b.BytsPerSec)
	return
}

// Dirent is the in-memory representation of a parsed 32-byte directory
// entry, plus its on-disk location so a later write-back knows where to
// land.
type Dirent struct {
	Name       string
	Attr       uint8
	FstCluster uint32
	Size       uint32
	IsDir      bool

	sector       uint32
	sectorOffset uint32
}

func parseDirent(buf []byte, sector, offset uint32) *Dirent {
	attr := buf[dirAttr]
	return &Dirent{
		Name:         shortnameToName(buf[dirName : dirName+11]),
		Attr:         attr,
		IsDir:        attr == AttrDirectory,
		FstCluster:   uint32(binary.LittleEndian.Uint16(buf[dirFstClusHi:dirFstClusHi+2]))<<16 | uint32(binary.LittleEndian.Uint16(buf[dirFstClusLo:dirFstClusLo+2])),
		Size:         binary.LittleEndian.Uint32(buf[dirFileSize : dirFileSize+4]),
		sector:       sector,
		sectorOffset: offset,
	}
}

func marshallDirent(d *Dirent, buf []byte) {
	for i := range buf[:DirEntrySize] {
		buf[i] = 0
	}
	copy(buf[dirName:dirName+11], nameToShortname(d.Name))
	buf[dirAttr] = d.Attr
	binary.LittleEndian.PutUint16(buf[dirFstClusHi:dirFstClusHi+2], uint16(d.FstCluster>>16))
	binary.LittleEndian.PutUint16(buf[dirFstClusLo:dirFstClusLo+2], uint16(d.FstCluster&0xFFFF))
	binary.LittleEndian.PutUint32(buf[dirFileSize:dirFileSize+4], d.Size)
}

// shortnameToName turns an 11-byte space-padded 8.3 field into "NAME.EXT".
func shortnameToName(shortname []byte) string {
	base := strings.TrimRight(string(shortname[:8]), " ")
	ext := strings.TrimRight(string(shortname[8:11]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// nameToShortname is the inverse of shortnameToName: "NAME.EXT" packed
// into an 11-byte space-padded 8.3 field, short-name only (no
// long-filename entries).
func nameToShortname(name string) []byte {
	out := []byte("           ")
	if name == "." || name == ".." {
		copy(out, strings.ToUpper(name))
		return out
	}
	base, ext, hasExt := strings.Cut(name, ".")
	base = strings.ToUpper(base)
	if len(base) > 8 {
		base = base[:8]
	}
	copy(out[0:8], base)
	if hasExt {
		ext = strings.ToUpper(ext)
		if len(ext) > 3 {
			ext = ext[:3]
		}
		copy(out[8:11], ext)
	}
	return out
}

// Manager is a mounted FAT32 filesystem: BPB plus the lazy free-cluster
// scan state and the block device it reads/writes through.
type Manager struct {
	dev BlockDevice
	bpb *BPB

	freeClusters          []uint32
	freeClustersScannedTo uint32

	root *Dirent
}

// Mount parses the boot sector at sector 0 and primes the free-cluster
// scan.
func Mount(dev BlockDevice) (*Manager, error) {
	boot := make([]byte, SectorSize)
	if err := dev.ReadSector(0, boot); err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "fat32: read boot sector")
	}
	bpb, err := ParseBPB(boot)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidPayload, err, "fat32: parse BPB")
	}
	m := &Manager{
		dev:                   dev,
		bpb:                   bpb,
		freeClustersScannedTo: firstDataClus,
	}
	m.root = &Dirent{
		Name:       "/",
		Attr:       AttrDirectory,
		FstCluster: bpb.RootClus,
		IsDir:      true,
	}
	if err := m.refillFreeClusters(); err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "fat32: initial free-cluster scan")
	}
	return m, nil
}

// Root returns the filesystem's root directory entry.
func (m *Manager) Root() *Dirent { return m.root }

const freeClustersScannedBlocks = 2

// refillFreeClusters scans the FAT forward from freeClustersScannedTo,
// two sectors at a time, appending free clusters to the queue.
func (m *Manager) refillFreeClusters() error {
	if m.freeClustersScannedTo >= m.bpb.TotalClusters {
		return errs.New(errs.KindNoMemory, "fat32: disk full, no free clusters left to scan")
	}

	fat := make([]byte, SectorSize)
	loaded := false
	blocksLeft := freeClustersScannedBlocks
	for m.freeClustersScannedTo < m.bpb.TotalClusters {
		sec, off := m.bpb.fatSectorOffset(m.freeClustersScannedTo)
		if off == 0 || !loaded {
			if err := m.dev.ReadSector(sec, fat); err != nil {
				return errs.Wrap(errs.KindTransient, err, "fat32: read FAT sector")
			}
			loaded = true
			blocksLeft--
		}
		entry := binary.LittleEndian.Uint32(fat[off : off+4])
		if entry&clusterFreeMask == ClusterFree {
			m.freeClusters = append(m.freeClusters, m.freeClustersScannedTo)
		}
		m.freeClustersScannedTo++
		if blocksLeft <= 0 && off == SectorSize-4 {
			break
		}
	}
	return nil
}

// allocateCluster pops a free cluster off the queue, rescanning forward
// if it's empty.
func (m *Manager) allocateCluster() (uint32, error) {
	if len(m.freeClusters) == 0 {
		if err := m.refillFreeClusters(); err != nil {
			return 0, errs.Wrap(errs.KindNoMemory, err, "fat32: refill free clusters")
		}
	}
	if len(m.freeClusters) == 0 {
		return 0, errs.New(errs.KindNoMemory, "fat32: no free clusters after rescan")
	}
	c := m.freeClusters[0]
	m.freeClusters = m.freeClusters[1:]
	return c, nil
}

// getNextCluster follows one FAT chain link.
func (m *Manager) getNextCluster(cluster uint32) (uint32, error) {
	sector, offset := m.bpb.fatSectorOffset(cluster)
	fat := make([]byte, SectorSize)
	if err := m.dev.ReadSector(sector, fat); err != nil {
		return 0, errs.Wrap(errs.KindTransient, err, "fat32: read FAT")
	}
	return binary.LittleEndian.Uint32(fat[offset : offset+4]), nil
}

// getLastCluster walks a chain to its final (non-EOC) link.
func (m *Manager) getLastCluster(cluster uint32) (uint32, error) {
	for {
		next, err := m.getNextCluster(cluster)
		if err != nil {
			return 0, err
		}
		if next == ClusterFree || isEOC(next) {
			return cluster, nil
		}
		cluster = next
	}
}

// writeFAT writes a single FAT entry.
func (m *Manager) writeFAT(cluster, value uint32) error {
	sector, offset := m.bpb.fatSectorOffset(cluster)
	fat := make([]byte, SectorSize)
	if err := m.dev.ReadSector(sector, fat); err != nil {
		return errs.Wrap(errs.KindTransient, err, "fat32: read FAT for update")
	}
	binary.LittleEndian.PutUint32(fat[offset:offset+4], value&clusterFreeMask)
	if err := m.dev.WriteSector(sector, fat); err != nil {
		return errs.Wrap(errs.KindTransient, err, "fat32: write FAT")
	}
	return nil
}

// sectorFromClusterOffset resolves (cluster, byte offset within the
// file/dir) to (sector, offset within sector), walking the chain as
// needed.
func (m *Manager) sectorFromClusterOffset(cluster uint32, offset uint32) (sector uint32, secOffset uint32, err error) {
	if cluster == ClusterFree || isEOC(cluster) {
		return 0, 0, errs.New(errs.KindNotMapped, "fat32: offset past end of chain")
	}
	clusterBytes := uint32(m.bpb.BytsPerSec) * uint32(m.bpb.SecPerClus)
	for offset >= clusterBytes {
		offset -= clusterBytes
		next, nerr := m.getNextCluster(cluster)
		if nerr != nil {
			return 0, 0, nerr
		}
		if next == ClusterFree || isEOC(next) {
			return 0, 0, errs.New(errs.KindNotMapped, "fat32: offset past end of chain")
		}
		cluster = next
	}
	sector = m.bpb.firstSectorOfCluster(cluster) + offset/uint32(m.bpb.BytsPerSec)
	secOffset = offset % uint32(m.bpb.BytsPerSec)
	return sector, secOffset, nil
}

// extendDirentByOneCluster appends a freshly-allocated cluster to dir's
// chain, linking the FAT and marking the new cluster EOC. If dir has no
// cluster yet (a brand new
// zero-length file), the new cluster becomes dir's first and the dirent's
// on-disk copy is updated in place rather than linked from a FAT entry:
// cluster 0 is not an addressable FAT slot.
func (m *Manager) extendDirentByOneCluster(dir *Dirent) (uint32, error) {
	next, err := m.allocateCluster()
	if err != nil {
		return 0, errs.Wrap(errs.KindNoMemory, err, "fat32: allocate cluster to extend chain")
	}

	if dir.FstCluster == 0 {
		dir.FstCluster = next
		buf := make([]byte, SectorSize)
		if err := m.dev.ReadSector(dir.sector, buf); err != nil {
			return 0, errs.Wrap(errs.KindTransient, err, "fat32: read dirent sector to record first cluster")
		}
		marshallDirent(dir, buf[dir.sectorOffset:dir.sectorOffset+DirEntrySize])
		if err := m.dev.WriteSector(dir.sector, buf); err != nil {
			return 0, errs.Wrap(errs.KindTransient, err, "fat32: write dirent sector to record first cluster")
		}
	} else {
		last, err := m.getLastCluster(dir.FstCluster)
		if err != nil {
			return 0, err
		}
		if err := m.writeFAT(last, next); err != nil {
			return 0, err
		}
	}

	if err := m.writeFAT(next, ClusterEOCMin); err != nil {
		return 0, err
	}
	return next, nil
}

// findInDirectory scans dir's cluster chain for an entry named name. If
// findEmpty is set it instead returns the location of the first
// free/freed slot, for directory insertion. The scan always resumes from
// the current cluster of the walk, never from dir's first cluster.
func (m *Manager) findInDirectory(dir *Dirent, name string, findEmpty bool) (*Dirent, uint32, uint32, error) {
	cluster := dir.FstCluster
	if cluster&clusterFreeMask == ClusterFree {
		return nil, 0, 0, errs.New(errs.KindPIDNotFound, "fat32: directory has no cluster")
	}

	for !isEOC(cluster) {
		if cluster == ClusterBad {
			return nil, 0, 0, errs.New(errs.KindVnodeMap, "fat32: bad cluster in chain")
		}
		startSector := m.bpb.firstSectorOfCluster(cluster)
		for sec := uint32(0); sec < uint32(m.bpb.SecPerClus); sec++ {
			buf := make([]byte, SectorSize)
			if err := m.dev.ReadSector(startSector+sec, buf); err != nil {
				return nil, 0, 0, errs.Wrap(errs.KindTransient, err, "fat32: read directory sector")
			}
			for i := uint32(0); i < SectorSize; i += DirEntrySize {
				first := buf[i]
				if findEmpty {
					if first == dirEntryAllFree || first == dirEntryFreed {
						return nil, startSector + sec, i, nil
					}
					continue
				}
				if first == dirEntryAllFree {
					return nil, 0, 0, errs.New(errs.KindPIDNotFound, "fat32: name not found in directory")
				}
				if first == dirEntryFreed {
					continue
				}
				entry := parseDirent(buf[i:i+DirEntrySize], startSector+sec, i)
				if entry.Name == name {
					return entry, startSector + sec, i, nil
				}
			}
		}
		next, err := m.getNextCluster(cluster)
		if err != nil {
			return nil, 0, 0, err
		}
		cluster = next
	}
	return nil, 0, 0, errs.New(errs.KindPIDNotFound, "fat32: name not found in directory")
}

// CreateEntry creates a new directory entry named name inside dir,
// extending dir's chain by a cluster if no free slot remains. A newly-
// created directory is seeded with a single allocated, zeroed cluster.
func (m *Manager) CreateEntry(dir *Dirent, name string, isDir bool, attr uint8) (*Dirent, error) {
	_, sector, offset, err := m.findInDirectory(dir, name, true)
	if err != nil {
		newClus, eerr := m.extendDirentByOneCluster(dir)
		if eerr != nil {
			return nil, eerr
		}
		sector = m.bpb.firstSectorOfCluster(newClus)
		offset = 0
	}

	entry := &Dirent{Name: name, Attr: attr, IsDir: isDir, sector: sector, sectorOffset: offset}
	if isDir {
		clus, aerr := m.allocateCluster()
		if aerr != nil {
			return nil, aerr
		}
		if err := m.writeFAT(clus, ClusterEOCMin); err != nil {
			return nil, err
		}
		zero := make([]byte, SectorSize)
		for sec := uint32(0); sec < uint32(m.bpb.SecPerClus); sec++ {
			if err := m.dev.WriteSector(m.bpb.firstSectorOfCluster(clus)+sec, zero); err != nil {
				return nil, errs.Wrap(errs.KindTransient, err, "fat32: zero new directory cluster")
			}
		}
		entry.FstCluster = clus
	}

	buf := make([]byte, SectorSize)
	if err := m.dev.ReadSector(sector, buf); err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "fat32: read directory sector before insert")
	}
	marshallDirent(entry, buf[offset:offset+DirEntrySize])
	if err := m.dev.WriteSector(sector, buf); err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "fat32: write new directory entry")
	}
	return entry, nil
}

// Lookup resolves a slash-separated path from root, walking one path
// component at a time through findInDirectory.
func (m *Manager) Lookup(path string) (*Dirent, error) {
	cur := m.root
	for _, part := range splitPath(path) {
		next, _, _, err := m.findInDirectory(cur, part, false)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// Handle is an open file: the dirent it names plus a read/write cursor.
type Handle struct {
	mgr    *Manager
	dirent *Dirent
	pos    uint32
}

// Open resolves path to an existing file/directory and returns a handle
// positioned at offset 0.
func (m *Manager) Open(path string) (*Handle, error) {
	d, err := m.Lookup(path)
	if err != nil {
		return nil, err
	}
	return &Handle{mgr: m, dirent: d}, nil
}

// Create makes a new zero-length file at path, failing if the parent
// directory doesn't exist.
func (m *Manager) Create(path string) (*Handle, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, errs.New(errs.KindInvalidPayload, "fat32: empty path")
	}
	dir := m.root
	for _, part := range parts[:len(parts)-1] {
		next, _, _, err := m.findInDirectory(dir, part, false)
		if err != nil {
			return nil, err
		}
		dir = next
	}
	entry, err := m.CreateEntry(dir, parts[len(parts)-1], false, AttrArchive)
	if err != nil {
		return nil, err
	}
	return &Handle{mgr: m, dirent: entry}, nil
}

// Tell reports the handle's current read/write position.
func (h *Handle) Tell() uint32 { return h.pos }

// Read copies up to len(buf) bytes from the handle's current position,
// walking the FAT chain a sector at a time. Reading at end-of-file is an
// error.
func (h *Handle) Read(buf []byte) (int, error) {
	remaining := buf
	read := 0
	for len(remaining) > 0 && h.pos != h.dirent.Size {
		sector, offset, err := h.mgr.sectorFromClusterOffset(h.dirent.FstCluster, h.pos)
		if err != nil {
			return read, err
		}
		data := make([]byte, SectorSize)
		if err := h.mgr.dev.ReadSector(sector, data); err != nil {
			return read, errs.Wrap(errs.KindTransient, err, "fat32: read data sector")
		}
		n := minU32(h.dirent.Size-h.pos, minU32(SectorSize-offset, uint32(len(remaining))))
		copy(remaining, data[offset:offset+n])
		remaining = remaining[n:]
		h.pos += n
		read += int(n)
	}
	if read == 0 && len(buf) > 0 {
		return 0, errs.New(errs.KindNotMapped, "fat32: read at EOF")
	}
	return read, nil
}

// Write copies buf into the file starting at the handle's current
// position, extending the chain with freshly-allocated clusters past the
// current end and updating the dirent's size on disk when the file grew.
func (h *Handle) Write(buf []byte) (int, error) {
	remaining := buf
	written := 0
	for len(remaining) > 0 {
		sector, offset, err := h.mgr.sectorFromClusterOffset(h.dirent.FstCluster, h.pos)
		if errs.Is(err, errs.KindNotMapped) {
			newClus, eerr := h.mgr.extendDirentByOneCluster(h.dirent)
			if eerr != nil {
				return written, eerr
			}
			sector = h.mgr.bpb.firstSectorOfCluster(newClus)
			offset = 0
		} else if err != nil {
			return written, err
		}

		n := minU32(SectorSize-offset, uint32(len(remaining)))
		data := make([]byte, SectorSize)
		if n != SectorSize {
			if err := h.mgr.dev.ReadSector(sector, data); err != nil {
				return written, errs.Wrap(errs.KindTransient, err, "fat32: read-modify-write sector")
			}
		}
		copy(data[offset:offset+n], remaining[:n])
		if err := h.mgr.dev.WriteSector(sector, data); err != nil {
			return written, errs.Wrap(errs.KindTransient, err, "fat32: write data sector")
		}
		remaining = remaining[n:]
		h.pos += n
		written += int(n)
	}

	if written > 0 && h.pos > h.dirent.Size {
		h.dirent.Size = h.pos
		buf := make([]byte, SectorSize)
		if err := h.mgr.dev.ReadSector(h.dirent.sector, buf); err != nil {
			return written, errs.Wrap(errs.KindTransient, err, "fat32: read dirent sector for size update")
		}
		marshallDirent(h.dirent, buf[h.dirent.sectorOffset:h.dirent.sectorOffset+DirEntrySize])
		if err := h.mgr.dev.WriteSector(h.dirent.sector, buf); err != nil {
			return written, errs.Wrap(errs.KindTransient, err, "fat32: write dirent sector for size update")
		}
	}
	return written, nil
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
