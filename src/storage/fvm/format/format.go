// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package format implements the FVM on-disk layout: encoding, decoding,
// checksumming and validation of a metadata copy (superblock, partition
// table, slice allocation table). It performs no I/O; callers supply and
// consume exact M-byte buffers. The layout follows the byte-exact,
// little-endian convention the teacher uses for its own archive format (see
// far.Write/far.NewReader): fixed-offset fields encoded with
// encoding/binary, a checksum computed last over the whole buffer with the
// checksum field zeroed.
package format

import (
	"bytes"
	"encoding/binary"
	"hash/fnv"
	"unicode/utf8"
)

// Magic is the fixed byte pattern that opens every metadata copy.
var Magic = [8]byte{'F', 'V', 'M', '2', 'P', 'A', 'R', 'T'}

// MaxNameLength bounds a partition's UTF-8, NUL-padded name field.
const MaxNameLength = 24

// MaxVSlices is the policy bound (M_V, spec §4.4) on the highest
// representable virtual slice number. A 32-bit virtual slice field could
// address up to 1<<32-1; this repo keeps vslice arithmetic (vslice *
// blocksPerSlice) safely inside int64 and well short of wraparound, so it
// picks 1<<24 as M_V. This is an explicit Open Question resolution
// (DESIGN.md).
const MaxVSlices = 1 << 24

const (
	guidLength = 16

	superblockSize     = 64
	partitionEntrySize = 16 + 16 + MaxNameLength + 8 // type + instance + name + flags/reserved
	sliceEntrySize     = 8
)

// GUID is a 16-byte type or instance identifier. The zero GUID means
// "unallocated" when used as a type GUID.
type GUID [guidLength]byte

// IsZero reports whether g is the all-zero GUID.
func (g GUID) IsZero() bool {
	return g == GUID{}
}

// PartitionFlags holds the per-partition boolean state from spec §3.
type PartitionFlags uint32

const (
	// FlagActive marks the partition as the one clients should see.
	FlagActive PartitionFlags = 1 << iota
	// FlagInactive marks a partition created but not yet activated via
	// the upgrade protocol (spec §4.3).
	FlagInactive
)

// PartitionEntry is one slot of the partition table.
type PartitionEntry struct {
	TypeGUID     GUID
	InstanceGUID GUID
	Name         string // at most MaxNameLength bytes once encoded
	Flags        PartitionFlags
}

// Free reports whether this slot is unallocated (type GUID is zero).
func (p *PartitionEntry) Free() bool {
	return p.TypeGUID.IsZero()
}

// SliceEntry is one slot of the slice allocation table: which partition
// owns the physical slice (0 = free) and which virtual slice of that
// partition it backs.
type SliceEntry struct {
	PartitionIndex uint32 // 0 == free
	VSlice         uint32 // 0-based internal storage; spec's vslices are 1-based externally
}

// Free reports whether this physical slice is unallocated.
func (s SliceEntry) Free() bool {
	return s.PartitionIndex == 0
}

// Superblock is the fixed-layout header of a metadata copy.
type Superblock struct {
	MajorVersion             uint64
	MinorVersion             uint64
	SliceSize                uint64
	PartitionTableEntryCount uint64
	PhysicalSliceCount       uint64
	Generation               uint64
}

// Metadata is one full metadata copy: superblock plus both tables.
type Metadata struct {
	Superblock Superblock
	Partitions []PartitionEntry // length == Superblock.PartitionTableEntryCount
	Slices     []SliceEntry     // length == Superblock.PhysicalSliceCount
}

// Size returns the exact encoded size of m in bytes.
func Size(partitionCount, sliceCount int) int {
	return superblockSize + partitionCount*partitionEntrySize + sliceCount*sliceEntrySize
}

// DecodeKind enumerates the ways Decode can fail.
type DecodeKind int

const (
	BadMagic DecodeKind = iota
	BadVersion
	BadChecksum
	BadStructure
)

func (k DecodeKind) String() string {
	switch k {
	case BadMagic:
		return "BadMagic"
	case BadVersion:
		return "BadVersion"
	case BadChecksum:
		return "BadChecksum"
	case BadStructure:
		return "BadStructure"
	default:
		return "Unknown"
	}
}

// DecodeError reports why Decode rejected a buffer.
type DecodeError struct {
	Kind   DecodeKind
	Reason string
}

func (e *DecodeError) Error() string {
	return "format: decode: " + e.Kind.String() + ": " + e.Reason
}

// checksum computes the 64-bit FNV-1a hash of buf. The corpus carries no
// third-party 64-bit non-cryptographic hash library, so this uses the
// standard library's hash/fnv (see DESIGN.md).
func checksum(buf []byte) uint64 {
	h := fnv.New64a()
	h.Write(buf)
	return h.Sum64()
}

// Encode serializes m into an M-byte buffer of size
// Size(len(m.Partitions), len(m.Slices)), computing the checksum last with
// the checksum field zeroed, per spec §4.1.
func Encode(m *Metadata) []byte {
	size := Size(len(m.Partitions), len(m.Slices))
	buf := make([]byte, size)

	copy(buf[0:8], Magic[:])
	binary.LittleEndian.PutUint64(buf[8:16], m.Superblock.MajorVersion)
	binary.LittleEndian.PutUint64(buf[16:24], m.Superblock.MinorVersion)
	binary.LittleEndian.PutUint64(buf[24:32], m.Superblock.SliceSize)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(len(m.Partitions)))
	binary.LittleEndian.PutUint64(buf[40:48], uint64(len(m.Slices)))
	binary.LittleEndian.PutUint64(buf[48:56], m.Superblock.Generation)
	// buf[56:64] (the reserved+checksum region) stays zero until the
	// checksum is computed below.
	off := superblockSize

	for _, p := range m.Partitions {
		encodePartitionEntry(buf[off:off+partitionEntrySize], &p)
		off += partitionEntrySize
	}
	for _, s := range m.Slices {
		encodeSliceEntry(buf[off:off+sliceEntrySize], s)
		off += sliceEntrySize
	}

	sum := checksum(buf)
	binary.LittleEndian.PutUint64(buf[superblockSize-8:superblockSize], sum)
	return buf
}

func encodePartitionEntry(buf []byte, p *PartitionEntry) {
	copy(buf[0:16], p.TypeGUID[:])
	copy(buf[16:32], p.InstanceGUID[:])
	var nameBuf [MaxNameLength]byte
	copy(nameBuf[:], p.Name)
	copy(buf[32:32+MaxNameLength], nameBuf[:])
	binary.LittleEndian.PutUint32(buf[32+MaxNameLength:], uint32(p.Flags))
}

func decodePartitionEntry(buf []byte) (PartitionEntry, error) {
	var p PartitionEntry
	copy(p.TypeGUID[:], buf[0:16])
	copy(p.InstanceGUID[:], buf[16:32])
	nameBuf := buf[32 : 32+MaxNameLength]
	n := bytes.IndexByte(nameBuf, 0)
	if n < 0 {
		n = len(nameBuf)
	}
	if !utf8.Valid(nameBuf[:n]) {
		return p, &DecodeError{BadStructure, "partition name is not valid UTF-8"}
	}
	p.Name = string(nameBuf[:n])
	p.Flags = PartitionFlags(binary.LittleEndian.Uint32(buf[32+MaxNameLength:]))
	return p, nil
}

func encodeSliceEntry(buf []byte, s SliceEntry) {
	binary.LittleEndian.PutUint32(buf[0:4], s.PartitionIndex)
	binary.LittleEndian.PutUint32(buf[4:8], s.VSlice)
}

func decodeSliceEntry(buf []byte) SliceEntry {
	return SliceEntry{
		PartitionIndex: binary.LittleEndian.Uint32(buf[0:4]),
		VSlice:         binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// Decode parses buf (as produced by Encode, optionally followed by padding
// such as the block-alignment tail of a metadata region, which is ignored)
// back into a Metadata, validating magic, version, checksum and structure
// in that order.
func Decode(buf []byte) (*Metadata, error) {
	if len(buf) < superblockSize {
		return nil, &DecodeError{BadStructure, "buffer shorter than superblock"}
	}
	if !bytes.Equal(buf[0:8], Magic[:]) {
		return nil, &DecodeError{BadMagic, "magic mismatch"}
	}

	major := binary.LittleEndian.Uint64(buf[8:16])
	minor := binary.LittleEndian.Uint64(buf[16:24])
	if major != CurrentMajorVersion {
		return nil, &DecodeError{BadVersion, "unsupported major version"}
	}
	sliceSize := binary.LittleEndian.Uint64(buf[24:32])
	partCount := binary.LittleEndian.Uint64(buf[32:40])
	sliceCount := binary.LittleEndian.Uint64(buf[40:48])
	generation := binary.LittleEndian.Uint64(buf[48:56])

	want := Size(int(partCount), int(sliceCount))
	if want < superblockSize || want > len(buf) {
		return nil, &DecodeError{BadStructure, "table sizes don't match buffer length"}
	}
	// Bytes past the encoded size are the block-alignment padding of the
	// metadata region; they are not part of the checksummed copy.
	buf = buf[:want]

	storedSum := binary.LittleEndian.Uint64(buf[superblockSize-8 : superblockSize])
	zeroed := make([]byte, len(buf))
	copy(zeroed, buf)
	binary.LittleEndian.PutUint64(zeroed[superblockSize-8:superblockSize], 0)
	if checksum(zeroed) != storedSum {
		return nil, &DecodeError{BadChecksum, "checksum mismatch"}
	}

	m := &Metadata{
		Superblock: Superblock{
			MajorVersion:             major,
			MinorVersion:             minor,
			SliceSize:                sliceSize,
			PartitionTableEntryCount: partCount,
			PhysicalSliceCount:       sliceCount,
			Generation:               generation,
		},
	}

	off := superblockSize
	m.Partitions = make([]PartitionEntry, partCount)
	for i := range m.Partitions {
		p, err := decodePartitionEntry(buf[off : off+partitionEntrySize])
		if err != nil {
			return nil, err
		}
		m.Partitions[i] = p
		off += partitionEntrySize
	}

	m.Slices = make([]SliceEntry, sliceCount)
	for i := range m.Slices {
		s := decodeSliceEntry(buf[off : off+sliceEntrySize])
		if s.PartitionIndex != 0 && s.PartitionIndex > uint32(partCount) {
			return nil, &DecodeError{BadStructure, "slice entry names an out-of-range partition"}
		}
		m.Slices[i] = s
		off += sliceEntrySize
	}

	return m, nil
}

// CurrentMajorVersion is the format version this package encodes and the
// only major version it will Decode.
const CurrentMajorVersion = 1

// CurrentMinorVersion is advisory; Decode doesn't reject a mismatched minor
// version.
const CurrentMinorVersion = 0

// Copy identifies one of the two on-disk metadata copies, or CopyNone when
// neither is selected.
type Copy int

const (
	CopyA Copy = iota
	CopyB
	CopyNone
)

func (c Copy) String() string {
	switch c {
	case CopyA:
		return "A"
	case CopyB:
		return "B"
	default:
		return "None"
	}
}

// PickActive decodes both metadata buffers and returns the identity of
// whichever validly decodes with the greater generation (ties favor A), the
// decoded Metadata for that copy, and true -- or CopyNone, nil, false if
// neither buffer decodes.
func PickActive(aBuf, bBuf []byte) (Copy, *Metadata, bool) {
	a, aErr := Decode(aBuf)
	b, bErr := Decode(bBuf)

	switch {
	case aErr == nil && bErr == nil:
		if b.Superblock.Generation > a.Superblock.Generation {
			return CopyB, b, true
		}
		return CopyA, a, true
	case aErr == nil:
		return CopyA, a, true
	case bErr == nil:
		return CopyB, b, true
	default:
		return CopyNone, nil, false
	}
}

// UsableSliceCount returns the number of physical slices that fit in the
// slice region of a device of deviceSize bytes once two metadata copies of
// metadataSize bytes each are reserved, per spec §3's "P = floor((device -
// 2M)/slice_size)" and grounded on the original fvm::UsableSlicesCount
// helper (original_source/system/utest/fvm/fvm.cc).
func UsableSliceCount(deviceSize, metadataSize, sliceSize uint64) uint64 {
	if sliceSize == 0 || deviceSize < 2*metadataSize {
		return 0
	}
	return (deviceSize - 2*metadataSize) / sliceSize
}

// PeekTableSizes reads just enough of a metadata copy's header to recover
// the partition and slice table capacities, without validating checksum
// or fully decoding the buffer. Used by Bind, which must compute the
// metadata region's size before it knows how many bytes to read for a
// full Decode.
func PeekTableSizes(head []byte) (partitionCount, sliceCount int, ok bool) {
	if len(head) < superblockSize || !bytes.Equal(head[0:8], Magic[:]) {
		return 0, 0, false
	}
	if binary.LittleEndian.Uint64(head[8:16]) != CurrentMajorVersion {
		return 0, 0, false
	}
	partitionCount = int(binary.LittleEndian.Uint64(head[32:40]))
	sliceCount = int(binary.LittleEndian.Uint64(head[40:48]))
	return partitionCount, sliceCount, true
}

// MetadataSize returns M, the per-copy metadata region size, rounded up to
// a multiple of blockSize, for a volume with the given maximum partition
// count and physical slice count.
func MetadataSize(partitionCount, sliceCount int, blockSize uint64) uint64 {
	raw := uint64(Size(partitionCount, sliceCount))
	if blockSize == 0 {
		return raw
	}
	if rem := raw % blockSize; rem != 0 {
		raw += blockSize - rem
	}
	return raw
}
