// Package fs implements the log-structured, tag-addressed file system:
// it maintains the tag→location index in RAM, serves the
// write/read/erase/length/random-access accessors on top of
// internal/block, runs defragmentation when free space runs out, and
// provides multi-file atomic writes via a transaction metablock.
//
// Nothing durable lives in RAM: Init replays flash into the index with
// a single scan over every sector, so any crash is recovered by the
// next boot's replay.
package fs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/elewis/cardos/internal/block"
	"github.com/elewis/cardos/internal/flash"
	applog "github.com/elewis/cardos/internal/log"
	"github.com/elewis/cardos/internal/status"
)

// Sentinel errors, each wrapping the ABI status.Code it maps to (see
// internal/status).
var (
	ErrTagLen          = fmt.Errorf("fs: tag length out of range: %w", status.ErrInvalidArgument)
	ErrNotFound        = fmt.Errorf("fs: tag not found: %w", status.ErrNotFound)
	ErrNoSpace         = fmt.Errorf("fs: no sector has room, even after defragmentation: %w", status.ErrNoSpace)
	ErrInvalidArgument = fmt.Errorf("fs: invalid argument: %w", status.ErrInvalidArgument)
	ErrIntegrity       = fmt.Errorf("fs: integrity error: %w", status.ErrIntegrityError)
)

// txMetaTag is the reserved tag of the transaction metablock. 0xFE
// lies outside the domain-tag byte range internal/pathtag uses
// (0x01-0x04), so it can never collide with a file tag produced by that
// package.
var txMetaTag = []byte{0xfe}

// FS is the in-RAM index plus the flash device it indexes. The index
// is exclusive to the privileged kernel; FS itself does no locking,
// since there is no second thread of control to race with.
type FS struct {
	dev          flash.Device
	defragSector int
	index        map[string]block.Entry

	log *applog.Logger
}

// New creates an FS over dev. Call Init before using it; the index is
// empty (as if Drop had just been called) until then.
func New(dev flash.Device) *FS {
	return &FS{
		dev:          dev,
		defragSector: dev.NumSectors() - 1,
		index:        make(map[string]block.Entry),
		log:          applog.DefaultLogger(),
	}
}

// Init scans every sector, rebuilds the in-RAM index from the Valid
// blocks found, resolves any tag left with more than one Valid block
// (power loss between commit and retire) by retiring every loser, and
// replays a pending transaction metablock if one survived the last
// shutdown.
func (f *FS) Init() error {
	index := make(map[string]block.Entry)
	byTag := make(map[string][]block.Entry)

	var metaEntries []block.Entry

	for sector := 0; sector < f.dev.NumSectors(); sector++ {
		entries, _, err := block.Scan(f.dev, sector)
		if err != nil {
			return errors.Wrapf(err, "fs: init: scan sector %d", sector)
		}

		for _, e := range entries {
			if e.State != block.StateValid {
				continue
			}

			if bytes.Equal(e.Tag, txMetaTag) {
				metaEntries = append(metaEntries, e)
				continue
			}

			key := string(e.Tag)
			byTag[key] = append(byTag[key], e)
		}
	}

	for tag, entries := range byTag {
		winner := entries[0]

		for _, e := range entries[1:] {
			if laterInScanOrder(e, winner) {
				if err := block.Retire(f.dev, winner); err != nil {
					return errors.Wrapf(err, "fs: init: retire superseded block tag %q", tag)
				}

				winner = e
			} else if err := block.Retire(f.dev, e); err != nil {
				return errors.Wrapf(err, "fs: init: retire superseded block tag %q", tag)
			}
		}

		if len(entries) > 1 {
			f.log.Warn("fs: resolved duplicate valid blocks at init",
				"tag", fmt.Sprintf("%x", tag), "count", len(entries))
		}

		index[tag] = winner
	}

	f.index = index

	for _, meta := range metaEntries {
		if err := f.resumeTransaction(meta); err != nil {
			return err
		}
	}

	return nil
}

// laterInScanOrder reports whether a was written after b, under the
// fixed tie-break policy of always preferring the higher (sector,
// header offset) pair: sectors are scanned low to high and, within a
// sector, writes only ever append, so a later position is a later
// write.
func laterInScanOrder(a, b block.Entry) bool {
	if a.Sector != b.Sector {
		return a.Sector > b.Sector
	}

	return a.HeaderOffset > b.HeaderOffset
}

// Drop discards the in-RAM index without mutating flash.
func (f *FS) Drop() {
	f.index = make(map[string]block.Entry)
}

// Exists reports whether tag is present in the index.
func (f *FS) Exists(tag []byte) bool {
	_, ok := f.index[string(tag)]
	return ok
}

// Length returns the payload length of tag's current version.
func (f *FS) Length(tag []byte) (uint32, error) {
	e, ok := f.index[string(tag)]
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "tag %q", tag)
	}

	return e.Length, nil
}

// Read copies tag's payload into dst, up to len(dst) bytes, and zero-
// fills any remainder of dst the payload didn't reach. It returns the
// number of payload bytes copied.
func (f *FS) Read(tag []byte, dst []byte) (int, error) {
	e, ok := f.index[string(tag)]
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "tag %q", tag)
	}

	n := int(e.Length)
	if n > len(dst) {
		n = len(dst)
	}

	if n > 0 {
		if err := f.dev.Read(e.Sector, e.PayloadOffset, dst[:n]); err != nil {
			return 0, errors.Wrapf(err, "fs: read tag %q", tag)
		}
	}

	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}

	return n, nil
}

// ReadInPlace returns tag's payload without copying it, when the
// underlying device supports direct addressing (flash.MappedDevice).
// Otherwise it falls back to an owned copy.
func (f *FS) ReadInPlace(tag []byte) ([]byte, error) {
	e, ok := f.index[string(tag)]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "tag %q", tag)
	}

	if md, ok := f.dev.(flash.MappedDevice); ok {
		b, err := md.Bytes(e.Sector, e.PayloadOffset, int(e.Length))
		if err != nil {
			return nil, errors.Wrapf(err, "fs: read_inplace tag %q", tag)
		}

		return b, nil
	}

	buf := make([]byte, e.Length)
	if e.Length > 0 {
		if err := f.dev.Read(e.Sector, e.PayloadOffset, buf); err != nil {
			return nil, errors.Wrapf(err, "fs: read_inplace tag %q", tag)
		}
	}

	return buf, nil
}

// Read1BAt, Read2BAt and Read4BAt perform little-endian random-access
// reads at a byte offset within tag's payload.
func (f *FS) Read1BAt(tag []byte, off uint32) (uint8, error) {
	buf, err := f.readAt(tag, off, 1)
	if err != nil {
		return 0, err
	}

	return buf[0], nil
}

func (f *FS) Read2BAt(tag []byte, off uint32) (uint16, error) {
	buf, err := f.readAt(tag, off, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(buf), nil
}

func (f *FS) Read4BAt(tag []byte, off uint32) (uint32, error) {
	buf, err := f.readAt(tag, off, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf), nil
}

func (f *FS) readAt(tag []byte, off uint32, width int) ([]byte, error) {
	e, ok := f.index[string(tag)]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "tag %q", tag)
	}

	if uint64(off)+uint64(width) > uint64(e.Length) {
		return nil, errors.Wrapf(ErrInvalidArgument, "tag %q offset %d width %d exceeds length %d",
			tag, off, width, e.Length)
	}

	buf := make([]byte, width)
	if err := f.dev.Read(e.Sector, e.PayloadOffset+int(off), buf); err != nil {
		return nil, errors.Wrapf(err, "fs: random read tag %q", tag)
	}

	return buf, nil
}

// Write1BAt, Write2BAt and Write4BAt perform little-endian random-access
// writes. When the new bytes are reachable from the stored bytes by
// 1→0 transitions alone, the write happens in place; otherwise the FS
// rewrites the whole file.
func (f *FS) Write1BAt(tag []byte, off uint32, v uint8) error {
	return f.writeAt(tag, off, []byte{v})
}

func (f *FS) Write2BAt(tag []byte, off uint32, v uint16) error {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)

	return f.writeAt(tag, off, buf)
}

func (f *FS) Write4BAt(tag []byte, off uint32, v uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)

	return f.writeAt(tag, off, buf)
}

func (f *FS) writeAt(tag []byte, off uint32, next []byte) error {
	e, ok := f.index[string(tag)]
	if !ok {
		return errors.Wrapf(ErrNotFound, "tag %q", tag)
	}

	if uint64(off)+uint64(len(next)) > uint64(e.Length) {
		return errors.Wrapf(ErrInvalidArgument, "tag %q offset %d width %d exceeds length %d",
			tag, off, len(next), e.Length)
	}

	old := make([]byte, len(next))
	if err := f.dev.Read(e.Sector, e.PayloadOffset+int(off), old); err != nil {
		return errors.Wrapf(err, "fs: write_at read tag %q", tag)
	}

	if reachableBy1to0(old, next) {
		if err := f.dev.Write(e.Sector, e.PayloadOffset+int(off), next); err != nil {
			return errors.Wrapf(err, "fs: write_at tag %q", tag)
		}

		return nil
	}

	f.log.Debug("fs: random-access write not bit-reachable, rewriting whole file", "tag", fmt.Sprintf("%x", tag))

	full := make([]byte, e.Length)
	if err := f.dev.Read(e.Sector, e.PayloadOffset, full); err != nil {
		return errors.Wrapf(err, "fs: write_at rewrite-read tag %q", tag)
	}

	copy(full[off:], next)

	return f.Write(tag, full)
}

// reachableBy1to0 reports whether next can be programmed over old using
// only 1→0 bit transitions: every bit set in next must already be set
// in old.
func reachableBy1to0(old, next []byte) bool {
	for i := range old {
		if old[i]&next[i] != next[i] {
			return false
		}
	}

	return true
}

// Write commits a fresh block for tag and, on success, retires the
// previous Valid block for the same tag, if any. Commit-then-retire
// ordering means a crash between the two leaves both on flash for Init
// to resolve by tie-break.
func (f *FS) Write(tag []byte, data []byte) error {
	if len(tag) < block.MinTagLen || len(tag) > block.MaxTagLen {
		return errors.Wrapf(ErrTagLen, "len=%d", len(tag))
	}

	e, err := f.commitBlock(tag, data)
	if err != nil {
		return err
	}

	// Looked up after the commit: a defragmentation inside commitBlock
	// moves the previous block, and the index then holds its new place.
	old, hadOld := f.index[string(tag)]

	f.index[string(tag)] = e

	if hadOld {
		if err := block.Retire(f.dev, old); err != nil {
			return errors.Wrapf(err, "fs: retire superseded block tag %q", tag)
		}
	}

	return nil
}

// Erase retires tag's Valid block and removes it from the index.
func (f *FS) Erase(tag []byte) error {
	e, ok := f.index[string(tag)]
	if !ok {
		return errors.Wrapf(ErrNotFound, "tag %q", tag)
	}

	if err := block.Retire(f.dev, e); err != nil {
		return errors.Wrapf(err, "fs: erase tag %q", tag)
	}

	delete(f.index, string(tag))

	return nil
}

// commitBlock commits tag/data to whichever data sector (any sector
// other than the current defrag sector) has room, defragmenting once
// and retrying if none does.
func (f *FS) commitBlock(tag, data []byte) (block.Entry, error) {
	e, err := f.tryCommit(tag, data)
	if err == nil {
		return e, nil
	}

	if !errors.Is(err, block.ErrOutOfSpace) {
		return block.Entry{}, errors.Wrapf(err, "fs: commit tag %q", tag)
	}

	if err := f.defragment(); err != nil {
		return block.Entry{}, err
	}

	e, err = f.tryCommit(tag, data)
	if err != nil {
		if errors.Is(err, block.ErrOutOfSpace) {
			return block.Entry{}, errors.Wrapf(ErrNoSpace, "tag %q", tag)
		}

		return block.Entry{}, errors.Wrapf(err, "fs: commit tag %q after defrag", tag)
	}

	return e, nil
}

func (f *FS) tryCommit(tag, data []byte) (block.Entry, error) {
	var lastErr error

	for sector := 0; sector < f.dev.NumSectors(); sector++ {
		if sector == f.defragSector {
			continue
		}

		e, err := block.Commit(f.dev, sector, tag, data)
		if err == nil {
			return e, nil
		}

		if errors.Is(err, block.ErrOutOfSpace) {
			lastErr = err
			continue
		}

		return block.Entry{}, err
	}

	if lastErr == nil {
		lastErr = block.ErrOutOfSpace
	}

	return block.Entry{}, lastErr
}

func (f *FS) tryStage(tag, data []byte) (block.Entry, error) {
	var lastErr error

	for sector := 0; sector < f.dev.NumSectors(); sector++ {
		if sector == f.defragSector {
			continue
		}

		e, err := block.Stage(f.dev, sector, tag, data)
		if err == nil {
			return e, nil
		}

		if errors.Is(err, block.ErrOutOfSpace) {
			lastErr = err
			continue
		}

		return block.Entry{}, err
	}

	if lastErr == nil {
		lastErr = block.ErrOutOfSpace
	}

	return block.Entry{}, lastErr
}

// defragment copies every Valid block not already in the defrag sector
// into it, erases every other sector once all copies are Valid, then
// rotates the defrag role to the next sector. Wear levelling beyond
// this rotation is an extension point, not implemented. A crash
// mid-copy leaves the original (still Valid) and an incomplete
// duplicate (NotYetValid, ignored by Scan); block.Commit already gives
// us that property for free.
func (f *FS) defragment() error {
	f.log.Info("fs: defragmenting", "defrag_sector", f.defragSector)

	tags := make([]string, 0, len(f.index))
	for tag := range f.index {
		tags = append(tags, tag)
	}

	sort.Strings(tags)

	next := make(map[string]block.Entry, len(f.index))

	for _, tag := range tags {
		e := f.index[tag]

		if e.Sector == f.defragSector {
			next[tag] = e
			continue
		}

		data := make([]byte, e.Length)
		if e.Length > 0 {
			if err := f.dev.Read(e.Sector, e.PayloadOffset, data); err != nil {
				return errors.Wrapf(err, "fs: defrag: read tag %q", tag)
			}
		}

		copied, err := block.Commit(f.dev, f.defragSector, []byte(tag), data)
		if err != nil {
			return errors.Wrapf(err, "fs: defrag: copy tag %q", tag)
		}

		next[tag] = copied
	}

	for sector := 0; sector < f.dev.NumSectors(); sector++ {
		if sector == f.defragSector {
			continue
		}

		if err := f.dev.Erase(sector); err != nil {
			return errors.Wrapf(err, "fs: defrag: erase sector %d", sector)
		}
	}

	f.index = next
	f.defragSector = (f.defragSector + 1) % f.dev.NumSectors()

	return nil
}

// WriteTx commits every (tag, data) pair in files as a single atomic
// batch using the five-step transaction metablock protocol. Recovery
// resumes at step 4 the next time Init runs, if the
// metablock reached Valid before a crash.
func (f *FS) WriteTx(files map[string][]byte) error {
	if len(files) == 0 {
		return nil
	}

	tags := make([][]byte, 0, len(files))

	for tag := range files {
		t := []byte(tag)
		if len(t) < block.MinTagLen || len(t) > block.MaxTagLen {
			return errors.Wrapf(ErrTagLen, "len=%d", len(t))
		}

		tags = append(tags, t)
	}

	sort.Slice(tags, func(i, j int) bool { return bytes.Compare(tags[i], tags[j]) < 0 })

	type member struct {
		tag    []byte
		old    block.Entry
		hadOld bool
	}

	members := make([]member, 0, len(tags))

	// Step 1: write every member block to Valid.
	for _, tag := range tags {
		old, hadOld := f.index[string(tag)]

		e, err := f.commitBlock(tag, files[string(tag)])
		if err != nil {
			return errors.Wrapf(err, "fs: tx: commit member %q", tag)
		}

		f.index[string(tag)] = e
		members = append(members, member{tag: tag, old: old, hadOld: hadOld})
	}

	// Step 2: stage the metablock (NotYetValid).
	meta, err := f.tryStage(txMetaTag, encodeTagList(tags))
	if err != nil {
		return errors.Wrap(err, "fs: tx: stage metablock")
	}

	// Step 3: promote the metablock to Valid.
	meta, err = block.Publish(f.dev, meta)
	if err != nil {
		return errors.Wrap(err, "fs: tx: publish metablock")
	}

	// Step 4: retire old versions of each member tag.
	for _, m := range members {
		if !m.hadOld {
			continue
		}

		if err := block.Retire(f.dev, m.old); err != nil {
			return errors.Wrapf(err, "fs: tx: retire old member %q", m.tag)
		}
	}

	// Step 5: retire the metablock.
	if err := block.Retire(f.dev, meta); err != nil {
		return errors.Wrap(err, "fs: tx: retire metablock")
	}

	return nil
}

// resumeTransaction finishes an interrupted batch: a Valid metablock
// means every member committed, so recovery resumes at step 4 of the
// commit order. Step 4 (retiring old member versions) is already
// handled by Init's general duplicate-tag
// tie-break, which runs before resumeTransaction is called; any member
// tag left with two Valid blocks is resolved there by the same
// scan-order rule a transaction's own step 4 would apply. All that
// remains here is step 5.
func (f *FS) resumeTransaction(meta block.Entry) error {
	payload := make([]byte, meta.Length)
	if meta.Length > 0 {
		if err := f.dev.Read(meta.Sector, meta.PayloadOffset, payload); err != nil {
			return errors.Wrap(err, "fs: resume tx: read metablock payload")
		}
	}

	if _, err := decodeTagList(payload); err != nil {
		f.log.Warn("fs: transaction metablock payload unreadable, retiring anyway", "err", err)
	} else {
		f.log.Debug("fs: resuming pending transaction, retiring metablock (step 5)")
	}

	return block.Retire(f.dev, meta)
}

// encodeTagList lays out a metablock payload as a sequence of
// length-prefixed tags: len:u8 | tag:u8[len] | ...
func encodeTagList(tags [][]byte) []byte {
	var buf bytes.Buffer

	for _, t := range tags {
		buf.WriteByte(byte(len(t)))
		buf.Write(t)
	}

	return buf.Bytes()
}

func decodeTagList(data []byte) ([][]byte, error) {
	var tags [][]byte

	for len(data) > 0 {
		n := int(data[0])
		if n < block.MinTagLen || n > block.MaxTagLen || len(data) < 1+n {
			return nil, errors.Wrap(ErrIntegrity, "malformed transaction metablock payload")
		}

		tags = append(tags, data[1:1+n])
		data = data[1+n:]
	}

	return tags, nil
}

// SectorStats describes one sector's free space for the dumpfs CLI verb.
type SectorStats struct {
	Sector    int
	FreeBytes int
	IsDefrag  bool
}

// Stats reports free space per sector and which sector currently holds
// the defrag role.
type Stats struct {
	Sectors      []SectorStats
	DefragSector int
}

// Stats scans every sector to report free-byte counts, used by the
// dumpfs CLI verb.
func (f *FS) Stats() (Stats, error) {
	st := Stats{DefragSector: f.defragSector}

	for sector := 0; sector < f.dev.NumSectors(); sector++ {
		_, free, err := block.Scan(f.dev, sector)
		if err != nil {
			return Stats{}, errors.Wrapf(err, "fs: stats: scan sector %d", sector)
		}

		st.Sectors = append(st.Sectors, SectorStats{
			Sector:    sector,
			FreeBytes: f.dev.SectorSize(sector) - free,
			IsDefrag:  sector == f.defragSector,
		})
	}

	return st, nil
}

// Walk calls fn for every tag in the index, in sorted tag order, until
// fn returns false. It is used internally by nothing (defragment and
// WriteTx build their own sorted tag lists) and exposed for the dumpfs
// CLI verb.
func (f *FS) Walk(fn func(tag []byte, length uint32) bool) {
	tags := make([]string, 0, len(f.index))
	for tag := range f.index {
		tags = append(tags, tag)
	}

	sort.Strings(tags)

	for _, tag := range tags {
		if !fn([]byte(tag), f.index[tag].Length) {
			return
		}
	}
}
