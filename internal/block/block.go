// Package block implements the on-flash record format that sits beneath
// the file system: header (de)serialization, the scan that rebuilds the
// in-RAM index, and the two-step commit/retire lifecycle a block moves
// through. The scan is a single forward pass over a sector, stopping at
// the first record it can't make sense of.
package block

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/go-restruct/restruct"
	"github.com/pkg/errors"

	golog "github.com/dsoprea/go-logging"

	"github.com/elewis/cardos/internal/config"
	"github.com/elewis/cardos/internal/flash"
	applog "github.com/elewis/cardos/internal/log"
	"github.com/elewis/cardos/internal/status"
)

//go:generate go run golang.org/x/tools/cmd/stringer -type State -output state_string.go

// State is the validity state a scanned block is found in.
type State uint8

const (
	// StateNotYetValid means the not_yet_valid flag is still set; the
	// block's payload may not have been fully written.
	StateNotYetValid State = iota
	// StateValid means the block is the current version for its tag.
	StateValid
	// StateInvalid means the block has been retired and is ignored.
	StateInvalid
)

// MinTagLen and MaxTagLen bound a tag's length.
const (
	MinTagLen = 1
	MaxTagLen = 32
)

// Valid-flags bits, per the on-flash format: bit 0 is still_valid, bit 1
// is not_yet_valid. Both start at 1 (erased) and are cleared
// independently, never set back.
const (
	flagStillValid  uint16 = 1 << 0
	flagNotYetValid uint16 = 1 << 1

	validErased = 0xffff
)

// header is the on-flash layout of a block's fixed-position fields:
//
//	tag_len:u8 | tag:u8[tag_len] | data_len:u32le | checksum:u16le | valid_flags:u16le
//
// Tag is variable length, declared to go-restruct via the sizeof tag on
// TagLen. Checksum is a header-only integrity check (see checksum);
// Valid is programmed in two separate steps by Commit and Retire.
type header struct {
	TagLen   uint8  `struct:"uint8,sizeof=Tag"`
	Tag      []byte
	DataLen  uint32 `struct:"uint32"`
	Checksum uint16 `struct:"uint16"`
	Valid    uint16 `struct:"uint16"`
}

const fixedHeaderLen = 1 + 4 + 2 + 2 // everything but Tag

func encodedLen(tagLen int) int { return fixedHeaderLen + tagLen }

// Entry describes one block found by Scan.
type Entry struct {
	Tag           []byte
	Sector        int
	HeaderOffset  int
	PayloadOffset int
	Length        uint32
	State         State
}

// Sentinel errors. Errors from the underlying flash.Device are wrapped
// with github.com/pkg/errors so the file system's integrity logging can
// print the full cause chain.
var (
	ErrTagLen     = fmt.Errorf("block: tag length out of range: %w", status.ErrInvalidArgument)
	ErrOutOfSpace = fmt.Errorf("block: sector has insufficient free space: %w", status.ErrNoSpace)
)

func align(n, granularity int) int {
	if granularity <= 1 {
		return n
	}

	rem := n % granularity
	if rem == 0 {
		return n
	}

	return n + (granularity - rem)
}

// Scan walks sector from its start, yielding every block it can parse
// until it hits erased space, a corrupt header, or the sector end. It
// returns the blocks found, in on-flash order, and the offset at which
// free (erased) space begins, i.e. the next Commit's candidate offset.
//
// A header whose tag length reads as erased (0xff) or out of range,
// whose payload would run past the sector, or whose checksum fails to
// verify is treated as the start of free space, not an error; the rest
// of the sector is presumed erased.
func Scan(dev flash.Device, sector int) (entries []Entry, freeOffset int, err error) {
	size := dev.SectorSize(sector)
	offset := 0

	for {
		if offset >= size {
			break
		}

		tagLenByte := make([]byte, 1)
		if err := dev.Read(sector, offset, tagLenByte); err != nil {
			return entries, offset, errors.Wrapf(err, "block: scan sector %d", sector)
		}

		tagLen := int(tagLenByte[0])
		if tagLen < MinTagLen || tagLen > MaxTagLen {
			break
		}

		hlen := encodedLen(tagLen)
		if offset+hlen > size {
			break
		}

		raw := make([]byte, hlen)
		if err := dev.Read(sector, offset, raw); err != nil {
			return entries, offset, errors.Wrapf(err, "block: scan sector %d", sector)
		}

		h, perr := parseHeader(raw)
		if perr != nil {
			break
		}

		if h.DataLen == 0xffffffff {
			break
		}

		if !verifyChecksum(h) {
			applog.DefaultLogger().Warn("block: checksum mismatch, treating as end of data",
				"sector", sector, "offset", offset)
			break
		}

		payloadOffset := offset + hlen
		if payloadOffset+int(h.DataLen) > size {
			break
		}

		entries = append(entries, Entry{
			Tag:           h.Tag,
			Sector:        sector,
			HeaderOffset:  offset,
			PayloadOffset: payloadOffset,
			Length:        h.DataLen,
			State:         stateOf(h.Valid),
		})

		// Blocks start 4-byte aligned; the gap up to the next block stays
		// erased (0xFF) padding.
		offset = align(payloadOffset+int(h.DataLen), config.WriteGranularity)
	}

	return entries, offset, nil
}

func stateOf(valid uint16) State {
	switch {
	case valid&flagNotYetValid != 0:
		return StateNotYetValid
	case valid&flagStillValid != 0:
		return StateValid
	default:
		return StateInvalid
	}
}

// parseHeader unpacks raw into a header, converting any panic from the
// restruct/reflect machinery into a returned error the way the
// go-logging idiom recommends for deeply nested decode paths.
func parseHeader(raw []byte) (h header, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = golog.Wrap(e)
			} else {
				err = golog.Errorf("block: panic decoding header: %s [%s]", r, reflect.TypeOf(r))
			}
		}
	}()

	uerr := restruct.Unpack(raw, binary.LittleEndian, &h)
	golog.PanicIf(uerr)

	return h, nil
}

func marshalHeader(h header) (raw []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = golog.Wrap(e)
			} else {
				err = golog.Errorf("block: panic encoding header: %s [%s]", r, reflect.TypeOf(r))
			}
		}
	}()

	packed, perr := restruct.Pack(binary.LittleEndian, &h)
	golog.PanicIf(perr)

	return packed, nil
}

// checksum computes CRC-16/CCITT-FALSE over the header's tag_len, tag
// and data_len fields only: not the payload, and not valid_flags,
// which is mutated in place after the checksum is fixed.
func checksum(tag []byte, dataLen uint32) uint16 {
	buf := make([]byte, 1+len(tag)+4)
	buf[0] = byte(len(tag))
	copy(buf[1:], tag)
	binary.LittleEndian.PutUint32(buf[1+len(tag):], dataLen)

	return crc16CCITT(buf)
}

func verifyChecksum(h header) bool {
	return h.Checksum == checksum(h.Tag, h.DataLen)
}

const crc16Poly = 0x1021

// crc16CCITT is hand-written: the standard library has hash/crc32 and
// hash/crc64 but no CRC-16.
func crc16CCITT(data []byte) uint16 {
	crc := uint16(0xffff)

	for _, b := range data {
		crc ^= uint16(b) << 8

		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crc16Poly
			} else {
				crc <<= 1
			}
		}
	}

	return crc
}

// Stage writes a new block's header and payload, leaving not_yet_valid
// set: the block exists on flash but Scan still ignores it. Publish
// completes the commit. Commit is Stage immediately followed by
// Publish; transactions (internal/fs) use the two steps separately so a
// metablock can be staged before any of its members are promoted.
func Stage(dev flash.Device, sector int, tag []byte, data []byte) (Entry, error) {
	if len(tag) < MinTagLen || len(tag) > MaxTagLen {
		return Entry{}, errors.Wrapf(ErrTagLen, "len=%d", len(tag))
	}

	_, freeOffset, err := Scan(dev, sector)
	if err != nil {
		return Entry{}, err
	}

	hlen := encodedLen(len(tag))

	if freeOffset+hlen+len(data) > dev.SectorSize(sector) {
		return Entry{}, errors.Wrapf(ErrOutOfSpace, "sector %d", sector)
	}

	h := header{
		TagLen:   uint8(len(tag)),
		Tag:      tag,
		DataLen:  uint32(len(data)),
		Checksum: checksum(tag, uint32(len(data))),
		Valid:    validErased,
	}

	raw, err := marshalHeader(h)
	if err != nil {
		return Entry{}, errors.Wrap(err, "block: marshal header")
	}

	if err := dev.Write(sector, freeOffset, raw); err != nil {
		return Entry{}, errors.Wrapf(err, "block: write header sector %d offset %d", sector, freeOffset)
	}

	payloadOffset := freeOffset + hlen
	if len(data) > 0 {
		if err := dev.Write(sector, payloadOffset, data); err != nil {
			return Entry{}, errors.Wrapf(err, "block: write payload sector %d offset %d", sector, payloadOffset)
		}
	}

	return Entry{
		Tag:           tag,
		Sector:        sector,
		HeaderOffset:  freeOffset,
		PayloadOffset: payloadOffset,
		Length:        uint32(len(data)),
		State:         StateNotYetValid,
	}, nil
}

// Publish clears e's not_yet_valid flag, moving it from StateNotYetValid
// to StateValid. It returns the updated Entry.
func Publish(dev flash.Device, e Entry) (Entry, error) {
	flagsOffset := e.PayloadOffset - 2

	if err := writeValidFlags(dev, e.Sector, flagsOffset, validErased&^flagNotYetValid); err != nil {
		return e, errors.Wrapf(err, "block: publish block sector %d offset %d", e.Sector, e.HeaderOffset)
	}

	e.State = StateValid

	return e, nil
}

// Commit writes a new NotYetValid block, programs its payload, then
// clears the not_yet_valid flag to publish it. Any failure before the
// final flag clear leaves the block permanently ignored by Scan.
func Commit(dev flash.Device, sector int, tag []byte, data []byte) (Entry, error) {
	e, err := Stage(dev, sector, tag, data)
	if err != nil {
		return Entry{}, err
	}

	return Publish(dev, e)
}

// Retire clears e's still_valid flag, moving it to StateInvalid. Once
// retired, future scans ignore it.
func Retire(dev flash.Device, e Entry) error {
	flagsOffset := e.PayloadOffset - 2

	current := make([]byte, 2)
	if err := dev.Read(e.Sector, flagsOffset, current); err != nil {
		return errors.Wrapf(err, "block: retire sector %d offset %d", e.Sector, flagsOffset)
	}

	// Only still_valid is cleared; every other bit is written back as it
	// reads, so no bit is asked to go 0→1.
	next := binary.LittleEndian.Uint16(current) &^ flagStillValid

	if err := writeValidFlags(dev, e.Sector, flagsOffset, next); err != nil {
		return errors.Wrapf(err, "block: retire sector %d offset %d", e.Sector, flagsOffset)
	}

	return nil
}

func writeValidFlags(dev flash.Device, sector, offset int, newValue uint16) error {
	raw := make([]byte, 2)
	binary.LittleEndian.PutUint16(raw, newValue)

	return dev.Write(sector, offset, raw)
}
