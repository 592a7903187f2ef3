// Package block frames a cached archiver response for storage in any tier.
package block

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
	"time"

	"github.com/klauspost/compress/s2"

	"github.com/gftdcojp/epics-archiver-mcp/internal/types"
)

const (
	// BlockMagic identifies the block format.
	BlockMagic = uint32(0x45414352) // "EACR" - EPICS Archiver Cached Response

	BlockVersion = uint16(1)

	// BlockHeaderSize: [4 magic][2 version][1 codec][1 reserved][8 fetched_at_ns]
	// [8 start_ns][8 end_ns][4 data_len][4 body_len][2 pv_len]
	BlockHeaderSize = 42

	// ChecksumSize is the trailing CRC32 over header, PV name and body.
	ChecksumSize = 4

	maxPVLen = 1<<16 - 1
)

var ErrCorruptBlock = errors.New("corrupt block")

// Codec selects how the response body is compressed.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecS2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecS2:
		return "s2"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec maps a config name to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "s2":
		return CodecS2, nil
	case "none":
		return CodecNone, nil
	default:
		return 0, fmt.Errorf("unknown compression %q (want s2 or none)", name)
	}
}

// Block is one immutable cached response.
type Block struct {
	Key       types.Key
	FetchedAt time.Time
	Codec     Codec
	// Data is the archiver response exactly as received.
	Data []byte
	// Raw is the encoded block in binary format.
	Raw       []byte
	SizeBytes int64
}

// New builds and encodes a block.
func New(key types.Key, data []byte, fetchedAt time.Time, codec Codec) (*Block, error) {
	b := &Block{Key: key, FetchedAt: fetchedAt, Codec: codec, Data: data}
	if err := b.Encode(); err != nil {
		return nil, err
	}
	return b, nil
}

// Encode serializes the block to binary format, populating Raw.
func (b *Block) Encode() error {
	if len(b.Key.PV) > maxPVLen {
		return fmt.Errorf("pv name too long: %d bytes", len(b.Key.PV))
	}

	var body []byte
	switch b.Codec {
	case CodecNone:
		body = b.Data
	case CodecS2:
		body = s2.Encode(nil, b.Data)
	default:
		return fmt.Errorf("unsupported codec %s", b.Codec)
	}

	buf := make([]byte, BlockHeaderSize, BlockHeaderSize+len(b.Key.PV)+len(body)+ChecksumSize)
	binary.BigEndian.PutUint32(buf[0:4], BlockMagic)
	binary.BigEndian.PutUint16(buf[4:6], BlockVersion)
	buf[6] = byte(b.Codec)
	binary.BigEndian.PutUint64(buf[8:16], uint64(b.FetchedAt.UnixNano()))
	binary.BigEndian.PutUint64(buf[16:24], uint64(b.Key.Start.UnixNano()))
	binary.BigEndian.PutUint64(buf[24:32], uint64(b.Key.End.UnixNano()))
	binary.BigEndian.PutUint32(buf[32:36], uint32(len(b.Data)))
	binary.BigEndian.PutUint32(buf[36:40], uint32(len(body)))
	binary.BigEndian.PutUint16(buf[40:42], uint16(len(b.Key.PV)))

	buf = append(buf, b.Key.PV...)
	buf = append(buf, body...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))

	b.Raw = buf
	b.SizeBytes = int64(len(buf))
	return nil
}

// Decode parses and verifies an encoded block.
func Decode(raw []byte) (*Block, error) {
	if len(raw) < BlockHeaderSize+ChecksumSize {
		return nil, fmt.Errorf("%w: too small: %d bytes", ErrCorruptBlock, len(raw))
	}

	magic := binary.BigEndian.Uint32(raw[0:4])
	if magic != BlockMagic {
		return nil, fmt.Errorf("%w: invalid magic: 0x%08X", ErrCorruptBlock, magic)
	}

	version := binary.BigEndian.Uint16(raw[4:6])
	if version != BlockVersion {
		return nil, fmt.Errorf("%w: unsupported version: %d", ErrCorruptBlock, version)
	}

	dataLen := int(binary.BigEndian.Uint32(raw[32:36]))
	bodyLen := int(binary.BigEndian.Uint32(raw[36:40]))
	pvLen := int(binary.BigEndian.Uint16(raw[40:42]))

	end := BlockHeaderSize + pvLen + bodyLen
	if end+ChecksumSize != len(raw) {
		return nil, fmt.Errorf("%w: length mismatch: header says %d bytes, got %d",
			ErrCorruptBlock, end+ChecksumSize, len(raw))
	}

	expectedCRC := binary.BigEndian.Uint32(raw[end:])
	if actualCRC := crc32.ChecksumIEEE(raw[:end]); expectedCRC != actualCRC {
		return nil, fmt.Errorf("%w: checksum mismatch: expected 0x%08X, got 0x%08X",
			ErrCorruptBlock, expectedCRC, actualCRC)
	}

	b := &Block{
		Key: types.Key{
			PV:    string(raw[BlockHeaderSize : BlockHeaderSize+pvLen]),
			Start: time.Unix(0, int64(binary.BigEndian.Uint64(raw[16:24]))).UTC(),
			End:   time.Unix(0, int64(binary.BigEndian.Uint64(raw[24:32]))).UTC(),
		},
		FetchedAt: time.Unix(0, int64(binary.BigEndian.Uint64(raw[8:16]))).UTC(),
		Codec:     Codec(raw[6]),
		Raw:       raw,
		SizeBytes: int64(len(raw)),
	}

	body := raw[BlockHeaderSize+pvLen : end]
	switch b.Codec {
	case CodecNone:
		b.Data = make([]byte, len(body))
		copy(b.Data, body)
	case CodecS2:
		data, err := s2.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing body: %v", ErrCorruptBlock, err)
		}
		b.Data = data
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrCorruptBlock, raw[6])
	}

	if len(b.Data) != dataLen {
		return nil, fmt.Errorf("%w: body length %d, header says %d", ErrCorruptBlock, len(b.Data), dataLen)
	}
	return b, nil
}
