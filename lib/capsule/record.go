// Copyright 2026 The Memvid Authors
// SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"
)

// File header: 4 magic bytes "MV2\0" followed by the format major
// version. Readers accept any file whose major is at or below
// FormatVersion; writers refuse newer majors.
const (
	headerMagic   = "MV2\x00"
	FormatVersion = 0x01

	// HeaderSize is the fixed header length in bytes.
	HeaderSize = 5
)

// recordFixedOverhead is the per-record framing outside meta and
// payload: kind (1) + meta_len (4) + crc32c (4). The u32 record_len
// prefix is not included — record_len counts exactly these bytes plus
// meta and payload.
const recordFixedOverhead = 1 + 4 + 4

// maxRecordLen bounds a single record. A length prefix above this is
// treated as corruption rather than an attempt to allocate it.
const maxRecordLen = 1 << 30

// crcTable is the Castagnoli (CRC-32C) table used by the record
// trailer.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// TagPrivateScratch marks an event payload as scratch content that
// safe exports redact.
const TagPrivateScratch = "private_scratch"

// RecordMeta is the JSON metadata block of every record. Fields not
// relevant to a record kind are omitted from the encoding. Unknown
// fields written by newer minors are ignored on decode.
type RecordMeta struct {
	URI    LogicalUri `json:"uri,omitempty"`
	Branch BranchId   `json:"branch,omitempty"`

	Creator   string    `json:"creator,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	Tags        []string `json:"tags,omitempty"`
	ContentType string   `json:"content_type,omitempty"`

	// ContentSHA256 is the hex SHA-256 over the payload bytes. Readers
	// verify it on every Get; a mismatch is a hard error.
	ContentSHA256 string `json:"content_sha256,omitempty"`

	ParentURI LogicalUri `json:"parent_uri,omitempty"`
	PolicyID  string     `json:"policy_id,omitempty"`

	// IdempotencyKey makes content-identical put retries idempotent.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// EventType is set on event records only.
	EventType EventType `json:"event_type,omitempty"`
}

// HasTag reports whether the record carries the given tag.
func (m *RecordMeta) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Record is a decoded capsule record.
type Record struct {
	Kind    ObjectType
	Meta    RecordMeta
	Payload []byte
}

// WriteHeader writes the capsule file header to w.
func WriteHeader(w io.Writer) error {
	if _, err := w.Write([]byte{headerMagic[0], headerMagic[1], headerMagic[2], headerMagic[3], FormatVersion}); err != nil {
		return fmt.Errorf("writing capsule header: %w", err)
	}
	return nil
}

// CheckHeader validates the first HeaderSize bytes of a capsule file.
// Returns ErrBadMagic for foreign files and ErrUnsupportedVersion for
// files written by a newer format major.
func CheckHeader(header []byte) error {
	if len(header) < HeaderSize || string(header[:4]) != headerMagic {
		return ErrBadMagic
	}
	if header[4] > FormatVersion {
		return fmt.Errorf("%w: file declares v%d, this reader supports up to v%d",
			ErrUnsupportedVersion, header[4], FormatVersion)
	}
	return nil
}

// EncodeRecord serializes a record into its wire form:
//
//	u32 record_len (BE)
//	u8  record_kind
//	u32 meta_len   (BE)
//	meta_json
//	payload
//	u32 crc32c over (kind || meta || payload) (BE)
func EncodeRecord(kind ObjectType, meta RecordMeta, payload []byte) ([]byte, error) {
	if kind >= objectTypeCount {
		return nil, fmt.Errorf("invalid record kind %d", kind)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshaling record meta: %w", err)
	}

	recordLen := recordFixedOverhead + len(metaJSON) + len(payload)
	buffer := make([]byte, 4+recordLen)

	binary.BigEndian.PutUint32(buffer[0:4], uint32(recordLen))
	buffer[4] = byte(kind)
	binary.BigEndian.PutUint32(buffer[5:9], uint32(len(metaJSON)))
	copy(buffer[9:], metaJSON)
	copy(buffer[9+len(metaJSON):], payload)

	crc := crc32.Checksum(buffer[4:len(buffer)-4], crcTable)
	binary.BigEndian.PutUint32(buffer[len(buffer)-4:], crc)
	return buffer, nil
}

// EncodedSize returns the on-disk size EncodeRecord would produce.
func EncodedSize(meta RecordMeta, payloadLen int) (int, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("marshaling record meta: %w", err)
	}
	return 4 + recordFixedOverhead + len(metaJSON) + payloadLen, nil
}

// DecodeRecord parses one record from data, which must begin at a
// record boundary at the given file offset (used only for error
// reporting). Returns the record and the number of bytes consumed.
//
// A record whose length prefix exceeds the remaining bytes is a torn
// tail, not corruption: the writer was interrupted mid-append.
func DecodeRecord(data []byte, offset int64) (*Record, int, error) {
	if len(data) < 4 {
		return nil, 0, &TornTailError{Offset: offset}
	}
	recordLen := binary.BigEndian.Uint32(data[0:4])
	if recordLen > maxRecordLen || recordLen < recordFixedOverhead {
		return nil, 0, &CorruptionError{Offset: offset, Reason: fmt.Sprintf("implausible record length %d", recordLen)}
	}
	if int(recordLen) > len(data)-4 {
		return nil, 0, &TornTailError{Offset: offset}
	}

	body := data[4 : 4+recordLen]
	storedCRC := binary.BigEndian.Uint32(body[len(body)-4:])
	if crc32.Checksum(body[:len(body)-4], crcTable) != storedCRC {
		return nil, 0, &CorruptionError{Offset: offset, Reason: "crc32c mismatch"}
	}

	kind := ObjectType(body[0])
	if kind >= objectTypeCount {
		return nil, 0, &CorruptionError{Offset: offset, Reason: fmt.Sprintf("unknown record kind %d", body[0])}
	}

	metaLen := binary.BigEndian.Uint32(body[1:5])
	if int(metaLen) > int(recordLen)-recordFixedOverhead {
		return nil, 0, &CorruptionError{Offset: offset, Reason: fmt.Sprintf("meta length %d exceeds record", metaLen)}
	}

	var meta RecordMeta
	if err := json.Unmarshal(body[5:5+metaLen], &meta); err != nil {
		return nil, 0, &CorruptionError{Offset: offset, Reason: fmt.Sprintf("bad meta json: %v", err)}
	}

	payload := make([]byte, int(recordLen)-recordFixedOverhead-int(metaLen))
	copy(payload, body[5+metaLen:len(body)-4])

	return &Record{Kind: kind, Meta: meta, Payload: payload}, 4 + int(recordLen), nil
}

// ScannedRecord pairs a decoded record with its physical location.
type ScannedRecord struct {
	Record  *Record
	Pointer PhysicalPointer
}

// Scanner iterates the records of a capsule stream. The caller
// validates the header (or asks the scanner to) and then calls Next
// until it returns io.EOF, a *TornTailError, or a *CorruptionError.
type Scanner struct {
	reader *bufio.Reader
	offset int64
}

// NewScanner creates a scanner positioned immediately after the file
// header. The reader must be positioned at byte 0; the header is read
// and validated here.
func NewScanner(r io.Reader) (*Scanner, error) {
	buffered := bufio.NewReaderSize(r, 1<<16)
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(buffered, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrBadMagic
		}
		return nil, fmt.Errorf("reading capsule header: %w", err)
	}
	if err := CheckHeader(header); err != nil {
		return nil, err
	}
	return &Scanner{reader: buffered, offset: HeaderSize}, nil
}

// Next returns the next record. io.EOF marks a clean end of file; a
// *TornTailError marks a partial final record and reports the offset
// the file should be truncated to.
func (s *Scanner) Next() (*ScannedRecord, error) {
	start := s.offset

	var lengthPrefix [4]byte
	if _, err := io.ReadFull(s.reader, lengthPrefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &TornTailError{Offset: start}
		}
		return nil, fmt.Errorf("reading record length at offset %d: %w", start, err)
	}
	recordLen := binary.BigEndian.Uint32(lengthPrefix[:])
	if recordLen > maxRecordLen || recordLen < recordFixedOverhead {
		return nil, &CorruptionError{Offset: start, Reason: fmt.Sprintf("implausible record length %d", recordLen)}
	}

	buffer := make([]byte, 4+recordLen)
	copy(buffer, lengthPrefix[:])
	if _, err := io.ReadFull(s.reader, buffer[4:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &TornTailError{Offset: start}
		}
		return nil, fmt.Errorf("reading record body at offset %d: %w", start, err)
	}

	record, consumed, err := DecodeRecord(buffer, start)
	if err != nil {
		return nil, err
	}
	s.offset = start + int64(consumed)

	return &ScannedRecord{
		Record: record,
		Pointer: PhysicalPointer{
			Offset: start,
			Length: uint32(consumed),
			Kind:   record.Kind,
		},
	}, nil
}

// Offset returns the byte position of the next record boundary.
func (s *Scanner) Offset() int64 { return s.offset }

// ReadRecordAt reads and decodes a single record located by ptr.
func ReadRecordAt(r io.ReaderAt, ptr PhysicalPointer) (*Record, error) {
	buffer := make([]byte, ptr.Length)
	if _, err := r.ReadAt(buffer, ptr.Offset); err != nil {
		return nil, fmt.Errorf("reading record at offset %d: %w", ptr.Offset, err)
	}
	record, consumed, err := DecodeRecord(buffer, ptr.Offset)
	if err != nil {
		return nil, err
	}
	if consumed != int(ptr.Length) {
		return nil, &CorruptionError{Offset: ptr.Offset, Reason: "pointer length does not match record length"}
	}
	return record, nil
}
