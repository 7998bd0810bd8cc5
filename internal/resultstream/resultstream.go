// Package resultstream reads and writes the scan driver's result file: a
// versioned, length-prefixed JSON header followed by a flat sequence of
// fixed-width (index, latency) records.
package resultstream

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Version is the current on-disk format version byte.
const Version byte = 1

// legacyVersion is the original format, where a zero-latency record meant
// "no reply" rather than the versioned format's "omit the record".
const legacyVersion byte = 0

const recordSize = 8

// Record is one (index, latency) pair from the body.
type Record struct {
	Index           uint32
	LatencyTensOfNs uint32
}

// WriteHeader writes the version byte, the 4-byte little-endian length of
// the encoded config, and the config bytes themselves.
func WriteHeader(w io.Writer, config []byte) error {
	if _, err := w.Write([]byte{Version}); err != nil {
		return fmt.Errorf("resultstream: write version: %w", err)
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(config)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("resultstream: write header length: %w", err)
	}
	if _, err := w.Write(config); err != nil {
		return fmt.Errorf("resultstream: write header body: %w", err)
	}
	return nil
}

// WriteHeaderJSON is a convenience wrapper that JSON-encodes config before
// writing the header.
func WriteHeaderJSON(w io.Writer, config any) error {
	body, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("resultstream: encode config: %w", err)
	}
	return WriteHeader(w, body)
}

// WriteRecord appends one 8-byte record to the body.
func WriteRecord(w io.Writer, r Record) error {
	var buf [recordSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], r.Index)
	binary.LittleEndian.PutUint32(buf[4:8], r.LatencyTensOfNs)
	_, err := w.Write(buf[:])
	if err != nil {
		return fmt.Errorf("resultstream: write record: %w", err)
	}
	return nil
}

// Header is the decoded fixed header: its version and raw config bytes.
type Header struct {
	Version byte
	Config  []byte
}

// ReadHeader reads and returns the version byte and raw config body.
// Callers decode Config themselves (json.Unmarshal into their own type)
// since resultstream has no opinion on the config schema.
func ReadHeader(r io.Reader) (Header, error) {
	var versionBuf [1]byte
	if _, err := io.ReadFull(r, versionBuf[:]); err != nil {
		return Header{}, fmt.Errorf("resultstream: read version: %w", err)
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Header{}, fmt.Errorf("resultstream: read header length: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	config := make([]byte, n)
	if _, err := io.ReadFull(r, config); err != nil {
		return Header{}, fmt.Errorf("resultstream: read header body: %w", err)
	}
	return Header{Version: versionBuf[0], Config: config}, nil
}

// Read reads every record in the body, in file order. Duplicate indices
// (produced by scan-driver rewind on link recovery) are returned as-is;
// callers that need deduplication should index into a map keyed by Index,
// which naturally keeps the last occurrence (last write wins).
func Read(r io.Reader) ([]Record, error) {
	var records []Record
	var buf [recordSize]byte
	for {
		_, err := io.ReadFull(r, buf[:])
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, fmt.Errorf("resultstream: read record: %w", err)
		}
		records = append(records, Record{
			Index:           binary.LittleEndian.Uint32(buf[0:4]),
			LatencyTensOfNs: binary.LittleEndian.Uint32(buf[4:8]),
		})
	}
}

// ReadLegacyV0 reads a version-0 body, where a zero-latency record means
// "no reply" and is omitted from the returned slice rather than kept as a
// literal zero-duration record.
func ReadLegacyV0(r io.Reader) ([]Record, error) {
	all, err := Read(r)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if rec.LatencyTensOfNs == 0 {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// IsLegacy reports whether a header's version byte identifies the legacy
// zero-means-no-reply body format.
func IsLegacy(h Header) bool {
	return h.Version == legacyVersion
}
