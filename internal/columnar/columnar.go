// Package columnar implements the read-optimized derived binary cache
// of §4.10: a dictionary-encoded, delta-timestamped snapshot of the
// event log used to shortcut cold-start full rebuilds. The cache is
// never authoritative — any read error, corruption, or version
// mismatch falls back to re-parsing shards directly.
//
// No columnar-cache library appears anywhere in the retrieved corpus;
// this bespoke binary format is built on the standard library alone
// (encoding/binary for varints, hash/crc32 for the corruption check),
// justified in DESIGN.md.
package columnar

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/bonesdb/bones/internal/types"
)

// magic identifies a columnar cache file.
var magic = [8]byte{'b', 'n', 's', 'c', 'o', 'l', '\n', 0}

// FormatVersion is the cache format version this build writes and
// reads. Unlike the event log's own VersionTooNew guard, a columnar
// cache with a mismatched version is simply discarded: it is a
// disposable derived artifact, never a source of truth.
const FormatVersion = 1

// header is the fixed-size leading section of a cache file.
type header struct {
	Version   uint32
	RowCount  uint32
	CreatedAt int64 // microseconds
	DataCRC   uint32
}

const headerSize = 8 /*magic*/ + 4 + 4 + 8 + 4

// Write serializes events to w as a columnar cache, stamped with
// createdAtUS (the wall-clock time the cache was produced).
func Write(w io.Writer, events []types.Event, createdAtUS int64) error {
	body, err := encodeBody(events)
	if err != nil {
		return fmt.Errorf("columnar: encoding body: %w", err)
	}

	buf := &bytes.Buffer{}
	buf.Write(magic[:])
	_ = binary.Write(buf, binary.LittleEndian, uint32(FormatVersion))
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(events)))
	_ = binary.Write(buf, binary.LittleEndian, createdAtUS)
	_ = binary.Write(buf, binary.LittleEndian, crc32.ChecksumIEEE(body))
	buf.Write(body)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("columnar: writing cache: %w", err)
	}
	return nil
}

// Read deserializes a columnar cache from r, verifying its checksum.
// Any failure here — a bad magic, an unsupported version, a checksum
// mismatch, or truncated data — is reported as an error; per §4.10,
// callers treat any error as "cache missing", not a hard failure, and
// fall back to re-parsing shards.
func Read(r io.Reader) ([]types.Event, error) {
	br := bufio.NewReader(r)

	var gotMagic [8]byte
	if _, err := io.ReadFull(br, gotMagic[:]); err != nil {
		return nil, fmt.Errorf("columnar: reading magic: %w", err)
	}
	if gotMagic != magic {
		return nil, fmt.Errorf("columnar: bad magic, not a columnar cache file")
	}

	var h header
	if err := binary.Read(br, binary.LittleEndian, &h.Version); err != nil {
		return nil, fmt.Errorf("columnar: reading version: %w", err)
	}
	if h.Version != FormatVersion {
		return nil, fmt.Errorf("columnar: unsupported cache version %d, expected %d", h.Version, FormatVersion)
	}
	if err := binary.Read(br, binary.LittleEndian, &h.RowCount); err != nil {
		return nil, fmt.Errorf("columnar: reading row count: %w", err)
	}
	if err := binary.Read(br, binary.LittleEndian, &h.CreatedAt); err != nil {
		return nil, fmt.Errorf("columnar: reading created_at: %w", err)
	}
	if err := binary.Read(br, binary.LittleEndian, &h.DataCRC); err != nil {
		return nil, fmt.Errorf("columnar: reading data crc: %w", err)
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("columnar: reading body: %w", err)
	}
	if crc32.ChecksumIEEE(body) != h.DataCRC {
		return nil, fmt.Errorf("columnar: data crc mismatch, cache is corrupt")
	}

	events, err := decodeBody(body, int(h.RowCount))
	if err != nil {
		return nil, fmt.Errorf("columnar: decoding body: %w", err)
	}
	return events, nil
}

// CreatedAt reads just the header of a cache to learn when it was
// produced, without decoding the full body — used by the freshness
// check that decides whether the cache can shortcut a rebuild.
func CreatedAt(r io.Reader) (int64, error) {
	var gotMagic [8]byte
	if _, err := io.ReadFull(r, gotMagic[:]); err != nil {
		return 0, fmt.Errorf("columnar: reading magic: %w", err)
	}
	if gotMagic != magic {
		return 0, fmt.Errorf("columnar: bad magic, not a columnar cache file")
	}
	var version, rowCount uint32
	var createdAt int64
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return 0, err
	}
	if err := binary.Read(r, binary.LittleEndian, &rowCount); err != nil {
		return 0, err
	}
	if err := binary.Read(r, binary.LittleEndian, &createdAt); err != nil {
		return 0, err
	}
	return createdAt, nil
}

// dictionary assigns stable, first-seen-order integer IDs to repeated
// strings (agent IDs, event types, item IDs, and event/parent hashes),
// so rows can reference a varint index instead of repeating the string.
type dictionary struct {
	values []string
	index  map[string]int
}

func newDictionary() *dictionary {
	return &dictionary{index: map[string]int{}}
}

func (d *dictionary) intern(s string) int {
	if i, ok := d.index[s]; ok {
		return i
	}
	i := len(d.values)
	d.index[s] = i
	d.values = append(d.values, s)
	return i
}

func writeDictionary(buf *bytes.Buffer, d *dictionary) {
	writeUvarint(buf, uint64(len(d.values)))
	for _, v := range d.values {
		writeBytes(buf, []byte(v))
	}
}

func readDictionary(r io.ByteReader) ([]string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("reading dictionary length: %w", err)
	}
	out := make([]string, n)
	for i := range out {
		b, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("reading dictionary entry %d: %w", i, err)
		}
		out[i] = string(b)
	}
	return out, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeVarint(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readBytes(r io.ByteReader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	for i := range out {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// encodeBody writes the dictionary section followed by the row
// section: deltas+varints for timestamps, dictionary indices for
// agent/type/item_id, interned indices for event and parent hashes,
// raw length-prefixed ITC stamp bytes, and length-prefixed JSON
// payloads, per §4.10's column layout.
func encodeBody(events []types.Event) ([]byte, error) {
	agents := newDictionary()
	types_ := newDictionary()
	items := newDictionary()
	hashes := newDictionary()

	for _, e := range events {
		agents.intern(e.Agent)
		types_.intern(string(e.Type))
		items.intern(e.ItemID)
		hashes.intern(e.EventHash)
		for _, p := range e.Parents {
			hashes.intern(p)
		}
	}

	buf := &bytes.Buffer{}
	writeDictionary(buf, agents)
	writeDictionary(buf, types_)
	writeDictionary(buf, items)
	writeDictionary(buf, hashes)

	var prevWallTS int64
	for _, e := range events {
		writeVarint(buf, e.WallTimeUS-prevWallTS)
		prevWallTS = e.WallTimeUS

		writeUvarint(buf, uint64(agents.intern(e.Agent)))
		writeBytes(buf, []byte(e.ITC))
		writeUvarint(buf, uint64(len(e.Parents)))
		for _, p := range e.Parents {
			writeUvarint(buf, uint64(hashes.intern(p)))
		}
		writeUvarint(buf, uint64(types_.intern(string(e.Type))))
		writeUvarint(buf, uint64(items.intern(e.ItemID)))

		dataJSON, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("marshaling data for %s: %w", e.EventHash, err)
		}
		writeBytes(buf, dataJSON)
		writeUvarint(buf, uint64(hashes.intern(e.EventHash)))
	}
	return buf.Bytes(), nil
}

func decodeBody(body []byte, rowCount int) ([]types.Event, error) {
	r := bytes.NewReader(body)

	agents, err := readDictionary(r)
	if err != nil {
		return nil, fmt.Errorf("reading agent dictionary: %w", err)
	}
	eventTypes, err := readDictionary(r)
	if err != nil {
		return nil, fmt.Errorf("reading type dictionary: %w", err)
	}
	items, err := readDictionary(r)
	if err != nil {
		return nil, fmt.Errorf("reading item dictionary: %w", err)
	}
	hashes, err := readDictionary(r)
	if err != nil {
		return nil, fmt.Errorf("reading hash dictionary: %w", err)
	}

	events := make([]types.Event, 0, rowCount)
	var wallTS int64
	for i := 0; i < rowCount; i++ {
		delta, err := binary.ReadVarint(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: reading wall_ts_us delta: %w", i, err)
		}
		wallTS += delta

		agentIdx, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: reading agent index: %w", i, err)
		}
		if int(agentIdx) >= len(agents) {
			return nil, fmt.Errorf("row %d: agent index %d out of range", i, agentIdx)
		}

		itcBytes, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: reading itc stamp: %w", i, err)
		}

		parentCount, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: reading parent count: %w", i, err)
		}
		parents := make([]string, parentCount)
		for j := range parents {
			idx, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, fmt.Errorf("row %d: reading parent %d: %w", i, j, err)
			}
			if int(idx) >= len(hashes) {
				return nil, fmt.Errorf("row %d: parent index %d out of range", i, idx)
			}
			parents[j] = hashes[idx]
		}

		typeIdx, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: reading type index: %w", i, err)
		}
		if int(typeIdx) >= len(eventTypes) {
			return nil, fmt.Errorf("row %d: type index %d out of range", i, typeIdx)
		}

		itemIdx, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: reading item index: %w", i, err)
		}
		if int(itemIdx) >= len(items) {
			return nil, fmt.Errorf("row %d: item index %d out of range", i, itemIdx)
		}

		dataJSON, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: reading data payload: %w", i, err)
		}
		var data map[string]any
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &data); err != nil {
				return nil, fmt.Errorf("row %d: unmarshaling data payload: %w", i, err)
			}
		}

		hashIdx, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: reading event hash index: %w", i, err)
		}
		if int(hashIdx) >= len(hashes) {
			return nil, fmt.Errorf("row %d: event hash index %d out of range", i, hashIdx)
		}

		events = append(events, types.Event{
			WallTimeUS: wallTS,
			Agent:      agents[agentIdx],
			ITC:        string(itcBytes),
			Parents:    parents,
			Type:       types.EventType(eventTypes[typeIdx]),
			ItemID:     items[itemIdx],
			Data:       data,
			EventHash:  hashes[hashIdx],
		})
	}
	return events, nil
}
