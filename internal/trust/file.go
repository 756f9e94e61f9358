package trust

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/facebookgo/atomicfile"
	fslock "github.com/ipfs/go-fs-lock"
	"github.com/libp2p/go-libp2p/core/peer"
)

// On-disk layout: 4-byte magic, 1-byte format version, then a sequence of
// records. Each record is
//
//	idLen u16 | id | level u8 | labelLen u16 | label |
//	firstSeen i64 | lastUpdated i64 | crc32 u32
//
// all big-endian, the checksum covering the record bytes before it.
// Trailing all-zero padding after the last record is tolerated; anything
// else malformed fails the whole load.

var storeMagic = []byte("DXTS")

const (
	storeVersion  = 1
	storeFileMode = 0o600
	lockFileName  = "truststore.lock"
)

func lockStoreDir(path string) (io.Closer, error) {
	return fslock.Lock(filepath.Dir(path), lockFileName)
}

func readStoreFile(path string) (map[peer.ID]Record, error) {
	records := make(map[peer.ID]Record)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return records, nil
		}
		return nil, fmt.Errorf("reading trust store: %w", err)
	}
	if len(data) == 0 {
		return records, nil
	}
	if len(data) < len(storeMagic)+1 || !bytes.Equal(data[:len(storeMagic)], storeMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptStore)
	}
	if data[len(storeMagic)] != storeVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d",
			ErrCorruptStore, data[len(storeMagic)])
	}

	rest := data[len(storeMagic)+1:]
	for len(rest) > 0 {
		if allZero(rest) {
			break
		}
		rec, n, err := decodeRecord(rest)
		if err != nil {
			return nil, err
		}
		records[rec.Identity] = rec
		rest = rest[n:]
	}
	return records, nil
}

func writeStoreFile(path string, records map[peer.ID]Record) error {
	f, err := atomicfile.New(path, storeFileMode)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Write(storeMagic)
	buf.WriteByte(storeVersion)
	for _, rec := range records {
		if err := encodeRecord(&buf, rec); err != nil {
			f.Abort()
			return err
		}
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Abort()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Abort()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return syncDir(filepath.Dir(path))
}

func encodeRecord(buf *bytes.Buffer, rec Record) error {
	id := []byte(rec.Identity)
	if len(id) == 0 || len(id) > maxIdentityLen {
		return fmt.Errorf("record identity length %d out of range", len(id))
	}
	if len(rec.Label) > maxLabelLen {
		return fmt.Errorf("record label length %d out of range", len(rec.Label))
	}

	var body bytes.Buffer
	binary.Write(&body, binary.BigEndian, uint16(len(id)))
	body.Write(id)
	body.WriteByte(byte(rec.Level))
	binary.Write(&body, binary.BigEndian, uint16(len(rec.Label)))
	body.WriteString(rec.Label)
	binary.Write(&body, binary.BigEndian, rec.FirstSeen)
	binary.Write(&body, binary.BigEndian, rec.LastUpdated)

	buf.Write(body.Bytes())
	binary.Write(buf, binary.BigEndian, crc32.ChecksumIEEE(body.Bytes()))
	return nil
}

// decodeRecord parses one record from the front of data, returning the
// record and the number of bytes consumed.
func decodeRecord(data []byte) (Record, int, error) {
	var rec Record

	if len(data) < 2 {
		return rec, 0, fmt.Errorf("%w: truncated record header", ErrCorruptStore)
	}
	idLen := int(binary.BigEndian.Uint16(data))
	if idLen == 0 || idLen > maxIdentityLen {
		return rec, 0, fmt.Errorf("%w: identity length %d", ErrCorruptStore, idLen)
	}
	off := 2
	if len(data) < off+idLen+1+2 {
		return rec, 0, fmt.Errorf("%w: truncated record", ErrCorruptStore)
	}
	id := peer.ID(data[off : off+idLen])
	off += idLen

	level := Level(data[off])
	off++
	if !level.valid() {
		return rec, 0, fmt.Errorf("%w: invalid level %d", ErrCorruptStore, level)
	}

	labelLen := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if labelLen > maxLabelLen {
		return rec, 0, fmt.Errorf("%w: label length %d", ErrCorruptStore, labelLen)
	}
	// label + firstSeen + lastUpdated + crc32
	if len(data) < off+labelLen+8+8+4 {
		return rec, 0, fmt.Errorf("%w: truncated record", ErrCorruptStore)
	}
	label := string(data[off : off+labelLen])
	off += labelLen

	firstSeen := int64(binary.BigEndian.Uint64(data[off:]))
	off += 8
	lastUpdated := int64(binary.BigEndian.Uint64(data[off:]))
	off += 8

	sum := binary.BigEndian.Uint32(data[off:])
	if sum != crc32.ChecksumIEEE(data[:off]) {
		return rec, 0, fmt.Errorf("%w: checksum mismatch for %s", ErrCorruptStore, id)
	}
	off += 4

	rec = Record{
		Identity:    id,
		Level:       level,
		Label:       label,
		FirstSeen:   firstSeen,
		LastUpdated: lastUpdated,
	}
	return rec, off, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
