package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
)

// Snapshot layout: [magic:u32][checkpoint_seq:u64][count:u64]
// [key_len:u32,key,value_len:u32,value]×count [crc32:u32], big-endian.
// The CRC covers everything after the magic.
const snapshotMagic uint32 = 0x4B564350 // "KVCP"

// ErrCorruptSnapshot means the checkpoint file failed validation. The rename
// that publishes a snapshot is atomic, so this indicates on-disk corruption
// and recovery must not proceed.
var ErrCorruptSnapshot = errors.New("storage: corrupt checkpoint snapshot")

// encodeSnapshot serializes a full copy of the store state. checkpointSeq is
// the highest WAL seq whose effect the snapshot incorporates. Keys are
// written in sorted order so identical states produce identical bytes.
func encodeSnapshot(checkpointSeq uint64, data map[string][]byte) []byte {
	keys := make([]string, 0, len(data))
	size := 4 + 8 + 8 + 4
	for k, v := range data {
		keys = append(keys, k)
		size += 8 + len(k) + len(v)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, snapshotMagic)
	buf = binary.BigEndian.AppendUint64(buf, checkpointSeq)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(keys)))
	for _, k := range keys {
		buf = appendLenPrefixed(buf, []byte(k))
		buf = appendLenPrefixed(buf, data[k])
	}
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf[4:]))
}

func decodeSnapshot(b []byte) (uint64, map[string][]byte, error) {
	if len(b) < 4+8+8+4 {
		return 0, nil, ErrCorruptSnapshot
	}
	if binary.BigEndian.Uint32(b[:4]) != snapshotMagic {
		return 0, nil, ErrCorruptSnapshot
	}
	body := b[4 : len(b)-4]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return 0, nil, ErrCorruptSnapshot
	}

	checkpointSeq := binary.BigEndian.Uint64(body[:8])
	count := binary.BigEndian.Uint64(body[8:16])
	data := make(map[string][]byte, count)
	off := 16
	for i := uint64(0); i < count; i++ {
		key, next, err := readLenPrefixed(body, off)
		if err != nil {
			return 0, nil, ErrCorruptSnapshot
		}
		value, next, err := readLenPrefixed(body, next)
		if err != nil {
			return 0, nil, ErrCorruptSnapshot
		}
		data[string(key)] = append([]byte(nil), value...)
		off = next
	}
	if off != len(body) {
		return 0, nil, ErrCorruptSnapshot
	}
	return checkpointSeq, data, nil
}

// writeFileAtomic writes payload to path via a temp file in the same
// directory, fsyncs it, renames it into place, and fsyncs the directory so
// the rename itself is durable.
func writeFileAtomic(path string, payload []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	dirFile, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = dirFile.Close() }()
	return dirFile.Sync()
}

// loadCheckpoint reads the snapshot at path. A missing file yields an empty
// state at seq 0; a file that fails validation is a fatal recovery error.
func loadCheckpoint(path string) (uint64, map[string][]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, make(map[string][]byte), nil
		}
		return 0, nil, fmt.Errorf("storage: read checkpoint %s: %w", path, err)
	}
	seq, data, err := decodeSnapshot(b)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s", err, path)
	}
	return seq, data, nil
}
