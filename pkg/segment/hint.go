package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"slices"

	"github.com/golang/snappy"
)

// Hint file layout, little endian, snappy-compressed as one block:
//
//	magic "SKVH" | version u8 | segment size u64 | count u32 | count x (key u64, offset u64, length u64)
//
// followed, uncompressed, by a crc32 (IEEE) of the compressed block.
const (
	hintMagic      = "SKVH"
	hintVersion    = 1
	hintHeaderSize = 4 + 1 + 8 + 4
	hintEntrySize  = 8 + 8 + 8
)

// WriteHint persists a snapshot of a frozen segment's index next to it.
// The file is written to a temp path, synced, then renamed into place.
func WriteHint(segmentPath string, segmentSize int64, idx *Index) error {
	entries := idx.Snapshot()
	keys := make([]uint64, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	payload := make([]byte, hintHeaderSize, hintHeaderSize+len(keys)*hintEntrySize)
	copy(payload, hintMagic)
	payload[4] = hintVersion
	binary.LittleEndian.PutUint64(payload[5:], uint64(segmentSize))
	binary.LittleEndian.PutUint32(payload[13:], uint32(len(keys)))
	for _, k := range keys {
		e := entries[k]
		payload = binary.LittleEndian.AppendUint64(payload, k)
		payload = binary.LittleEndian.AppendUint64(payload, e.Offset)
		payload = binary.LittleEndian.AppendUint64(payload, e.Length)
	}

	block := snappy.Encode(nil, payload)
	block = binary.LittleEndian.AppendUint32(block, crc32.ChecksumIEEE(block))

	path := HintPath(segmentPath)
	tmp := path + TempExtension
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create hint file: %w", err)
	}
	if _, err := f.Write(block); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write hint file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync hint file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close hint file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to install hint file: %w", err)
	}
	return nil
}

// LoadHint reads a hint file and returns the index it describes. It fails
// with ErrHintStale when the hint was taken at a different segment size and
// with ErrHintCorrupt when the file does not decode.
func LoadHint(hintPath string, segmentSize int64) (*Index, error) {
	data, err := os.ReadFile(hintPath)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %s is truncated", ErrHintCorrupt, hintPath)
	}

	block, sum := data[:len(data)-4], binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(block) != sum {
		return nil, fmt.Errorf("%w: %s checksum mismatch", ErrHintCorrupt, hintPath)
	}

	payload, err := snappy.Decode(nil, block)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrHintCorrupt, hintPath, err)
	}
	if len(payload) < hintHeaderSize || string(payload[:4]) != hintMagic {
		return nil, fmt.Errorf("%w: %s has a bad header", ErrHintCorrupt, hintPath)
	}
	if payload[4] != hintVersion {
		return nil, fmt.Errorf("%w: %s has unsupported version %d", ErrHintCorrupt, hintPath, payload[4])
	}

	size := int64(binary.LittleEndian.Uint64(payload[5:]))
	if size != segmentSize {
		return nil, fmt.Errorf("%w: hint covers %d bytes, segment has %d", ErrHintStale, size, segmentSize)
	}

	count := int(binary.LittleEndian.Uint32(payload[13:]))
	body := payload[hintHeaderSize:]
	if len(body) != count*hintEntrySize {
		return nil, fmt.Errorf("%w: %s declares %d entries but holds %d bytes", ErrHintCorrupt, hintPath, count, len(body))
	}

	idx := NewIndex()
	for i := 0; i < count; i++ {
		rec := body[i*hintEntrySize:]
		e := Entry{
			Offset: binary.LittleEndian.Uint64(rec[8:]),
			Length: binary.LittleEndian.Uint64(rec[16:]),
		}
		if e.Offset+e.Length > uint64(segmentSize) {
			return nil, fmt.Errorf("%w: %s points past the end of the segment", ErrHintCorrupt, hintPath)
		}
		idx.Put(binary.LittleEndian.Uint64(rec), e)
	}
	return idx, nil
}
