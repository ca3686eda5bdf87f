package segment

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

const replayBufferSize = 64 * 1024

// replayResult carries what a replay learned about the file besides the index.
type replayResult struct {
	size     int64
	records  int
	lines    int
	tornTail bool // last line has no trailing newline
}

// Rebuild replays a segment file from the beginning and returns its index
// and the number of bytes consumed. Offsets are exact byte counts, so
// multibyte values index correctly. The first malformed line fails the
// whole rebuild and no partial index is returned.
func Rebuild(path string) (*Index, int64, error) {
	idx, res, err := replay(path)
	if err != nil {
		return nil, 0, err
	}
	return idx, res.size, nil
}

func replay(path string) (*Index, replayResult, error) {
	var res replayResult

	f, err := os.Open(path)
	if err != nil {
		return nil, res, fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	defer f.Close()

	idx := NewIndex()
	r := bufio.NewReaderSize(f, replayBufferSize)

	var offset int64
	for {
		line, readErr := r.ReadBytes(recordDelimiter)
		if len(line) > 0 {
			res.lines++
			body := line
			terminated := body[len(body)-1] == recordDelimiter
			if terminated {
				body = body[:len(body)-1]
			}

			// Empty lines carry no record but still count toward offsets.
			if len(body) > 0 {
				key, valueStart, reason := parseRecord(body)
				if reason != "" {
					return nil, res, &CorruptRecordError{
						Path:   path,
						Line:   res.lines,
						Offset: offset,
						Reason: reason,
					}
				}
				idx.Put(key, Entry{
					Offset: uint64(offset) + uint64(valueStart),
					Length: uint64(len(body) - valueStart),
				})
				res.records++
			}

			offset += int64(len(line))
			res.tornTail = !terminated
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, res, fmt.Errorf("failed to read segment %s at offset %d: %w", path, offset, readErr)
		}
	}

	res.size = offset
	return idx, res, nil
}
