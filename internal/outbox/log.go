// Package outbox provides a durable client-side queue for local writes
// awaiting synchronization with the backend.
package outbox

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fieldsync/fieldsync/pkg/types"
)

// recordKind identifies the type of a log record.
type recordKind string

const (
	recordEnqueue recordKind = "enqueue"
	recordStatus  recordKind = "status"
	recordRemove  recordKind = "remove"
)

// logRecord is a single durable record in the outbox log.
type logRecord struct {
	Seq        uint64           `json:"seq"`
	Kind       recordKind       `json:"kind"`
	Op         *types.Operation `json:"op,omitempty"`
	OpID       string           `json:"op_id,omitempty"`
	Status     types.OpStatus   `json:"status,omitempty"`
	RetryCount int              `json:"retry_count,omitempty"`
	LastError  string           `json:"last_error,omitempty"`
	Timestamp  int64            `json:"timestamp"`
}

// journal is an append-only segmented log with checksummed frames.
// Every append is fsynced before returning so an acknowledged enqueue
// survives process crash and power loss.
type journal struct {
	dir        string
	segment    *os.File
	segmentID  uint64
	offset     int64
	maxSegSize int64
	currentSeq uint64
	mu         sync.Mutex
}

// openJournal opens the journal in dir, creating it if needed.
func openJournal(dir string, maxSegSize int64) (*journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}

	j := &journal{
		dir:        dir,
		maxSegSize: maxSegSize,
	}

	if err := j.findLastSegment(); err != nil {
		return nil, err
	}

	if err := j.openSegment(); err != nil {
		return nil, err
	}

	return j, nil
}

// findLastSegment finds the highest segmentID from existing log files.
func (j *journal) findLastSegment() error {
	files, err := os.ReadDir(j.dir)
	if err != nil {
		return fmt.Errorf("failed to read outbox directory: %w", err)
	}

	var lastSegmentID uint64
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		name := file.Name()
		if len(name) < 27 || name[:7] != "outbox_" {
			continue
		}
		// Extract segmentID from filename: outbox_{segmentID:016x}.log
		var segmentID uint64
		_, err := fmt.Sscanf(name[7:23], "%016x", &segmentID)
		if err == nil && segmentID >= lastSegmentID {
			lastSegmentID = segmentID
		}
	}

	j.segmentID = lastSegmentID

	segmentPath := j.segmentPath(lastSegmentID)
	if _, err := os.Stat(segmentPath); os.IsNotExist(err) {
		return nil
	}

	records, err := readSegment(segmentPath)
	if err != nil {
		return err
	}
	if len(records) > 0 {
		j.currentSeq = records[len(records)-1].Seq
	}

	return nil
}

func (j *journal) segmentPath(id uint64) string {
	return filepath.Join(j.dir, fmt.Sprintf("outbox_%016x.log", id))
}

// openSegment opens the current segment file for appending.
func (j *journal) openSegment() error {
	file, err := os.OpenFile(j.segmentPath(j.segmentID), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open segment file: %w", err)
	}

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to seek segment: %w", err)
	}

	j.segment = file
	j.offset = offset

	return nil
}

// append adds a record to the journal and fsyncs it.
func (j *journal) append(rec *logRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.currentSeq++
	rec.Seq = j.currentSeq

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	crc := computeCRC32(payload)

	// Write to segment: [length:4][crc32:4][payload:length]
	if err := binary.Write(j.segment, binary.LittleEndian, uint32(len(payload))); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}
	if err := binary.Write(j.segment, binary.LittleEndian, crc); err != nil {
		return fmt.Errorf("failed to write CRC: %w", err)
	}
	if _, err := j.segment.Write(payload); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}

	if err := j.segment.Sync(); err != nil {
		return fmt.Errorf("failed to fsync: %w", err)
	}

	j.offset += int64(8 + len(payload))

	if j.offset >= j.maxSegSize {
		if err := j.rotateSegment(); err != nil {
			return err
		}
	}

	return nil
}

// rotateSegment closes the current segment and opens a new one.
func (j *journal) rotateSegment() error {
	if j.segment != nil {
		if err := j.segment.Close(); err != nil {
			return fmt.Errorf("failed to close segment: %w", err)
		}
	}

	j.segmentID++

	return j.openSegment()
}

// readAll replays every record from every segment in segment order.
func (j *journal) readAll() ([]*logRecord, error) {
	files, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox directory: %w", err)
	}

	var names []string
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		name := file.Name()
		if len(name) < 27 || name[:7] != "outbox_" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var all []*logRecord
	for _, name := range names {
		records, err := readSegment(filepath.Join(j.dir, name))
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
	}

	return all, nil
}

// compact replaces all segments with a single segment containing only
// the given live entries, each as a fresh enqueue record carrying its
// current status. Called with the outbox lock held.
func (j *journal) compact(live []*types.Operation) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.segment != nil {
		if err := j.segment.Close(); err != nil {
			return fmt.Errorf("failed to close segment: %w", err)
		}
		j.segment = nil
	}

	oldID := j.segmentID
	j.segmentID++

	if err := j.openSegment(); err != nil {
		return err
	}

	for _, op := range live {
		j.currentSeq++
		rec := &logRecord{
			Seq:  j.currentSeq,
			Kind: recordEnqueue,
			Op:   op,
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to serialize record: %w", err)
		}
		crc := computeCRC32(payload)
		if err := binary.Write(j.segment, binary.LittleEndian, uint32(len(payload))); err != nil {
			return fmt.Errorf("failed to write length: %w", err)
		}
		if err := binary.Write(j.segment, binary.LittleEndian, crc); err != nil {
			return fmt.Errorf("failed to write CRC: %w", err)
		}
		if _, err := j.segment.Write(payload); err != nil {
			return fmt.Errorf("failed to write payload: %w", err)
		}
		j.offset += int64(8 + len(payload))
	}

	if err := j.segment.Sync(); err != nil {
		return fmt.Errorf("failed to fsync: %w", err)
	}

	// Remove superseded segments only after the new segment is durable.
	for id := uint64(0); id <= oldID; id++ {
		path := j.segmentPath(id)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove old segment: %w", err)
		}
	}

	return nil
}

// close fsyncs and closes the current segment.
func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.segment != nil {
		if err := j.segment.Sync(); err != nil {
			return fmt.Errorf("failed to fsync on close: %w", err)
		}
		if err := j.segment.Close(); err != nil {
			return fmt.Errorf("failed to close segment: %w", err)
		}
		j.segment = nil
	}

	return nil
}

// computeCRC32 computes CRC32 using IEEE polynomial.
func computeCRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			if crc&1 == 1 {
				crc = (crc >> 1) ^ 0xEDB88320
			} else {
				crc >>= 1
			}
		}
	}
	return crc ^ 0xFFFFFFFF
}

// readSegment reads all records from a segment file, stopping at a
// truncated tail and skipping frames with a bad checksum.
func readSegment(segmentPath string) ([]*logRecord, error) {
	file, err := os.Open(segmentPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment: %w", err)
	}
	defer file.Close()

	var records []*logRecord
	for {
		var length uint32
		if err := binary.Read(file, binary.LittleEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to read length: %w", err)
		}

		var crc uint32
		if err := binary.Read(file, binary.LittleEndian, &crc); err != nil {
			break
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(file, payload); err != nil {
			// Truncated write - stop reading
			break
		}

		if computed := computeCRC32(payload); computed != crc {
			continue
		}

		var rec logRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			continue
		}

		records = append(records, &rec)
	}

	return records, nil
}
