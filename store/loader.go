package store

import (
	"bufio"
	"fmt"
	"io"

	"github.com/kjk/kvlog/log"
	"github.com/kjk/kvlog/record"
)

// LoadStats describes what replaying the log found
type LoadStats struct {
	// number of complete records in the log
	Records int
	// number of keys with a live value after replay
	LiveKeys int
	// end of the last complete record, where appends continue
	ValidEnd int64
	// bytes of a partially written (or zero-filled) record dropped from
	// the end of the log
	TornBytes int64
}

// replay reads every record in l from the start, rebuilding ix, and
// positions the append cursor after the last complete record
func replay(l *Log, ix *Index) (LoadStats, error) {
	var stats LoadStats

	l.readMu.Lock()
	defer l.readMu.Unlock()

	size, err := l.r.Seek(0, io.SeekEnd)
	if err != nil {
		return stats, err
	}
	if _, err = l.r.Seek(0, io.SeekStart); err != nil {
		return stats, err
	}

	r := record.NewReader(bufio.NewReaderSize(l.r, 64*1024))
	r.Limit = size
	for r.ReadNext() {
		p := Pointer{
			Offset: r.CurrRecordPos,
			Length: r.NextRecordPos - r.CurrRecordPos,
		}
		rec := r.Record
		if rec.IsSet() {
			ix.Insert(rec.Key, p)
		} else {
			ix.Remove(rec.Key)
		}
		stats.Records++
	}
	if err = r.Err(); err != nil {
		return stats, &CorruptionError{Offset: r.CurrRecordPos, Err: err}
	}

	stats.ValidEnd = r.NextRecordPos
	stats.LiveKeys = ix.Len()
	stats.TornBytes = size - stats.ValidEnd
	if stats.TornBytes > 0 {
		log.Logf("store: '%s' ends with %d bytes of a partially written record at offset %d, dropping them\n", l.path, stats.TornBytes, stats.ValidEnd)
	}
	if err = l.setAppendOffset(stats.ValidEnd); err != nil {
		return stats, fmt.Errorf("failed to set append offset to %d: %w", stats.ValidEnd, err)
	}
	log.Verbosef("store: replayed %d records from '%s', %d live keys\n", stats.Records, l.path, stats.LiveKeys)
	return stats, nil
}
