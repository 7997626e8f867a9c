package kapti

import (
	"bytes"
	"strings"
)

// lineDecoder reassembles newline-delimited progress records out of
// arbitrarily split chunks. Bytes after the last newline are carried over to
// the next Feed.
type lineDecoder struct {
	buf     []byte
	dropped int
	// skipping is set while the rest of an overlong line is discarded.
	skipping bool
}

// maxPendingLine bounds the carry-over buffer. A fragment longer than this
// without a newline is dropped along with the rest of its line.
const maxPendingLine = recvBufferSize

// Feed appends chunk to the carry-over buffer and returns every complete
// record, in order. Lines that fail to decode are counted and skipped.
func (d *lineDecoder) Feed(chunk []byte) []ProgressEvent {
	if d.skipping {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			return nil
		}
		chunk = chunk[i+1:]
		d.skipping = false
	}
	d.buf = append(d.buf, chunk...)
	var events []ProgressEvent
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := string(d.buf[:i])
		d.buf = d.buf[i+1:]
		if line == "" {
			continue
		}
		events = d.decodeLine(line, events)
	}
	if len(d.buf) > maxPendingLine {
		d.dropped++
		debugf("dropping %d bytes of progress without a newline\n", len(d.buf))
		d.buf = nil
		d.skipping = true
	}
	// Start from a fresh slice once drained so the backing array does not grow forever.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return events
}

// Pending reports how many bytes are waiting for a newline.
func (d *lineDecoder) Pending() int { return len(d.buf) }

// Dropped reports how many lines were discarded as malformed.
func (d *lineDecoder) Dropped() int { return d.dropped }

func (d *lineDecoder) decodeLine(line string, events []ProgressEvent) []ProgressEvent {
	ev, err := ParseLine(line)
	if err == nil {
		return append(events, ev)
	}
	records := splitRecords(line)
	if len(records) == 1 {
		d.dropped++
		debugf("dropping progress line %q: %v\n", line, err)
		return events
	}
	for _, rec := range records {
		ev, err := ParseLine(rec)
		if err != nil {
			d.dropped++
			debugf("dropping progress record %q: %v\n", rec, err)
			continue
		}
		events = append(events, ev)
	}
	return events
}

// splitRecords separates records a writer emitted without their newline,
// which run together as "}JSON {".
func splitRecords(line string) []string {
	sep := "}" + linePrefix
	parts := strings.Split(line, sep)
	for i := range parts {
		if i > 0 {
			parts[i] = linePrefix + parts[i]
		}
		if i < len(parts)-1 {
			parts[i] += "}"
		}
	}
	return parts
}
