package ingestion

import "bytes"

var (
	mboxMarker    = []byte("From ")
	mboxDelimiter = []byte("\nFrom ")
)

// Splitter cuts an mbox byte stream into messages. It does no I/O: callers
// Feed it chunks as they arrive and Flush once the stream ends.
//
// Every emitted message starts with the "From " envelope line. When the
// stream does not start with one, "From " is prepended to the first message.
// Escaped body lines (">From ") are passed through as they are.
type Splitter struct {
	buf     []byte
	scanned int
	started bool
}

// Feed appends chunk and returns every message completed by it.
func (s *Splitter) Feed(chunk []byte) [][]byte {
	s.buf = append(s.buf, chunk...)
	if !s.started {
		if len(s.buf) < len(mboxMarker) {
			return nil
		}
		s.start()
	}
	return s.split()
}

// Flush returns the trailing message, or nil when nothing is buffered.
func (s *Splitter) Flush() []byte {
	if len(s.buf) == 0 {
		return nil
	}
	if !s.started {
		s.start()
	}
	out := s.buf
	s.buf = nil
	s.scanned = 0
	return out
}

func (s *Splitter) start() {
	s.started = true
	if !bytes.HasPrefix(s.buf, mboxMarker) {
		s.buf = append(append(make([]byte, 0, len(mboxMarker)+len(s.buf)), mboxMarker...), s.buf...)
	}
}

func (s *Splitter) split() [][]byte {
	var out [][]byte
	consumed := 0
	for {
		i := bytes.Index(s.buf[consumed+s.scanned:], mboxDelimiter)
		if i < 0 {
			break
		}
		end := consumed + s.scanned + i
		if end > consumed {
			out = append(out, bytes.Clone(s.buf[consumed:end]))
		}
		// the next message keeps its "From " line
		consumed = end + 1
		s.scanned = 0
	}

	if consumed > 0 {
		s.buf = bytes.Clone(s.buf[consumed:])
	}
	// a delimiter may still straddle the end of buf
	s.scanned = max(0, len(s.buf)-len(mboxDelimiter)+1)
	return out
}
