// SPDX-License-Identifier: MIT

package tatsumaki

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"strconv"
	"time"
)

// Process Server-Sent Events as defined in https://www.w3.org/TR/eventsource/.
//
// The Tatsumaki push surface multiplexes two named events on one
// stream: "msg" and "unread".  Dispatch on Type happens in Stream.

type sseReader struct {
	s           *bufio.Scanner
	dataBuffer  bytes.Buffer
	lastEventID []byte

	// Valid until the following call to Next.  Copy before keeping.
	Type        []byte
	Data        []byte
	LastEventID []byte

	Err              error
	ReconnectionTime time.Duration
}

const sseMaxLineSize = 1024 * 1024

func newSSEReader(r io.Reader) *sseReader {
	sr := &sseReader{
		s: bufio.NewScanner(r),
	}
	sr.s.Buffer([]byte(nil), sseMaxLineSize)
	return sr
}

// Next advances to the next event in the stream.  It returns false at
// end of stream or on a read error, which is then available in Err.
func (sr *sseReader) Next() bool {
	var eventType []byte
	sr.dataBuffer.Reset()

	for sr.s.Scan() {
		line := sr.s.Bytes()

		if len(line) == 0 {
			if sr.dataBuffer.Len() > 0 {
				data := sr.dataBuffer.Bytes()
				if data[len(data)-1] == '\n' {
					data = data[:len(data)-1]
				}
				sr.Type = eventType
				sr.Data = data
				sr.LastEventID = sr.lastEventID
				return true
			}

			// Event boundary with no data accumulated: nothing to
			// deliver, keep scanning.
			eventType = nil
			continue
		}

		if line[0] == ':' {
			// Comment line, commonly used as keep-alive.
			continue
		}

		var field []byte
		var value []byte

		colon := bytes.IndexByte(line, ':')
		if colon == -1 {
			field = line
		} else {
			field = line[:colon]
			value = line[colon+1:]
			if len(value) > 0 && value[0] == ' ' {
				value = value[1:]
			}
		}

		switch {
		case bytes.Equal(field, []byte("event")):
			eventType = append([]byte(nil), value...)
		case bytes.Equal(field, []byte("data")):
			sr.dataBuffer.Write(value)
			sr.dataBuffer.WriteByte('\n')
		case bytes.Equal(field, []byte("id")):
			sr.lastEventID = append([]byte(nil), value...)
		case bytes.Equal(field, []byte("retry")):
			value = bytes.TrimSpace(value)
			if v, err := strconv.ParseUint(string(value), 10, 64); err == nil {
				const maxMilliseconds = uint64(math.MaxInt64 / time.Millisecond)
				if v > maxMilliseconds {
					v = maxMilliseconds
				}
				sr.ReconnectionTime = time.Duration(v) * time.Millisecond
			}
		default:
			// Unknown fields are ignored per the specification.
			continue
		}
	}

	sr.Type = nil
	sr.Data = nil
	sr.Err = sr.s.Err()
	return false
}
