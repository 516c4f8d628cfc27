package request

import (
	"bytes"
	"strconv"
	"strings"
)

type chunkPhase int

const (
	phaseSize chunkPhase = iota
	phaseData
	phaseDataEnd
	phaseTrailer
)

// chunkCursor carries decoder progress across Parse calls, including a
// size or trailer line that arrived only in part.
type chunkCursor struct {
	phase  chunkPhase
	line   []byte
	remain int64
}

// parseChunked decodes at most ChunkBudget bytes of data and consumes
// everything it looks at.
func (r *Request) parseChunked(data []byte) int {
	if len(data) > ChunkBudget {
		data = data[:ChunkBudget]
	}
	c := &r.chunk
	n := 0
	for n < len(data) && r.state == StateChunked {
		switch c.phase {
		case phaseSize:
			line, used, ok := c.readLine(data[n:])
			n += used
			if !ok {
				if len(c.line) > maxChunkLine {
					r.fail(400)
				}
				continue
			}
			size, valid := chunkSize(line)
			if !valid {
				r.fail(400)
				continue
			}
			if size == 0 {
				c.phase = phaseTrailer
				continue
			}
			if r.maxBody > 0 && size > r.maxBody-r.Body.Size() {
				r.fail(413)
				continue
			}
			c.remain = size
			c.phase = phaseData

		case phaseData:
			take := int64(len(data) - n)
			if take > c.remain {
				take = c.remain
			}
			if err := r.Body.Append(data[n : n+int(take)]); err != nil {
				r.fail(500)
				n += int(take)
				continue
			}
			n += int(take)
			c.remain -= take
			if c.remain == 0 {
				c.phase = phaseDataEnd
			}

		case phaseDataEnd:
			line, used, ok := c.readLine(data[n:])
			n += used
			if !ok {
				if len(c.line) > 1 {
					r.fail(400)
				}
				continue
			}
			if len(line) != 0 {
				r.fail(400)
				continue
			}
			c.phase = phaseSize

		case phaseTrailer:
			line, used, ok := c.readLine(data[n:])
			n += used
			if !ok {
				if len(c.line) > maxChunkLine {
					r.fail(400)
				}
				continue
			}
			if len(line) == 0 {
				r.state = StateDone
			}
		}
	}
	return n
}

// readLine accumulates bytes up to and including LF. It returns the line
// without CRLF once complete.
func (c *chunkCursor) readLine(data []byte) (line []byte, used int, ok bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		c.line = append(c.line, data...)
		return nil, len(data), false
	}
	c.line = append(c.line, data[:i]...)
	line = bytes.TrimSuffix(c.line, []byte("\r"))
	c.line = c.line[:0]
	return line, i + 1, true
}

// chunkSize parses "<hex>[;ext]".
func chunkSize(line []byte) (int64, bool) {
	s := string(line)
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.TrimLeft(s, "0123456789abcdefABCDEF") != "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 16, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
