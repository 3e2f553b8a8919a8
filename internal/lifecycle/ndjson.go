package lifecycle

import (
	"bytes"
	"io"
)

// lineSplitter yields newline-delimited records from chunked reads,
// carrying partial lines over between reads. Unlike a buffered scanner
// it has no fixed token limit and tolerates records split across
// arbitrary chunk boundaries.
type lineSplitter struct {
	r     io.Reader
	buf   []byte
	carry []byte
	eof   bool
}

func newLineSplitter(r io.Reader) *lineSplitter {
	return &lineSplitter{
		r:   r,
		buf: make([]byte, 4096),
	}
}

// Next returns the next complete line without its newline. At stream
// end a non-empty carry-over is returned as the final line, then io.EOF.
func (s *lineSplitter) Next() ([]byte, error) {
	for {
		if i := bytes.IndexByte(s.carry, '\n'); i >= 0 {
			line := s.carry[:i]
			s.carry = s.carry[i+1:]
			return bytes.TrimSuffix(line, []byte{'\r'}), nil
		}

		if s.eof {
			if len(s.carry) > 0 {
				line := s.carry
				s.carry = nil
				return bytes.TrimSuffix(line, []byte{'\r'}), nil
			}
			return nil, io.EOF
		}

		n, err := s.r.Read(s.buf)
		if n > 0 {
			s.carry = append(s.carry, s.buf[:n]...)
		}
		if err == io.EOF {
			s.eof = true
		} else if err != nil {
			return nil, err
		}
	}
}
