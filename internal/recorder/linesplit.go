package recorder

import "bytes"

// maxLineResidue caps how many bytes a stream may accumulate without a
// newline before the fragment is force-flushed as a line. A child that
// never emits a newline would otherwise grow the residue without bound.
const maxLineResidue = 64 * 1024

// lineSplitter incrementally reassembles complete lines from a raw byte
// stream. Bytes after the last newline stay buffered until the next feed,
// so lines split across reads are reassembled intact.
type lineSplitter struct {
	residue []byte
	emit    func(line string)
}

func newLineSplitter(emit func(line string)) *lineSplitter {
	return &lineSplitter{emit: emit}
}

// feed appends a chunk and emits every complete line it now contains.
// A single trailing carriage return is stripped from each line and lines
// that end up empty are dropped.
func (s *lineSplitter) feed(p []byte) {
	s.residue = append(s.residue, p...)

	for {
		i := bytes.IndexByte(s.residue, '\n')
		if i < 0 {
			break
		}
		line := s.residue[:i]
		s.residue = s.residue[i+1:]

		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		if len(line) > 0 {
			s.emit(string(line))
		}
	}

	if len(s.residue) == 0 {
		s.residue = nil
		return
	}
	if len(s.residue) > maxLineResidue {
		line := string(s.residue)
		s.residue = nil
		s.emit(line)
	}
}
