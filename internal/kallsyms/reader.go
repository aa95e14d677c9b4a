package kallsyms

import (
	"bufio"
	"bytes"
	"io"
)

// reader splits kallsyms-format text into lines and whitespace separated
// words without allocating per word.
type reader struct {
	s    *bufio.Scanner
	line []byte
	word []byte
}

func newReader(r io.Reader) *reader {
	return &reader{s: bufio.NewScanner(r)}
}

// Line advances to the next non-empty line.
func (r *reader) Line() bool {
	for r.s.Scan() {
		r.line = bytes.TrimSpace(r.s.Bytes())
		r.word = nil
		if len(r.line) > 0 {
			return true
		}
	}
	return false
}

// Word advances to the next word on the current line.
func (r *reader) Word() bool {
	r.line = bytes.TrimLeft(r.line, " \t")
	if len(r.line) == 0 {
		r.word = nil
		return false
	}

	end := bytes.IndexAny(r.line, " \t")
	if end < 0 {
		end = len(r.line)
	}
	r.word, r.line = r.line[:end], r.line[end:]
	return true
}

// Bytes returns the current word. It is only valid until the next call to
// Line.
func (r *reader) Bytes() []byte {
	return r.word
}

// Text returns a copy of the current word.
func (r *reader) Text() string {
	return string(r.word)
}

func (r *reader) Err() error {
	return r.s.Err()
}
