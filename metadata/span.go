package metadata

import (
	"errors"
	"fmt"
)

var ErrMalformedBencode = errors.New("malformed bencode")

const maxDepth = 64

func malformed(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedBencode, fmt.Sprintf(format, v...))
}

// Span returns the length of the single bencoded value at the start of b.
// It is strict: integers and string lengths must be canonical, dictionary
// keys must be strings and every container must be terminated.
func Span(b []byte) (int, error) {
	return span(b, 0, 0)
}

// Validate checks that b is exactly one well-formed bencoded value.
func Validate(b []byte) error {
	n, err := Span(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return malformed("%d trailing bytes", len(b)-n)
	}
	return nil
}

func span(b []byte, pos, depth int) (int, error) {
	if depth > maxDepth {
		return 0, malformed("nesting deeper than %d", maxDepth)
	}
	if pos >= len(b) {
		return 0, malformed("unexpected end of data at %d", pos)
	}
	switch c := b[pos]; {
	case c == 'i':
		end, err := integer(b, pos+1, 'e')
		if err != nil {
			return 0, err
		}
		return end + 1 - pos, nil
	case c >= '0' && c <= '9':
		end, err := str(b, pos)
		if err != nil {
			return 0, err
		}
		return end - pos, nil
	case c == 'l':
		p := pos + 1
		for {
			if p >= len(b) {
				return 0, malformed("unterminated list at %d", pos)
			}
			if b[p] == 'e' {
				return p + 1 - pos, nil
			}
			n, err := span(b, p, depth+1)
			if err != nil {
				return 0, err
			}
			p += n
		}
	case c == 'd':
		p := pos + 1
		for {
			if p >= len(b) {
				return 0, malformed("unterminated dictionary at %d", pos)
			}
			if b[p] == 'e' {
				return p + 1 - pos, nil
			}
			if b[p] < '0' || b[p] > '9' {
				return 0, malformed("dictionary key at %d is not a string", p)
			}
			end, err := str(b, p)
			if err != nil {
				return 0, err
			}
			p = end
			n, err := span(b, p, depth+1)
			if err != nil {
				return 0, err
			}
			p += n
		}
	default:
		return 0, malformed("unknown type %q at %d", c, pos)
	}
}

// integer scans a canonical decimal integer starting at pos and terminated by
// term. It returns the index of term.
func integer(b []byte, pos int, term byte) (int, error) {
	p := pos
	neg := false
	if p < len(b) && b[p] == '-' {
		neg = true
		p++
	}
	digits := p
	for p < len(b) && b[p] >= '0' && b[p] <= '9' {
		p++
	}
	if p >= len(b) {
		return 0, malformed("unterminated integer at %d", pos)
	}
	if b[p] != term {
		return 0, malformed("unexpected %q in integer at %d", b[p], p)
	}
	n := p - digits
	switch {
	case n == 0:
		return 0, malformed("empty integer at %d", pos)
	case n > 19:
		return 0, malformed("integer at %d overflows", pos)
	case b[digits] == '0' && n > 1:
		return 0, malformed("leading zero in integer at %d", pos)
	case neg && b[digits] == '0':
		return 0, malformed("negative zero at %d", pos)
	}
	return p, nil
}

// str scans a byte string at pos and returns the index just past it.
func str(b []byte, pos int) (int, error) {
	if pos < len(b) && b[pos] == '-' {
		return 0, malformed("negative string length at %d", pos)
	}
	colon, err := integer(b, pos, ':')
	if err != nil {
		return 0, err
	}
	length := 0
	for _, c := range b[pos:colon] {
		length = length*10 + int(c-'0')
		if length > len(b) {
			return 0, malformed("string length at %d exceeds input", pos)
		}
	}
	end := colon + 1 + length
	if end > len(b) {
		return 0, malformed("unterminated string at %d", pos)
	}
	return end, nil
}
