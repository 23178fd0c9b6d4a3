package gcode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

var (
	rx        = regexp.MustCompile(`^([A-Z][0-9.\-]+)+$`)
	rxSplit   = regexp.MustCompile(`[A-Z][0-9.\-]+`)
	rxComment = regexp.MustCompile(`\([^)]*\)`)
)

// ParseLine parses a single line of G-code into a Block. Comments
// (both `;` and parenthesized) and whitespace are stripped. A blank
// or comment-only line yields a nil Block and no error.
func ParseLine(s string) (Block, error) {
	s = strings.SplitN(s, ";", 2)[0]
	s = rxComment.ReplaceAllString(s, "")
	s = strings.Replace(s, " ", "", -1)
	s = strings.TrimSpace(s)
	s = strings.ToUpper(s)

	if s == "" {
		return nil, nil
	}
	// system commands like $H or $X pass through untouched
	if strings.HasPrefix(s, "$") {
		return nil, errors.New("system command: " + s)
	}

	if !rx.MatchString(s) {
		return nil, errors.New("invalid or unhandled line: " + s)
	}

	codes := rxSplit.FindAllString(s, -1)
	res := make(Block, len(codes))
	for i, c := range codes {
		_, err := fmt.Sscanf(c, "%c%f", &res[i].W, &res[i].Arg)
		if err != nil {
			return nil, err
		}
	}

	return res, nil
}

// Canonical reformats a raw G-code line to canonical form: words
// upper-cased, whitespace and comments removed, numeric arguments
// rendered at a fixed precision. System commands ($-prefixed) are
// returned trimmed but otherwise untouched.
func Canonical(line string) (string, error) {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "$") {
		return trimmed, nil
	}
	b, err := ParseLine(line)
	if err != nil {
		return "", err
	}
	if b == nil {
		return "", nil
	}
	return b.String(), nil
}

type Parser struct{ br *bufio.Reader }

func NewParser(r io.Reader) *Parser {
	if br, ok := r.(*bufio.Reader); ok {
		return &Parser{br: br}
	}
	return &Parser{br: bufio.NewReader(r)}
}

// Read returns the next non-empty Block, or io.EOF.
func (p *Parser) Read() (Block, error) {
	for {
		s, err := p.br.ReadString('\n')
		if err == io.EOF && s != "" {
			err = nil
		}
		if err != nil {
			return nil, err
		}

		b, err := ParseLine(s)
		if err != nil {
			return nil, err
		}
		if b == nil {
			continue
		}
		return b, nil
	}
}

// SplitProgram reads a G-code program and returns its canonical
// lines, one per block. Lines that fail to parse abort the whole
// program; a partially-valid program is never returned.
func SplitProgram(r io.Reader) ([]string, error) {
	p := NewParser(r)
	var lines []string
	for {
		b, err := p.Read()
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return nil, err
		}
		lines = append(lines, b.String())
	}
}
