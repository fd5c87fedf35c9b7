// Package parser turns Chia debug log lines into domain.LogRecord values.
package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/V4T54L/chialog/internal/domain"
)

const (
	// DefaultPattern is the line grammar of chia_logging: timestamp, service,
	// level and message. Example:
	//   2021-07-31T09:03:22.726 full_node chia.full_node.full_node: INFO     peak 123
	DefaultPattern = `^(?P<datetime>\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}.\d{3})\s+(?P<service>.*?):\s+(?P<level>INFO|ERROR|WARNING|DEBUG|CRITICAL)\s+(?P<message>.*?)\z`

	// DefaultTimeLayout parses the fixed-width timestamp, e.g. 2021-07-31T09:03:22.726.
	DefaultTimeLayout = "2006-01-02T15:04:05.000"
)

// ErrMissingGroup is returned when a grammar lacks one of the required named groups.
var ErrMissingGroup = errors.New("line pattern is missing a required named group")

var requiredGroups = []string{"datetime", "service", "level", "message"}

// Grammar configures the line pattern and the timestamp layout.
type Grammar struct {
	Pattern    string
	TimeLayout string
}

// Parser matches single lines against a compiled grammar. It holds no
// mutable state and is safe for concurrent use.
type Parser struct {
	re      *regexp.Regexp
	layout  string
	idxTime int
	idxSvc  int
	idxLvl  int
	idxMsg  int
}

// Default returns a Parser for the stock Chia grammar.
func Default() *Parser {
	p, err := New(Grammar{})
	if err != nil {
		panic(err)
	}
	return p
}

// New compiles a grammar. Empty fields fall back to the defaults. The
// pattern is always compiled with dot-matches-newline so a message may span
// embedded newlines.
func New(g Grammar) (*Parser, error) {
	pattern := g.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	layout := g.TimeLayout
	if layout == "" {
		layout = DefaultTimeLayout
	}

	re, err := regexp.Compile("(?s)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling line pattern: %w", err)
	}

	p := &Parser{re: re, layout: layout}
	for _, name := range requiredGroups {
		idx := re.SubexpIndex(name)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %q", ErrMissingGroup, name)
		}
		switch name {
		case "datetime":
			p.idxTime = idx
		case "service":
			p.idxSvc = idx
		case "level":
			p.idxLvl = idx
		case "message":
			p.idxMsg = idx
		}
	}
	return p, nil
}

// Parse matches a line. The hostname is left empty; the caller owns host
// identity. ok is false when the line does not fully match, the timestamp
// does not parse, the level is unknown, or the service has no interior
// whitespace separating the short and full service names.
func (p *Parser) Parse(line string) (rec domain.LogRecord, ok bool) {
	m := p.re.FindStringSubmatch(line)
	if m == nil {
		return domain.LogRecord{}, false
	}

	ts, err := time.Parse(p.layout, m[p.idxTime])
	if err != nil {
		return domain.LogRecord{}, false
	}

	level, err := domain.ParseLevel(m[p.idxLvl])
	if err != nil {
		return domain.LogRecord{}, false
	}

	name, full, ok := splitService(m[p.idxSvc])
	if !ok {
		return domain.LogRecord{}, false
	}

	return domain.LogRecord{
		Timestamp:       ts,
		Level:           level,
		ServiceName:     clean(name),
		ServiceFullName: clean(full),
		Message:         clean(m[p.idxMsg]),
	}, true
}

// clean replaces invalid UTF-8 with U+FFFD and drops NUL bytes. Text columns
// of the stores reject both, which would fail the whole batch.
func clean(s string) string {
	if utf8.ValidString(s) && strings.IndexByte(s, 0) < 0 {
		return s
	}
	return strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
}

// splitService splits "full_node chia.full_node.full_node" at the first
// whitespace character.
func splitService(s string) (name, full string, ok bool) {
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return "", "", false
	}
	_, size := utf8.DecodeRuneInString(s[i:])
	return s[:i], s[i+size:], true
}

// Format renders a record as a line of the default grammar. Parse(Format(r))
// yields r without its hostname, as long as the message does not start with
// whitespace.
func Format(rec domain.LogRecord) string {
	return fmt.Sprintf("%s %s %s: %-8s %s",
		rec.Timestamp.UTC().Format(DefaultTimeLayout), rec.ServiceName, rec.ServiceFullName, rec.Level, rec.Message)
}
