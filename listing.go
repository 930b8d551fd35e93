package ftpclient

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// EntryType describes the kind of a directory entry.
type EntryType int

const (
	EntryUnknown EntryType = iota
	EntryFile
	EntryDir
	EntryLink
)

func (t EntryType) String() string {
	switch t {
	case EntryFile:
		return "file"
	case EntryDir:
		return "dir"
	case EntryLink:
		return "link"
	default:
		return "unknown"
	}
}

// Entry represents a file or directory entry from a directory listing.
// Entries are not modified after they are returned.
type Entry struct {
	Name    string
	Type    EntryType
	Size    int64
	ModTime time.Time
	Target  string // For symlinks, the target path (empty for files/dirs)

	// Attrs holds format-specific attributes: MLSD facts, Unix permissions,
	// owner and group, NetWare rights.
	Attrs map[string]string

	Raw string // The raw listing line
}

// Listing is a parsed directory listing keyed by entry name.
type Listing map[string]*Entry

// Names returns the entry names in lexical order.
func (l Listing) Names() []string {
	names := make([]string, 0, len(l))
	for name := range l {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries returns the entries in lexical order of their names.
func (l Listing) Entries() []*Entry {
	entries := make([]*Entry, 0, len(l))
	for _, name := range l.Names() {
		entries = append(entries, l[name])
	}
	return entries
}

// ListingParser converts the lines of a directory listing into entries.
// A parser that does not recognize the format returns an error, by
// convention wrapping ErrCannotParse; any error makes the dispatcher move on
// to the next parser.
type ListingParser interface {
	Parse(lines []string) ([]*Entry, error)
}

// Dispatcher tries an ordered list of parsers and remembers the one that
// succeeded last, so subsequent listings from the same server skip the
// formats it does not speak.
type Dispatcher struct {
	mu      sync.Mutex
	parsers []ListingParser
	sticky  ListingParser
}

// NewDispatcher returns a dispatcher trying parsers in order.
func NewDispatcher(parsers ...ListingParser) *Dispatcher {
	return &Dispatcher{parsers: parsers}
}

// DefaultParsers returns the built-in LIST parsers in registration order.
func DefaultParsers() []ListingParser {
	return []ListingParser{
		&UnixParser{},
		&DOSParser{},
		&EPLFParser{},
		&NetWareParser{},
		&MLSDParser{},
	}
}

// Add registers p after the existing parsers.
func (d *Dispatcher) Add(p ListingParser) {
	d.mu.Lock()
	d.parsers = append(d.parsers, p)
	d.mu.Unlock()
}

// Prepend registers p before the existing parsers.
func (d *Dispatcher) Prepend(p ListingParser) {
	d.mu.Lock()
	d.parsers = append([]ListingParser{p}, d.parsers...)
	d.mu.Unlock()
}

// Sticky returns the parser that succeeded last, or nil.
func (d *Dispatcher) Sticky() ListingParser {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sticky
}

// Parse converts listing lines into a Listing.
func (d *Dispatcher) Parse(lines []string) (Listing, error) {
	lines = nonBlank(lines)
	if len(lines) == 0 {
		return Listing{}, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sticky != nil {
		if entries, err := d.sticky.Parse(lines); err == nil {
			return toListing(entries), nil
		}
		d.sticky = nil
	}

	for _, p := range d.parsers {
		entries, err := p.Parse(lines)
		if err != nil {
			continue
		}
		d.sticky = p
		return toListing(entries), nil
	}

	return nil, fmt.Errorf("%w (%d lines, %d parsers tried)", ErrUnparsableListing, len(lines), len(d.parsers))
}

func toListing(entries []*Entry) Listing {
	l := make(Listing, len(entries))
	for _, e := range entries {
		l[e.Name] = e
	}
	return l
}

func nonBlank(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

// cannotParse builds the error a parser returns for an unrecognized line.
func cannotParse(format, line string) error {
	return fmt.Errorf("%w: %s: %q", ErrCannotParse, format, line)
}
