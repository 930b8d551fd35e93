package ftpclient

import (
	"strconv"
	"strings"
	"time"
)

// MLSDParser parses machine-readable listings (RFC 3659):
//
//	type=file;size=1024;modify=20231220143000;perm=r; readme.txt
//
// Facts are stored in Entry.Attrs with lower-cased names. The "cdir" and
// "pdir" entries describing the listed directory and its parent are dropped.
type MLSDParser struct{}

// Parse implements ListingParser.
func (p *MLSDParser) Parse(lines []string) ([]*Entry, error) {
	entries := make([]*Entry, 0, len(lines))
	for _, line := range lines {
		entry, ok := parseMLSDEntry(line)
		if !ok {
			return nil, cannotParse("mlsd", line)
		}
		if entry.Attrs["type"] == "cdir" || entry.Attrs["type"] == "pdir" {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// parseMLSDEntry parses a single "facts entry-name" line.
// Facts format: "fact1=value1;fact2=value2;fact3=value3; "
func parseMLSDEntry(line string) (*Entry, bool) {
	// Servers may emit a leading space before the facts
	trimmed := strings.TrimLeft(line, " ")
	spaceIdx := strings.Index(trimmed, " ")
	if spaceIdx <= 0 {
		return nil, false
	}

	factsStr := trimmed[:spaceIdx]
	name := trimmed[spaceIdx+1:]
	if name == "" || !strings.HasSuffix(factsStr, ";") {
		return nil, false
	}

	facts := make(map[string]string)
	for pair := range strings.SplitSeq(strings.TrimSuffix(factsStr, ";"), ";") {
		factName, factValue, ok := strings.Cut(pair, "=")
		if !ok || factName == "" {
			return nil, false
		}
		facts[strings.ToLower(factName)] = factValue
	}

	entry := &Entry{Raw: line, Name: name, Attrs: facts}

	rawType := facts["type"]
	typeVal := strings.ToLower(rawType)
	facts["type"] = typeVal
	switch {
	case typeVal == "file":
		entry.Type = EntryFile
	case typeVal == "dir" || typeVal == "cdir" || typeVal == "pdir":
		entry.Type = EntryDir
	case strings.HasPrefix(typeVal, "os.unix=slink"), strings.HasPrefix(typeVal, "os.unix=symlink"):
		entry.Type = EntryLink
		if _, target, ok := strings.Cut(rawType, ":"); ok {
			entry.Target = target
		}
	}

	if sizeVal, ok := facts["size"]; ok {
		if size, err := strconv.ParseInt(sizeVal, 10, 64); err == nil {
			entry.Size = size
		}
	}

	if modTime, ok := parseMLSDTime(facts["modify"]); ok {
		entry.ModTime = modTime
	}

	return entry, true
}

// parseMLSDTime parses YYYYMMDDHHMMSS[.sss]; time values are always UTC.
func parseMLSDTime(value string) (time.Time, bool) {
	timestamp, _, _ := strings.Cut(value, ".")
	if len(timestamp) != 14 {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102150405", timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
