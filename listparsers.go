package ftpclient

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// UnixParser parses Unix-style directory entries, as produced by "ls -l".
//
// Supported layouts:
//
//   - 9 fields: perms links owner group size month day time/year name
//   - 8 fields: perms links owner size month day time/year name (no group)
//   - numeric permissions: 644 links owner group size month day time/year name
//
// A leading "total N" line is ignored.
type UnixParser struct {
	// Now is used to infer the year of recent entries, which "ls -l"
	// prints as "Jan 2 15:04". Defaults to time.Now.
	Now func() time.Time
}

// Parse implements ListingParser.
func (p *UnixParser) Parse(lines []string) ([]*Entry, error) {
	now := nowFunc(p.Now)()
	entries := make([]*Entry, 0, len(lines))
	for i, line := range lines {
		if i == 0 && strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "total ") {
			continue
		}
		entry, ok := parseUnixEntry(line, now)
		if !ok {
			return nil, cannotParse("unix", line)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// parseUnixEntry parses a Unix-style directory entry.
// Handles both 9-field and 8-field formats, numeric and symbolic permissions.
func parseUnixEntry(line string, now time.Time) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return nil, false
	}

	perms := fields[0]
	symbolic := isSymbolicPerms(perms)
	numeric := isNumericPerms(perms)
	if !symbolic && !numeric {
		return nil, false
	}

	entry := &Entry{Raw: line, Type: EntryFile, Attrs: map[string]string{"perm": perms}}
	if symbolic {
		switch perms[0] {
		case 'd':
			entry.Type = EntryDir
		case 'l':
			entry.Type = EntryLink
		}
	}

	// Determine field layout: 9-field or 8-field format
	var sizeIdx int
	switch {
	case len(fields) >= 9 && isDigits(fields[4]):
		sizeIdx = 4
		entry.Attrs["group"] = fields[3]
	case isDigits(fields[3]):
		sizeIdx = 3
	default:
		return nil, false
	}
	entry.Attrs["links"] = fields[1]
	entry.Attrs["owner"] = fields[2]

	nameStartIdx := sizeIdx + 4
	if len(fields) <= nameStartIdx {
		return nil, false
	}

	size, err := strconv.ParseInt(fields[sizeIdx], 10, 64)
	if err != nil {
		return nil, false
	}
	entry.Size = size

	modTime, ok := parseListTime(fields[sizeIdx+1], fields[sizeIdx+2], fields[sizeIdx+3], now)
	if !ok {
		return nil, false
	}
	entry.ModTime = modTime

	fullName := strings.Join(fields[nameStartIdx:], " ")

	// For links, extract the actual name and target (format: "name -> target")
	if entry.Type == EntryLink {
		if before, after, ok := strings.Cut(fullName, " -> "); ok {
			entry.Name = before
			entry.Target = after
		} else {
			entry.Name = fullName
		}
	} else {
		entry.Name = fullName
	}

	return entry, true
}

func isSymbolicPerms(perms string) bool {
	if len(perms) < 10 {
		return false
	}
	if !strings.ContainsRune("-dlbcps", rune(perms[0])) {
		return false
	}
	for _, ch := range perms[1:10] {
		if !strings.ContainsRune("-rwxsStTl", ch) {
			return false
		}
	}
	return true
}

func isNumericPerms(perms string) bool {
	if len(perms) < 3 || len(perms) > 4 {
		return false
	}
	for _, ch := range perms {
		if ch < '0' || ch > '7' {
			return false
		}
	}
	return true
}

// parseListTime parses the "month day time-or-year" triple of Unix-style
// and NetWare listings. Entries without a year are assumed to be from the
// last twelve months.
func parseListTime(month, day, timeOrYear string, now time.Time) (time.Time, bool) {
	if strings.Contains(timeOrYear, ":") {
		t, err := time.ParseInLocation("Jan 2 15:04 2006",
			fmt.Sprintf("%s %s %s %d", month, day, timeOrYear, now.Year()), time.UTC)
		if err != nil {
			return time.Time{}, false
		}
		if t.After(now.Add(24 * time.Hour)) {
			t = t.AddDate(-1, 0, 0)
		}
		return t, true
	}
	t, err := time.ParseInLocation("Jan 2 2006", month+" "+day+" "+timeOrYear, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// DOSParser parses DOS/Windows-style directory entries.
//
//	12-14-23  12:22PM           1037794 large-document.pdf
//	09-24-24  10:30AM       <DIR>          logger
type DOSParser struct{}

// Parse implements ListingParser.
func (p *DOSParser) Parse(lines []string) ([]*Entry, error) {
	entries := make([]*Entry, 0, len(lines))
	for _, line := range lines {
		entry, ok := parseDOSEntry(line)
		if !ok {
			return nil, cannotParse("dos", line)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

var dosTimeLayouts = []string{
	"01-02-06 03:04PM",
	"01-02-2006 03:04PM",
	"01-02-06 15:04",
	"01-02-2006 15:04",
	"01/02/06 03:04PM",
	"01/02/2006 03:04PM",
}

func parseDOSEntry(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 || !isDOSDate(fields[0]) {
		return nil, false
	}

	entry := &Entry{Raw: line, Name: strings.Join(fields[3:], " ")}

	stamp := fields[0] + " " + strings.ToUpper(fields[1])
	for _, layout := range dosTimeLayouts {
		if t, err := time.ParseInLocation(layout, stamp, time.UTC); err == nil {
			entry.ModTime = t
			break
		}
	}
	if entry.ModTime.IsZero() {
		return nil, false
	}

	if fields[2] == "<DIR>" {
		entry.Type = EntryDir
		return entry, true
	}

	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, false
	}
	entry.Type = EntryFile
	entry.Size = size
	return entry, true
}

// isDOSDate checks if a string looks like a DOS/Windows date format.
// Common formats: MM-DD-YY, MM-DD-YYYY, MM/DD/YY, MM/DD/YYYY
func isDOSDate(s string) bool {
	var parts []string
	if strings.Contains(s, "-") {
		parts = strings.Split(s, "-")
	} else if strings.Contains(s, "/") {
		parts = strings.Split(s, "/")
	} else {
		return false
	}

	if len(parts) != 3 {
		return false
	}

	for i, part := range parts {
		// Year can be 2 or 4 digits
		if i == 2 && len(part) != 2 && len(part) != 4 {
			return false
		}
		// Month and day should be 1-2 digits
		if i < 2 && (len(part) < 1 || len(part) > 2) {
			return false
		}
		if !isDigits(part) {
			return false
		}
	}
	return true
}

// EPLFParser parses EPLF (Easily Parsed LIST Format) entries.
//
//	+i8388621.48594,m825718503,r,s280,	djb.html
type EPLFParser struct{}

// Parse implements ListingParser.
func (p *EPLFParser) Parse(lines []string) ([]*Entry, error) {
	entries := make([]*Entry, 0, len(lines))
	for _, line := range lines {
		entry, ok := parseEPLFEntry(line)
		if !ok {
			return nil, cannotParse("eplf", line)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// parseEPLFEntry parses one EPLF line: "+facts\tname" or "+facts name".
// Facts are comma-separated: i=identifier, m=mtime, s=size, / for
// directories, r for retrievable files.
func parseEPLFEntry(line string) (*Entry, bool) {
	if !strings.HasPrefix(line, "+") {
		return nil, false
	}
	rest := line[1:]

	idx := strings.IndexAny(rest, "\t ")
	if idx == -1 {
		return nil, false
	}
	facts := rest[:idx]
	name := strings.TrimSpace(rest[idx+1:])
	if name == "" {
		return nil, false
	}

	entry := &Entry{Raw: line, Name: name, Type: EntryFile, Attrs: map[string]string{}}
	for fact := range strings.SplitSeq(facts, ",") {
		if fact == "" {
			continue
		}
		switch fact[0] {
		case '/':
			entry.Type = EntryDir
		case 'r':
			entry.Attrs["retrievable"] = "true"
		case 's':
			size, err := strconv.ParseInt(fact[1:], 10, 64)
			if err != nil {
				return nil, false
			}
			entry.Size = size
		case 'm':
			secs, err := strconv.ParseInt(fact[1:], 10, 64)
			if err != nil {
				return nil, false
			}
			entry.ModTime = time.Unix(secs, 0).UTC()
		case 'i':
			entry.Attrs["id"] = fact[1:]
		}
	}
	return entry, true
}

// NetWareParser parses Novell NetWare directory entries.
//
//	d [RWCEAFMS] admin                       512 Mar 12 13:10 public
//	- [RWCEAFMS] admin                    214059 Oct 20  2019 report.txt
type NetWareParser struct {
	// Now is used to infer the year of recent entries. Defaults to time.Now.
	Now func() time.Time
}

var netWareLine = regexp.MustCompile(
	`^([d\-])\s+\[([RWCEAFMS\-]+)\]\s+(\S+)\s+(\d+)\s+(\w{3})\s+(\d{1,2})\s+(\d{1,2}:\d{2}|\d{4})\s+(.+)$`)

// Parse implements ListingParser.
func (p *NetWareParser) Parse(lines []string) ([]*Entry, error) {
	now := nowFunc(p.Now)()
	entries := make([]*Entry, 0, len(lines))
	for _, line := range lines {
		m := netWareLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			return nil, cannotParse("netware", line)
		}
		size, err := strconv.ParseInt(m[4], 10, 64)
		if err != nil {
			return nil, cannotParse("netware", line)
		}
		modTime, ok := parseListTime(m[5], m[6], m[7], now)
		if !ok {
			return nil, cannotParse("netware", line)
		}
		entry := &Entry{
			Raw:     line,
			Name:    m[8],
			Type:    EntryFile,
			Size:    size,
			ModTime: modTime,
			Attrs:   map[string]string{"rights": m[2], "owner": m[3]},
		}
		if m[1] == "d" {
			entry.Type = EntryDir
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func nowFunc(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}
