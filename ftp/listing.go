package ftp

import (
	"strconv"
	"strings"
)

// Entry types reported by List.
const (
	EntryFile = "file"
	EntryDir  = "dir"
	EntryLink = "link"
)

// Entry represents a file or directory entry from a LIST command.
type Entry struct {
	Name   string
	Type   string // EntryFile, EntryDir or EntryLink
	Size   int64
	Target string // For symlinks, the target path
	Raw    string // The raw line from the LIST command
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool {
	return e.Type == EntryDir
}

func parseListLine(line string) (*Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) >= 4 && isDOSDate(fields[0]) {
		return parseDOSEntry(line, fields)
	}
	if len(fields) >= 8 {
		return parseUnixEntry(line, fields)
	}
	return nil, false
}

// parseUnixEntry handles "ls -l" style lines in both the 9-field form
// (perms links owner group size month day time name) and the 8-field form
// that omits the group.
func parseUnixEntry(line string, fields []string) (*Entry, bool) {
	perms := fields[0]
	entry := &Entry{Raw: line}

	switch perms[0] {
	case 'd':
		entry.Type = EntryDir
	case 'l':
		entry.Type = EntryLink
	case '-', 'b', 'c', 'p', 's':
		entry.Type = EntryFile
	default:
		return nil, false
	}

	sizeIdx, nameIdx := 4, 8
	if len(fields) < 9 || !isNumber(fields[4]) {
		sizeIdx, nameIdx = 3, 7
	}
	size, err := strconv.ParseInt(fields[sizeIdx], 10, 64)
	if err != nil {
		return nil, false
	}
	entry.Size = size

	name := strings.Join(fields[nameIdx:], " ")
	if entry.Type == EntryLink {
		if before, after, ok := strings.Cut(name, " -> "); ok {
			name, entry.Target = before, after
		}
	}
	entry.Name = name
	return entry, true
}

// parseDOSEntry handles IIS style lines:
//
//	12-14-23  12:22PM           1037794 large-document.pdf
//	09-24-24  10:30AM       <DIR>          logger
func parseDOSEntry(line string, fields []string) (*Entry, bool) {
	entry := &Entry{Raw: line, Name: strings.Join(fields[3:], " ")}

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

// isDOSDate checks for MM-DD-YY(YY) or MM/DD/YY(YY).
func isDOSDate(s string) bool {
	sep := "-"
	if !strings.Contains(s, sep) {
		sep = "/"
	}
	parts := strings.Split(s, sep)
	if len(parts) != 3 {
		return false
	}
	for i, part := range parts {
		if !isNumber(part) {
			return false
		}
		if i < 2 && len(part) > 2 {
			return false
		}
		if i == 2 && len(part) != 2 && len(part) != 4 {
			return false
		}
	}
	return true
}

func isNumber(s string) bool {
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
