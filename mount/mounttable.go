package mount

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultMountTable is the kernel's view of mounted filesystems.
const DefaultMountTable = "/proc/mounts"

// Entry is one line of the mount table.
type Entry struct {
	Source  string
	Target  string
	FSType  string
	Options []string
}

// readMountTable parses a /proc/mounts formatted file.
func readMountTable(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading mount table: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		entries = append(entries, Entry{
			Source:  unescapeMountField(fields[0]),
			Target:  unescapeMountField(fields[1]),
			FSType:  fields[2],
			Options: strings.Split(fields[3], ","),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading mount table: %w", err)
	}
	return entries, nil
}

// findMount returns the last entry mounted on target; later entries shadow
// earlier ones.
func findMount(entries []Entry, target string) (Entry, bool) {
	target = filepath.Clean(target)
	var found Entry
	ok := false
	for _, e := range entries {
		if filepath.Clean(e.Target) == target {
			found, ok = e, true
		}
	}
	return found, ok
}

// unescapeMountField decodes the octal escapes (\040 for space) the kernel
// uses in mount table fields.
func unescapeMountField(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
