package decisionlog

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ArchivePath returns the name santad gives the rotated archive at index.
func ArchivePath(logPath string, index int) string {
	return fmt.Sprintf("%s.%d.gz", logPath, index)
}

// archiveCache keeps every decompressed archive line (not only matches) so a
// later read for either class can be served without touching gzip again.
//
// nextOldest is the first archive index that was not readable during the
// last scan. When a file appears at that index, rotation has moved archives
// and the whole cache is rebuilt: indices are positional, not content-stable.
type archiveCache struct {
	lines      []string
	nextOldest int
}

func (c *archiveCache) reset() {
	c.lines = nil
}

// replay re-filters the cached lines for class and appends the matches.
func (c *archiveCache) replay(class Class, events []DecisionEvent) []DecisionEvent {
	for _, line := range c.lines {
		if class.Matches(line) {
			events = append(events, eventFromLine(line))
		}
	}
	return events
}

// openable reports whether path exists and can be opened for reading.
func openable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// readArchive decompresses a whole archive into memory and splits it into
// lines. An archive that fails mid-stream contributes nothing.
func readArchive(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("readArchive %s: %w", path, err)
	}
	defer func() { _ = zr.Close() }()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("readArchive %s: %w", path, err)
	}

	var lines []string
	if err := scanLines(bytes.NewReader(data), func(line string) {
		lines = append(lines, line)
	}); err != nil {
		return nil, fmt.Errorf("readArchive %s: %w", path, err)
	}
	return lines, nil
}

// scanLines calls fn for every line in r, without the trailing newline or
// carriage return. Lines have no length limit: santad lines carry full argv.
func scanLines(r io.Reader, fn func(line string)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimSuffix(line, "\n")
			fn(strings.TrimSuffix(line, "\r"))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
