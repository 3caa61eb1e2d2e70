package tools

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// lineHash tags a line with a short content hash. Hashing the stripped
// text keeps the anchor stable across indentation changes.
func lineHash(line string) string {
	sum := md5.Sum([]byte(strings.TrimSpace(line)))
	return hex.EncodeToString(sum[:])[:2]
}

// formatHashLines renders lines in the "lineno:hash| content" form that
// hashline_edit accepts as anchors. start is the 1-indexed first line.
func formatHashLines(lines []string, start int) []string {
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		out = append(out, fmt.Sprintf("%d:%s| %s", start+i, lineHash(line), line))
	}
	return out
}

// hashIndex maps each line hash to the 0-based indexes it occurs at.
// Short hashes collide, so values are lists.
func hashIndex(lines []string) map[string][]int {
	index := make(map[string][]int, len(lines))
	for i, line := range lines {
		h := lineHash(line)
		index[h] = append(index[h], i)
	}
	return index
}

// resolveHash picks the 0-based line index for a hash. With duplicate
// hashes the hint (0-based, -1 for none) selects the closest occurrence.
func resolveHash(hash string, index map[string][]int, hint int) (int, bool) {
	indexes := index[hash]
	if len(indexes) == 0 {
		return 0, false
	}
	if len(indexes) == 1 || hint < 0 {
		return indexes[0], true
	}
	best := indexes[0]
	for _, idx := range indexes[1:] {
		if abs(idx-hint) < abs(best-hint) {
			best = idx
		}
	}
	return best, true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// readLedger remembers the mtime at which each file was last read with
// file_read, so hash-anchored edits are refused until the model has seen
// the file's current content.
type readLedger struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newReadLedger() *readLedger {
	return &readLedger{seen: make(map[string]time.Time)}
}

func (l *readLedger) note(path string, mtime time.Time) {
	l.mu.Lock()
	l.seen[path] = mtime
	l.mu.Unlock()
}

// editDenial returns the reason an edit must be refused, or "" when the
// file was read at its current mtime.
func (l *readLedger) editDenial(path string, mtime time.Time) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen, ok := l.seen[path]
	if !ok {
		return "file has not been read: call file_read before editing"
	}
	if !seen.Equal(mtime) {
		return "file changed since it was last read: call file_read again"
	}
	return ""
}
