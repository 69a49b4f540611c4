package vector

import (
	"strings"
	"unicode/utf8"
)

const (
	defaultChunkRunes   = 2000
	defaultOverlapRunes = 200
)

// Chunker splits large texts into line-bounded pieces small enough to
// embed well. Consecutive chunks share a few trailing lines so a thought
// cut at a boundary still appears whole in one of them.
type Chunker struct {
	maxRunes     int
	overlapRunes int
}

func NewChunker(maxRunes, overlapRunes int) *Chunker {
	if maxRunes <= 0 {
		maxRunes = defaultChunkRunes
	}
	if overlapRunes <= 0 {
		overlapRunes = defaultOverlapRunes
	}
	if overlapRunes > maxRunes/2 {
		overlapRunes = maxRunes / 2
	}
	return &Chunker{maxRunes: maxRunes, overlapRunes: overlapRunes}
}

// Split breaks text on line boundaries into chunks of at most maxRunes.
// Lines longer than the budget are split mid-line. Blank input yields nil.
func (c *Chunker) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lines := strings.Split(text, "\n")

	var chunks []string
	var current []string
	currentRunes := 0
	overlapLen := 0 // lines at the head of current carried from the previous chunk

	emit := func() {
		chunks = append(chunks, strings.Join(current, "\n"))
		overlap, runes := c.tailOverlap(current)
		current = overlap
		currentRunes = runes
		overlapLen = len(overlap)
	}

	for _, line := range lines {
		lineRunes := utf8.RuneCountInString(line) + 1

		if lineRunes > c.maxRunes {
			if len(current) > overlapLen {
				emit()
			}
			chunks = append(chunks, splitLongLine(line, c.maxRunes)...)
			current = nil
			currentRunes = 0
			overlapLen = 0
			continue
		}

		if currentRunes+lineRunes > c.maxRunes && len(current) > overlapLen {
			emit()
		}
		current = append(current, line)
		currentRunes += lineRunes
	}

	if len(current) > overlapLen {
		chunks = append(chunks, strings.Join(current, "\n"))
	}
	return chunks
}

// tailOverlap collects trailing lines of a finished chunk up to the
// overlap budget. It never returns the whole chunk.
func (c *Chunker) tailOverlap(lines []string) ([]string, int) {
	runes := 0
	i := len(lines)
	for i > 0 {
		lineRunes := utf8.RuneCountInString(lines[i-1]) + 1
		if runes+lineRunes > c.overlapRunes {
			break
		}
		runes += lineRunes
		i--
	}
	if i == 0 {
		return nil, 0
	}
	overlap := make([]string, len(lines)-i)
	copy(overlap, lines[i:])
	return overlap, runes
}

func splitLongLine(line string, maxRunes int) []string {
	runes := []rune(line)
	var parts []string
	for start := 0; start < len(runes); start += maxRunes {
		end := start + maxRunes
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}
