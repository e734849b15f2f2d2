package dialogue

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Segmenter cuts a token stream into sentences for incremental synthesis.
// A sentence ends at terminal punctuation followed by whitespace, or at a
// newline. Punctuation that ends the buffer stays pending: the next token may
// continue a number or an abbreviation ("3" "." "14"). Flush releases it.
type Segmenter struct {
	buf strings.Builder
}

// Push appends text and returns every sentence it completed.
func (s *Segmenter) Push(text string) []string {
	s.buf.WriteString(text)
	pending := s.buf.String()

	var out []string
	for {
		cut := sentenceEnd(pending)
		if cut < 0 {
			break
		}
		if seg := strings.TrimSpace(pending[:cut]); seg != "" {
			out = append(out, seg)
		}
		pending = pending[cut:]
	}

	s.buf.Reset()
	s.buf.WriteString(pending)
	return out
}

// Flush returns whatever text is left over and resets the segmenter.
func (s *Segmenter) Flush() string {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return rest
}

// SplitSentences splits complete text the same way a stream would be split.
func SplitSentences(text string) []string {
	var s Segmenter
	out := s.Push(text)
	if rest := s.Flush(); rest != "" {
		out = append(out, rest)
	}
	return out
}

const terminators = ".!?…。！？"

// closers may trail a terminator and stay with its sentence.
const closers = "\"')]”’"

// sentenceEnd returns the byte offset just past the first sentence in s, or -1.
func sentenceEnd(s string) int {
	for i, r := range s {
		if r == '\n' {
			return i + 1
		}
		if !strings.ContainsRune(terminators, r) {
			continue
		}
		j := i + utf8.RuneLen(r)
		for j < len(s) {
			next, n := utf8.DecodeRuneInString(s[j:])
			if !strings.ContainsRune(terminators, next) && !strings.ContainsRune(closers, next) {
				break
			}
			j += n
		}
		if j == len(s) {
			return -1
		}
		if next, _ := utf8.DecodeRuneInString(s[j:]); unicode.IsSpace(next) {
			return j
		}
	}
	return -1
}
