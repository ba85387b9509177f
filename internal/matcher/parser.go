package matcher

import (
	"slices"
	"strings"

	"github.com/satindergrewal/trackwatch/internal/catalog"
)

// ResultParser extracts the tracks identified by one matcher run.
// Implementations must return tracks in catalog order without duplicates.
type ResultParser interface {
	Parse(output string, tracks []catalog.Track) []catalog.Track
}

// SubstringParser treats the matcher output as free text and reports every
// track whose token appears in it, ignoring case.
//
// When one token contains another ("song2" and "song"), an occurrence of the
// shorter token that lies entirely inside a reported occurrence of the
// longer one does not count. "song2.mp3" therefore matches only song2, while
// output naming both files matches both.
type SubstringParser struct{}

func (SubstringParser) Parse(output string, tracks []catalog.Track) []catalog.Track {
	text := strings.ToLower(output)
	if text == "" || len(tracks) == 0 {
		return nil
	}

	// Longest tokens claim their spans first.
	order := make([]int, len(tracks))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return len(tracks[b].Token) - len(tracks[a].Token)
	})

	covered := make([]bool, len(text))
	matched := make([]bool, len(tracks))
	claimed := make(map[string]bool)

	for _, i := range order {
		tok := tracks[i].Token
		if tok == "" {
			continue
		}
		if hit, done := claimed[tok]; done {
			// Same token as an earlier track: same verdict.
			matched[i] = hit
			continue
		}
		spans := occurrences(text, tok)
		hit := false
		for _, s := range spans {
			if !allCovered(covered[s : s+len(tok)]) {
				hit = true
				break
			}
		}
		if hit {
			for _, s := range spans {
				for j := s; j < s+len(tok); j++ {
					covered[j] = true
				}
			}
		}
		claimed[tok] = hit
		matched[i] = hit
	}

	var out []catalog.Track
	for i, t := range tracks {
		if matched[i] {
			out = append(out, t)
		}
	}
	return out
}

func occurrences(text, tok string) []int {
	var idx []int
	for off := 0; ; {
		i := strings.Index(text[off:], tok)
		if i < 0 {
			return idx
		}
		idx = append(idx, off+i)
		off += i + 1
	}
}

func allCovered(b []bool) bool {
	for _, c := range b {
		if !c {
			return false
		}
	}
	return true
}
