package ingest

import (
	"math"
	"path"
	"sort"
	"strconv"
	"strings"
)

// Reading order is inferred, not assumed: archive filenames are
// human-generated and inconsistent ("1.jpg", "page_001.png",
// "Vol1_Ch2_03.webp"), so the engine scores its own guess and flags
// low-confidence chapters for manual reorder instead of publishing a
// silently wrong order.
//
// The penalty constants and the 0.70 threshold are empirically chosen
// values carried over unchanged; they are centralized here pending product
// review rather than re-derived.
const (
	// ReorderThreshold is the confidence below which a chapter is flagged
	// for manual page reordering. The flag, not the raw confidence, is
	// what publication logic gates on.
	ReorderThreshold = 0.70

	penaltySingleFile          = 0.95
	penaltyTwoFiles            = 0.92
	penaltyNoNumbers           = 0.20
	penaltyInconsistentPadding = 0.75
	penaltyNonSequential       = 0.80

	gapPenaltyLow  = 0.85
	gapPenaltyMed  = 0.70
	gapPenaltyHigh = 0.40

	dupPenaltyLow  = 0.80
	dupPenaltyMed  = 0.60
	dupPenaltyHigh = 0.30

	lowRatio = 0.10
	medRatio = 0.25
)

// OrderingMetadata describes the numeric structure the engine observed.
// Confidence and the reorder flag are pure functions of this metadata.
type OrderingMetadata struct {
	HasNumericSequences bool `json:"hasNumericSequences"`
	ConsistentPadding   bool `json:"consistentPadding"`
	SequentialNumbers   bool `json:"sequentialNumbers"`
	GapCount            int  `json:"gapCount"`
	DuplicateNumbers    int  `json:"duplicateNumbers"`
	TotalFiles          int  `json:"totalFiles"`
}

// OrderedPage is a validated entry assigned its final reading position.
// Positions are 1-based and contiguous; once assigned, filenames no longer
// matter downstream.
type OrderedPage struct {
	Position   int
	Entry      Entry
	StorageKey string
}

// OrderingResult is the engine's best-guess total order plus its own
// assessment of how trustworthy that order is.
type OrderingResult struct {
	Pages                 []OrderedPage
	Confidence            float64
	RequiresManualReorder bool
	Metadata              OrderingMetadata
}

type numberToken struct {
	text  string
	value int64
}

// InferOrder sorts entries into reading order and scores the result.
func InferOrder(entries []Entry) OrderingResult {
	type scored struct {
		entry    Entry
		token    numberToken
		hasToken bool
	}
	items := make([]scored, len(entries))
	for i, e := range entries {
		tok, ok := primaryNumber(e.Name)
		items[i] = scored{entry: e, token: tok, hasToken: ok}
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		av, bv := int64(-1), int64(-1)
		if a.hasToken {
			av = a.token.value
		}
		if b.hasToken {
			bv = b.token.value
		}
		if av != bv {
			return av < bv
		}
		return naturalLess(a.entry.Name, b.entry.Name)
	})

	meta := OrderingMetadata{TotalFiles: len(entries), ConsistentPadding: true}
	var numbered []numberToken
	for _, it := range items {
		if it.hasToken {
			numbered = append(numbered, it.token)
		}
	}
	meta.HasNumericSequences = len(numbered) > 0
	if len(numbered) > 0 {
		analyzeSequence(numbered, &meta)
		meta.ConsistentPadding = paddingConsistent(numbered)
	}

	confidence := scoreConfidence(meta)
	pages := make([]OrderedPage, len(items))
	for i, it := range items {
		pages[i] = OrderedPage{Position: i + 1, Entry: it.entry}
	}
	return OrderingResult{
		Pages:                 pages,
		Confidence:            confidence,
		RequiresManualReorder: confidence < ReorderThreshold,
		Metadata:              meta,
	}
}

// primaryNumber picks the digit run that most likely encodes the page
// position. With several runs ("Vol1_Ch2_03") the trailing run wins when it
// is at least 1, favoring the page counter over volume/chapter prefixes;
// otherwise the largest run is used.
func primaryNumber(name string) (numberToken, bool) {
	stem := strings.TrimSuffix(name, path.Ext(name))
	runs := digitRuns(stem)
	switch len(runs) {
	case 0:
		return numberToken{}, false
	case 1:
		return runs[0], true
	}
	last := runs[len(runs)-1]
	if last.value >= 1 {
		return last, true
	}
	best := runs[0]
	for _, r := range runs[1:] {
		if r.value > best.value {
			best = r
		}
	}
	return best, true
}

func digitRuns(s string) []numberToken {
	var runs []numberToken
	start := -1
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] >= '0' && s[i] <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			runs = append(runs, numberToken{text: s[start:i], value: parseRun(s[start:i])})
			start = -1
		}
	}
	return runs
}

func parseRun(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimLeft(s, "0"), 10, 64)
	if err != nil {
		if strings.Trim(s, "0") == "" {
			return 0
		}
		// Absurdly long run; saturate rather than fail.
		return math.MaxInt64
	}
	return v
}

// analyzeSequence counts gaps and duplicates across the sorted primary
// numbers and judges whether they form a usable page sequence.
func analyzeSequence(tokens []numberToken, meta *OrderingMetadata) {
	values := make([]int64, len(tokens))
	for i, t := range tokens {
		values[i] = t.value
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	distinct := 1
	for i := 1; i < len(values); i++ {
		diff := values[i] - values[i-1]
		switch {
		case diff == 0:
			meta.DuplicateNumbers++
		case diff > 1:
			meta.GapCount++
			distinct++
		default:
			distinct++
		}
	}
	minVal, maxVal := values[0], values[len(values)-1]
	missing := (maxVal - minVal + 1) - int64(distinct)
	n := float64(meta.TotalFiles)
	meta.SequentialNumbers = minVal <= 3 &&
		float64(missing) <= 0.30*n &&
		float64(meta.GapCount) <= 0.25*n
}

// paddingConsistent catches "01" vs "1" aliasing: padded tokens must all
// share one width, and two tokens for the same numeric value must never
// differ in width. Unpadded tokens of naturally varying width ("1".."10")
// are consistent.
func paddingConsistent(tokens []numberToken) bool {
	padded := false
	widths := map[int]struct{}{}
	byValue := map[int64]int{}
	for _, t := range tokens {
		widths[len(t.text)] = struct{}{}
		if len(t.text) > 1 && t.text[0] == '0' {
			padded = true
		}
		if w, seen := byValue[t.value]; seen && w != len(t.text) {
			return false
		}
		byValue[t.value] = len(t.text)
	}
	if padded && len(widths) > 1 {
		return false
	}
	return true
}

func scoreConfidence(meta OrderingMetadata) float64 {
	confidence := 1.0
	switch {
	case meta.TotalFiles < 2:
		confidence *= penaltySingleFile
	case meta.TotalFiles == 2:
		confidence *= penaltyTwoFiles
	}
	if !meta.HasNumericSequences {
		confidence *= penaltyNoNumbers
	} else {
		n := float64(meta.TotalFiles)
		confidence *= ratioPenalty(float64(meta.GapCount)/n, gapPenaltyLow, gapPenaltyMed, gapPenaltyHigh)
		confidence *= ratioPenalty(float64(meta.DuplicateNumbers)/n, dupPenaltyLow, dupPenaltyMed, dupPenaltyHigh)
		if !meta.ConsistentPadding {
			confidence *= penaltyInconsistentPadding
		}
		if !meta.SequentialNumbers {
			confidence *= penaltyNonSequential
		}
	}
	return math.Max(0, math.Min(1, confidence))
}

func ratioPenalty(ratio, low, med, high float64) float64 {
	switch {
	case ratio <= 0:
		return 1
	case ratio <= lowRatio:
		return low
	case ratio <= medRatio:
		return med
	default:
		return high
	}
}

// naturalLess compares two filenames treating embedded digit runs as
// numbers, so "page2" sorts before "page10".
func naturalLess(a, b string) bool {
	for len(a) > 0 && len(b) > 0 {
		if isDigit(a[0]) && isDigit(b[0]) {
			ar, aRest := splitRun(a)
			br, bRest := splitRun(b)
			an := strings.TrimLeft(ar, "0")
			bn := strings.TrimLeft(br, "0")
			if len(an) != len(bn) {
				return len(an) < len(bn)
			}
			if an != bn {
				return an < bn
			}
			a, b = aRest, bRest
			continue
		}
		ac, bc := lower(a[0]), lower(b[0])
		if ac != bc {
			return ac < bc
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func splitRun(s string) (run, rest string) {
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	return s[:i], s[i:]
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
