package ingest

import (
	"fmt"
	"strconv"
	"strings"
)

// SlugifySeriesName reduces a series display name to the lowercase
// alphanumeric slug used in storage keys.
func SlugifySeriesName(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "series"
	}
	return slug
}

// FormatChapterNumber renders a chapter number without trailing zeros, so
// chapter 3 is "3" and chapter 10.5 is "10.5".
func FormatChapterNumber(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}

// PageKey derives the deterministic storage key for one page:
// {slug}-ch{chapterNumber}-page{NNN}.{ext}.
func PageKey(slug string, chapterNumber float64, position int, format string) string {
	return fmt.Sprintf("%s-ch%s-page%03d%s", slug, FormatChapterNumber(chapterNumber), position, ImageExtension(format))
}

// ChapterKeyPrefix is the shared prefix of every page key in a chapter,
// used for listing and compensation checks.
func ChapterKeyPrefix(slug string, chapterNumber float64) string {
	return fmt.Sprintf("%s-ch%s-page", slug, FormatChapterNumber(chapterNumber))
}
