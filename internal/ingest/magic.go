package ingest

import (
	"bytes"
	"strings"
)

// MinSniffBytes is the smallest prefix that allows a positive format
// determination. Callers must buffer at least this many bytes (or the
// entry's full content when shorter) before calling DetectImageFormat.
const MinSniffBytes = 12

// DetectImageFormat inspects the first bytes of a file and reports the true
// image format, independent of filename extension or declared content type.
// On ok=false, reason carries a diagnostic including a best-effort detected
// type; that detected type is for messaging only and must never drive
// branching logic.
func DetectImageFormat(prefix []byte, declaredName string) (format string, ok bool, reason string) {
	if len(prefix) < MinSniffBytes {
		if f := sniffImage(prefix); f != "" {
			// A short file can still open with a valid signature, but no
			// real page image fits in under 12 bytes.
			return "", false, "file too short to be a valid image"
		}
		return "", false, "insufficient data to determine file type"
	}
	if f := sniffImage(prefix); f != "" {
		return f, true, ""
	}
	detected := sniffForeign(prefix)
	return "", false, "not a supported image (detected: " + detected + ", name: " + declaredName + ")"
}

func sniffImage(p []byte) string {
	switch {
	case len(p) >= 3 && p[0] == 0xFF && p[1] == 0xD8 && p[2] == 0xFF:
		return "jpeg"
	case bytes.HasPrefix(p, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return "png"
	case len(p) >= 12 && bytes.HasPrefix(p, []byte("RIFF")) && bytes.Equal(p[8:12], []byte("WEBP")):
		return "webp"
	case bytes.HasPrefix(p, []byte("GIF87a")) || bytes.HasPrefix(p, []byte("GIF89a")):
		return "gif"
	case len(p) >= 12 && bytes.Equal(p[4:8], []byte("ftyp")) && (bytes.Equal(p[8:12], []byte("avif")) || bytes.Equal(p[8:12], []byte("avis"))):
		return "avif"
	case bytes.HasPrefix(p, []byte("BM")):
		return "bmp"
	case bytes.HasPrefix(p, []byte{'I', 'I', 0x2A, 0x00}) || bytes.HasPrefix(p, []byte{'M', 'M', 0x00, 0x2A}):
		return "tiff"
	}
	return ""
}

// sniffForeign names common non-image formats for diagnostics.
func sniffForeign(p []byte) string {
	switch {
	case bytes.HasPrefix(p, []byte("%PDF")):
		return "pdf"
	case bytes.HasPrefix(p, []byte("PK\x03\x04")) || bytes.HasPrefix(p, []byte("PK\x05\x06")):
		return "zip"
	case bytes.HasPrefix(p, []byte("Rar!")):
		return "rar"
	case bytes.HasPrefix(p, []byte("MZ")) || bytes.HasPrefix(p, []byte{0x7F, 'E', 'L', 'F'}):
		return "executable"
	case looksTextual(p):
		return "text"
	}
	return "unknown"
}

func looksTextual(p []byte) bool {
	printable := 0
	for _, b := range p {
		if b == '\n' || b == '\r' || b == '\t' || (b >= 0x20 && b < 0x7f) {
			printable++
		}
	}
	return printable == len(p) && len(p) > 0
}

// ImageExtension maps a detected format to the canonical file extension
// used in storage keys.
func ImageExtension(format string) string {
	switch format {
	case "jpeg":
		return ".jpg"
	case "tiff":
		return ".tiff"
	default:
		return "." + strings.ToLower(format)
	}
}
