package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func pad(prefix []byte) []byte {
	out := make([]byte, MinSniffBytes)
	copy(out, prefix)
	return out
}

func TestDetectImageFormat(t *testing.T) {
	cases := []struct {
		name   string
		prefix []byte
		format string
	}{
		{"jpeg", pad([]byte{0xFF, 0xD8, 0xFF, 0xE0}), "jpeg"},
		{"png", pad([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}), "png"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBP"), "webp"},
		{"gif89a", pad([]byte("GIF89a")), "gif"},
		{"gif87a", pad([]byte("GIF87a")), "gif"},
		{"avif", []byte{0, 0, 0, 0x20, 'f', 't', 'y', 'p', 'a', 'v', 'i', 'f'}, "avif"},
		{"bmp", pad([]byte("BM")), "bmp"},
		{"tiff little endian", pad([]byte{'I', 'I', 0x2A, 0x00}), "tiff"},
		{"tiff big endian", pad([]byte{'M', 'M', 0x00, 0x2A}), "tiff"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			format, ok, reason := DetectImageFormat(tc.prefix, tc.name+".bin")
			assert.True(t, ok, "reason: %s", reason)
			assert.Equal(t, tc.format, format)
		})
	}
}

// The magic bytes are authoritative in both directions: a recognized
// image is reported as its true format whatever the name claims.
func TestDetectImageFormatIgnoresExtension(t *testing.T) {
	format, ok, _ := DetectImageFormat(pad([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}), "cover.jpg")
	assert.True(t, ok)
	assert.Equal(t, "png", format)

	format, ok, _ = DetectImageFormat(pad([]byte{0xFF, 0xD8, 0xFF, 0xE0}), "image.dat")
	assert.True(t, ok)
	assert.Equal(t, "jpeg", format)
}

// A correct extension never rescues wrong content; the detected type shows
// up in the diagnostic.
func TestDetectImageFormatRejectsForeignContent(t *testing.T) {
	cases := []struct {
		name     string
		prefix   []byte
		detected string
	}{
		{"pdf", pad([]byte("%PDF-1.7")), "pdf"},
		{"zip", pad([]byte("PK\x03\x04")), "zip"},
		{"rar", pad([]byte("Rar!\x1a\x07")), "rar"},
		{"pe executable", pad([]byte("MZ\x90\x00")), "executable"},
		{"elf executable", pad([]byte{0x7F, 'E', 'L', 'F'}), "executable"},
		{"plain text", []byte("hello, world"), "text"},
		{"garbage", pad([]byte{0x01, 0x02, 0x03, 0x04}), "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok, reason := DetectImageFormat(tc.prefix, "page01.jpg")
			assert.False(t, ok)
			assert.Contains(t, reason, "detected: "+tc.detected)
			assert.Contains(t, reason, "page01.jpg")
		})
	}
}

func TestDetectImageFormatShortInput(t *testing.T) {
	// Valid JPEG magic but the whole file is shorter than the sniff window.
	_, ok, reason := DetectImageFormat([]byte{0xFF, 0xD8, 0xFF}, "tiny.jpg")
	assert.False(t, ok)
	assert.Contains(t, reason, "too short")

	_, ok, reason = DetectImageFormat([]byte{0x00}, "tiny.jpg")
	assert.False(t, ok)
	assert.Contains(t, reason, "insufficient data")
}

func TestImageExtension(t *testing.T) {
	assert.Equal(t, ".jpg", ImageExtension("jpeg"))
	assert.Equal(t, ".png", ImageExtension("png"))
	assert.Equal(t, ".webp", ImageExtension("webp"))
	assert.Equal(t, ".tiff", ImageExtension("tiff"))
}
