package ingest

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
)

// Limits bounds what a single archive may cost to extract. All three are
// enforced against actual stream lengths, not just declared sizes.
type Limits struct {
	MaxEntries    int
	MaxFileBytes  int64
	MaxTotalBytes int64
}

// DefaultLimits mirrors the configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxEntries:    200,
		MaxFileBytes:  10 << 20,
		MaxTotalBytes: 200 << 20,
	}
}

// Entry is one validated page candidate extracted from the archive.
type Entry struct {
	// OriginalName is the raw path as stored in the archive. Untrusted;
	// used only for order inference and diagnostics.
	OriginalName string
	// Name is the sanitized base filename.
	Name string
	// Size is the actual extracted length in bytes.
	Size int64
	// Format is the magic-byte-verified image format.
	Format string
	// Payload is the extracted content, populated only after all safety
	// checks passed.
	Payload []byte
}

// allowedExtensions is the page-image allow list. Entries with other
// extensions are skipped silently: they are not pages (ComicInfo.xml,
// thumbs.db and friends are routine in CBZ files).
var allowedExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".webp": {}, ".gif": {},
	".avif": {}, ".bmp": {}, ".tiff": {}, ".tif": {},
}

// Extractor streams page entries out of a ZIP/CBZ archive, enforcing
// limits and content validation per entry.
type Extractor struct {
	limits Limits
	log    *slog.Logger
}

// NewExtractor constructs an Extractor.
func NewExtractor(limits Limits, log *slog.Logger) *Extractor {
	return &Extractor{limits: limits, log: log}
}

// Extract walks the archive one entry at a time and returns the validated
// page entries in archive order. The whole archive is never decompressed
// into memory at once; each entry is streamed and checked against the
// running limits as it is read. Any security or validation failure aborts
// the job with a tagged error.
func (e *Extractor) Extract(ctx context.Context, archive io.ReaderAt, size int64) ([]Entry, error) {
	zr, err := zip.NewReader(archive, size)
	if err != nil {
		return nil, validationError("the file is not a readable ZIP/CBZ archive", "open archive: %v", err)
	}

	var (
		entries    []Entry
		entryCount int
		totalBytes int64
	)
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Kind: KindExtractionFailed, Message: "extraction interrupted", Hint: "the upload was interrupted", Err: err}
		}
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}
		entryCount++
		if entryCount > e.limits.MaxEntries {
			return nil, securityError("archive exceeds entry limit of %d files", e.limits.MaxEntries)
		}
		ext := strings.ToLower(path.Ext(f.Name))
		if _, ok := allowedExtensions[ext]; !ok {
			e.log.Debug("skipping non-image entry", "name", f.Name)
			continue
		}
		name, ok := SanitizeEntryName(f.Name)
		if !ok {
			return nil, securityError("unsafe entry path %q", f.Name)
		}
		if f.UncompressedSize64 > uint64(e.limits.MaxFileBytes) {
			return nil, securityError("entry %q declares %d bytes, limit is %d", name, f.UncompressedSize64, e.limits.MaxFileBytes)
		}
		payload, format, err := e.readEntry(f, name, &totalBytes)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			OriginalName: f.Name,
			Name:         name,
			Size:         int64(len(payload)),
			Format:       format,
			Payload:      payload,
		})
	}
	if len(entries) == 0 {
		return nil, validationError("the archive contains no valid page images", "no valid images found (%d entries scanned)", entryCount)
	}
	return entries, nil
}

// readEntry streams one entry while re-checking the running byte counts
// (declared sizes can lie, so the actual stream length is the ground
// truth) and validates the leading magic bytes as soon as they are
// available, so a smuggled non-image fails before its payload is read.
func (e *Extractor) readEntry(f *zip.File, name string, totalBytes *int64) ([]byte, string, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, "", &Error{Kind: KindExtractionFailed, Message: fmt.Sprintf("open entry %q: %v", name, err), Hint: "the archive appears to be corrupted"}
	}
	defer rc.Close()

	payload := make([]byte, 0, min(int64(f.UncompressedSize64), e.limits.MaxFileBytes))
	buf := make([]byte, 32*1024)
	var (
		written int64
		format  string
		sniffed bool
	)
	for {
		n, readErr := rc.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > e.limits.MaxFileBytes {
				return nil, "", securityError("entry %q exceeds per-file limit of %d bytes", name, e.limits.MaxFileBytes)
			}
			if *totalBytes+written > e.limits.MaxTotalBytes {
				return nil, "", securityError("archive exceeds total size limit of %d bytes", e.limits.MaxTotalBytes)
			}
			payload = append(payload, buf[:n]...)
			if !sniffed && len(payload) >= MinSniffBytes {
				sniffed = true
				var ok bool
				var reason string
				format, ok, reason = DetectImageFormat(payload[:MinSniffBytes], name)
				if !ok {
					return nil, "", validationError(
						fmt.Sprintf("%q is not a valid image", name),
						"entry %q failed image validation: %s", name, reason,
					)
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return nil, "", &Error{Kind: KindExtractionFailed, Message: fmt.Sprintf("read entry %q: %v", name, readErr), Hint: "the archive appears to be corrupted"}
		}
	}
	if !sniffed {
		// Shorter than the sniff window; no real page image is this small.
		_, _, reason := DetectImageFormat(payload, name)
		return nil, "", validationError(
			fmt.Sprintf("%q is not a valid image", name),
			"entry %q failed image validation: %s", name, reason,
		)
	}
	*totalBytes += written
	return payload, format, nil
}
