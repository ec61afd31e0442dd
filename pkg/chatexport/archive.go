package chatexport

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"path"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

const (
	defaultMaxArchiveBytes int64 = 64 << 20
	defaultMaxEntryBytes   int64 = 32 << 20
	defaultMaxTotalBytes   int64 = 256 << 20
	defaultMaxEntries            = 10000
)

// Limits bounds how much work a single archive may cause.
// Zero values fall back to the defaults.
type Limits struct {
	MaxArchiveBytes int64
	MaxEntryBytes   int64
	MaxTotalBytes   int64
	MaxEntries      int
}

// DefaultLimits returns the ceilings used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxArchiveBytes: defaultMaxArchiveBytes,
		MaxEntryBytes:   defaultMaxEntryBytes,
		MaxTotalBytes:   defaultMaxTotalBytes,
		MaxEntries:      defaultMaxEntries,
	}
}

func (l Limits) normalize() Limits {
	if l.MaxArchiveBytes <= 0 {
		l.MaxArchiveBytes = defaultMaxArchiveBytes
	}
	if l.MaxEntryBytes <= 0 {
		l.MaxEntryBytes = defaultMaxEntryBytes
	}
	if l.MaxTotalBytes <= 0 {
		l.MaxTotalBytes = defaultMaxTotalBytes
	}
	if l.MaxEntries <= 0 {
		l.MaxEntries = defaultMaxEntries
	}
	return l
}

// ExtractedFile is an accepted archive entry materialized in memory.
type ExtractedFile struct {
	Path string
	Data []byte
	Size int64
}

// Name returns the base name of the entry.
func (f ExtractedFile) Name() string {
	return path.Base(f.Path)
}

type acceptedEntry struct {
	file *zip.File
	path string
}

// ReadArchive validates every entry of a zip archive and returns the regular files
// in archive order. Any symlink, special file or path escaping the archive root
// rejects the whole archive before content is read.
func ReadArchive(data []byte, limits Limits) ([]ExtractedFile, error) {
	limits = limits.normalize()
	if int64(len(data)) > limits.MaxArchiveBytes {
		return nil, tooLarge("archive is %s, limit is %s",
			humanize.IBytes(uint64(len(data))), humanize.IBytes(uint64(limits.MaxArchiveBytes)))
	}
	// A reader returned alongside an error means insecure names were found;
	// inspectEntries reports those as unsafe entries.
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if zr == nil {
		return nil, corrupt("not a readable zip archive", err)
	}
	entries, err := inspectEntries(zr.File, limits)
	if err != nil {
		return nil, err
	}
	return extractEntries(entries, limits)
}

// inspectEntries checks headers only.
func inspectEntries(files []*zip.File, limits Limits) ([]acceptedEntry, error) {
	if len(files) > limits.MaxEntries {
		return nil, tooLarge("archive has %d entries, limit is %d", len(files), limits.MaxEntries)
	}
	accepted := make([]acceptedEntry, 0, len(files))
	var declaredTotal uint64
	for _, f := range files {
		mode := f.Mode()
		if kind := specialKind(mode); kind != "" {
			return nil, unsafeEntry(f.Name, "%s entries are not allowed", kind)
		}
		isDir := mode.IsDir() || strings.HasSuffix(f.Name, "/")
		clean, reason := cleanEntryPath(f.Name)
		if reason != "" {
			if isDir && reason == reasonEmptyPath {
				continue
			}
			return nil, unsafeEntry(f.Name, "%s", reason)
		}
		if isDir || isResourceFork(clean) {
			continue
		}
		if f.UncompressedSize64 > uint64(limits.MaxEntryBytes) {
			return nil, tooLarge("entry %q declares %s, per-entry limit is %s", clean,
				humanize.IBytes(f.UncompressedSize64), humanize.IBytes(uint64(limits.MaxEntryBytes)))
		}
		declaredTotal += f.UncompressedSize64
		if declaredTotal > uint64(limits.MaxTotalBytes) {
			return nil, tooLarge("archive declares more than %s of content", humanize.IBytes(uint64(limits.MaxTotalBytes)))
		}
		accepted = append(accepted, acceptedEntry{file: f, path: clean})
	}
	return accepted, nil
}

// extractEntries reads content, enforcing ceilings on actual bytes since
// headers may lie about uncompressed sizes. The ceiling is checked before the
// declared size and checksum, so an understated entry that inflates past it is
// reported as too large rather than corrupt.
func extractEntries(entries []acceptedEntry, limits Limits) ([]ExtractedFile, error) {
	out := make([]ExtractedFile, 0, len(entries))
	var total int64
	for _, entry := range entries {
		remaining := limits.MaxTotalBytes - total
		limit := limits.MaxEntryBytes
		if remaining < limit {
			limit = remaining
		}
		data, err := readEntry(entry.file, limit)
		if errors.Is(err, errOverLimit) {
			if limit == limits.MaxEntryBytes {
				return nil, tooLarge("entry %q exceeds per-entry limit of %s", entry.path, humanize.IBytes(uint64(limits.MaxEntryBytes)))
			}
			return nil, tooLarge("archive content exceeds %s", humanize.IBytes(uint64(limits.MaxTotalBytes)))
		}
		if err != nil {
			if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) || errors.Is(err, zip.ErrAlgorithm) {
				return nil, corrupt("damaged entry "+strconv.Quote(entry.path), err)
			}
			return nil, corrupt("cannot read entry "+strconv.Quote(entry.path), err)
		}
		size := int64(len(data))
		total += size
		out = append(out, ExtractedFile{Path: entry.path, Data: data, Size: size})
	}
	return out, nil
}

var errOverLimit = errors.New("entry exceeds limit")

// readEntry inflates at most limit bytes of f. Stored and deflated entries are
// decoded from the raw stream so the limit applies before any header check;
// other methods go through the registered decompressors.
func readEntry(f *zip.File, limit int64) ([]byte, error) {
	var (
		r      io.Reader
		closer io.Closer
	)
	switch f.Method {
	case zip.Store, zip.Deflate:
		raw, err := f.OpenRaw()
		if err != nil {
			return nil, err
		}
		r = raw
		if f.Method == zip.Deflate {
			fr := flate.NewReader(raw)
			r, closer = fr, fr
		}
	default:
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		r, closer = rc, rc
	}
	if closer != nil {
		defer closer.Close()
	}

	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if int64(len(data)) > limit {
		return nil, errOverLimit
	}
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated data", zip.ErrFormat)
		}
		return nil, err
	}
	if uint64(len(data)) != f.UncompressedSize64 {
		return nil, fmt.Errorf("%w: entry is %d bytes, header declares %d", zip.ErrFormat, len(data), f.UncompressedSize64)
	}
	if f.CRC32 != 0 && crc32.ChecksumIEEE(data) != f.CRC32 {
		return nil, zip.ErrChecksum
	}
	return data, nil
}

func specialKind(mode fs.FileMode) string {
	switch {
	case mode&fs.ModeSymlink != 0:
		return "symlink"
	case mode&fs.ModeDevice != 0, mode&fs.ModeCharDevice != 0:
		return "device"
	case mode&fs.ModeNamedPipe != 0:
		return "named pipe"
	case mode&fs.ModeSocket != 0:
		return "socket"
	case mode&fs.ModeIrregular != 0:
		return "irregular"
	}
	return ""
}

const reasonEmptyPath = "empty path"

// cleanEntryPath normalizes an entry name to a slash-separated path relative to
// the extraction root. A non-empty reason means the entry must be rejected.
func cleanEntryPath(name string) (string, string) {
	if strings.ContainsRune(name, 0) {
		return "", "path contains NUL byte"
	}
	p := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(p, "/") {
		return "", "absolute path"
	}
	if len(p) >= 2 && p[1] == ':' && isASCIILetter(p[0]) {
		return "", "drive-qualified path"
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", "parent directory segment in path"
		}
	}
	clean := path.Clean(p)
	if clean == "." || clean == "" {
		return "", reasonEmptyPath
	}
	if !fs.ValidPath(clean) {
		return "", "path escapes archive root"
	}
	return clean, ""
}

// isResourceFork matches the metadata entries macOS adds when compressing a folder.
func isResourceFork(p string) bool {
	if p == "__MACOSX" || strings.HasPrefix(p, "__MACOSX/") {
		return true
	}
	return strings.HasPrefix(path.Base(p), "._")
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
