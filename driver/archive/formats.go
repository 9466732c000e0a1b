package archive

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gobeaver/unifs"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/nwaples/rardecode/v2"
	"github.com/ulikunitz/xz"
)

// Format is an archive container format.
type Format int

const (
	FormatUnknown Format = iota
	FormatZip
	FormatTar
	FormatTarGz
	FormatTarBz2
	FormatTarXz
	FormatTarZst
	FormatRar
	// Single compressed files, presented as an archive with one entry.
	FormatGz
	FormatBz2
	FormatXz
	FormatZst
)

func (f Format) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatTar:
		return "tar"
	case FormatTarGz:
		return "tar.gz"
	case FormatTarBz2:
		return "tar.bz2"
	case FormatTarXz:
		return "tar.xz"
	case FormatTarZst:
		return "tar.zst"
	case FormatRar:
		return "rar"
	case FormatGz:
		return "gz"
	case FormatBz2:
		return "bz2"
	case FormatXz:
		return "xz"
	case FormatZst:
		return "zst"
	}
	return "unknown"
}

var extensionFormats = []struct {
	suffix string
	format Format
}{
	{".tar.gz", FormatTarGz},
	{".tgz", FormatTarGz},
	{".tar.bz2", FormatTarBz2},
	{".tbz2", FormatTarBz2},
	{".tbz", FormatTarBz2},
	{".tar.xz", FormatTarXz},
	{".txz", FormatTarXz},
	{".tar.zst", FormatTarZst},
	{".tzst", FormatTarZst},
	{".tar", FormatTar},
	{".zip", FormatZip},
	{".jar", FormatZip},
	{".war", FormatZip},
	{".apk", FormatZip},
	{".epub", FormatZip},
	{".cbz", FormatZip},
	{".rar", FormatRar},
	{".cbr", FormatRar},
	{".gz", FormatGz},
	{".bz2", FormatBz2},
	{".xz", FormatXz},
	{".zst", FormatZst},
}

// FormatFromName detects the format from a file name's extension.
func FormatFromName(name string) Format {
	lower := strings.ToLower(name)
	for _, ef := range extensionFormats {
		if strings.HasSuffix(lower, ef.suffix) {
			return ef.format
		}
	}
	return FormatUnknown
}

// IsArchiveName reports whether name has a recognized archive extension.
func IsArchiveName(name string) bool {
	return FormatFromName(name) != FormatUnknown
}

// FormatFromMagic detects the format from the first bytes of a file.
// Compressed streams are assumed to wrap a tar archive.
func FormatFromMagic(header []byte) Format {
	switch {
	case bytes.HasPrefix(header, []byte("PK\x03\x04")), bytes.HasPrefix(header, []byte("PK\x05\x06")):
		return FormatZip
	case bytes.HasPrefix(header, []byte("Rar!\x1a\x07")):
		return FormatRar
	case bytes.HasPrefix(header, []byte{0x1f, 0x8b}):
		return FormatTarGz
	case bytes.HasPrefix(header, []byte("BZh")):
		return FormatTarBz2
	case bytes.HasPrefix(header, []byte("\xfd7zXZ\x00")):
		return FormatTarXz
	case bytes.HasPrefix(header, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		return FormatTarZst
	case len(header) >= 262 && string(header[257:262]) == "ustar":
		return FormatTar
	}
	return FormatUnknown
}

// DetectFormat identifies the archive stored at path and logically named
// name, by extension first and then by content.
func DetectFormat(path, name string) (Format, error) {
	if f := FormatFromName(name); f != FormatUnknown {
		return f, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer file.Close()

	header := make([]byte, 512)
	n, err := io.ReadFull(file, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return FormatUnknown, err
	}
	if f := FormatFromMagic(header[:n]); f != FormatUnknown {
		return f, nil
	}
	return FormatUnknown, fmt.Errorf("%w: unrecognized archive format", unifs.ErrNotSupported)
}

// ============================================================================
// Walking
// ============================================================================

// Entry is one member of an archive.
type Entry struct {
	// Path is the normalized member path without a leading slash.
	Path    string
	IsDir   bool
	Size    int64
	ModTime time.Time
	Symlink bool
}

// Name returns the last path element.
func (e Entry) Name() string {
	return path.Base(e.Path)
}

// visitFunc is called for each member in archive order. open returns the
// member's content and is only valid during the call. Returning stop ends
// the walk early.
type visitFunc func(e Entry, open func() (io.Reader, error)) (stop bool, err error)

// walk visits every member of the archive at archivePath. Member names are
// normalized; a name that escapes the archive aborts the walk. name is the
// archive's logical file name. maxSize, when positive, bounds how far a
// single compressed stream is decoded while sizing it.
func walk(archivePath, name string, format Format, maxSize int64, visit visitFunc) error {
	switch format {
	case FormatZip:
		return walkZip(archivePath, visit)
	case FormatRar:
		return walkRar(archivePath, visit)
	case FormatGz, FormatBz2, FormatXz, FormatZst:
		return walkSingle(archivePath, name, format, maxSize, visit)
	case FormatTar, FormatTarGz, FormatTarBz2, FormatTarXz, FormatTarZst:
		return walkTar(archivePath, format, visit)
	}
	return fmt.Errorf("%w: format %s", unifs.ErrNotSupported, format)
}

func member(name string, isDir bool, size int64, mod time.Time, mode fs.FileMode) (Entry, bool, error) {
	clean, err := NormalizeEntryPath(name)
	if err != nil {
		return Entry{}, false, err
	}
	if clean == "" {
		return Entry{}, false, nil
	}
	if isDir {
		size = 0
	}
	return Entry{
		Path:    clean,
		IsDir:   isDir,
		Size:    size,
		ModTime: mod,
		Symlink: mode&fs.ModeSymlink != 0,
	}, true, nil
}

func walkZip(archivePath string, visit visitFunc) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		e, ok, err := member(f.Name, f.FileInfo().IsDir(), int64(f.UncompressedSize64), f.Modified, f.Mode())
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		var rc io.ReadCloser
		open := func() (io.Reader, error) {
			if rc == nil {
				if rc, err = f.Open(); err != nil {
					return nil, err
				}
			}
			return rc, nil
		}
		stop, err := visit(e, open)
		if rc != nil {
			rc.Close()
		}
		if err != nil || stop {
			return err
		}
	}
	return nil
}

// decompressor wraps r in the stream decoder for format.
func decompressor(r io.Reader, format Format) (io.Reader, func(), error) {
	nop := func() {}
	switch format {
	case FormatTar:
		return r, nop, nil
	case FormatTarGz, FormatGz:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return zr, func() { zr.Close() }, nil
	case FormatTarBz2, FormatBz2:
		return bzip2.NewReader(r), nop, nil
	case FormatTarXz, FormatXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("open xz stream: %w", err)
		}
		return xr, nop, nil
	case FormatTarZst, FormatZst:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("open zstd stream: %w", err)
		}
		return dec, dec.Close, nil
	}
	return nil, nil, fmt.Errorf("%w: format %s", unifs.ErrNotSupported, format)
}

func walkTar(archivePath string, format Format, visit visitFunc) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stream, closeStream, err := decompressor(bufio.NewReader(file), format)
	if err != nil {
		return err
	}
	defer closeStream()

	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		mode := hdr.FileInfo().Mode()
		switch hdr.Typeflag {
		case tar.TypeSymlink, tar.TypeLink:
			mode |= fs.ModeSymlink
		case tar.TypeReg, tar.TypeDir, tar.TypeGNUSparse:
		default:
			// Devices, fifos and PAX/GNU metadata records carry no content.
			continue
		}

		e, ok, err := member(hdr.Name, hdr.Typeflag == tar.TypeDir, hdr.Size, hdr.ModTime, mode)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		stop, err := visit(e, func() (io.Reader, error) { return tr, nil })
		if err != nil || stop {
			return err
		}
	}
}

func walkRar(archivePath string, visit visitFunc) error {
	r, err := rardecode.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open rar: %w", err)
	}
	defer r.Close()

	for {
		hdr, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read rar: %w", err)
		}

		e, ok, err := member(hdr.Name, hdr.IsDir, hdr.UnPackedSize, hdr.ModificationTime, hdr.Mode())
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		stop, err := visit(e, func() (io.Reader, error) { return r, nil })
		if err != nil || stop {
			return err
		}
	}
}

// walkSingle presents a compressed file as an archive holding the
// decompressed file under the name without its compression suffix. The
// stream is decoded once up front to learn the size, failing past maxSize.
func walkSingle(archivePath, name string, format Format, maxSize int64, visit visitFunc) error {
	info, err := os.Stat(archivePath)
	if err != nil {
		return err
	}

	size, err := withStream(archivePath, format, func(r io.Reader) (int64, error) {
		if maxSize > 0 {
			r = &sizeLimitedReader{r: r, max: maxSize}
		}
		return io.Copy(io.Discard, r)
	})
	if err != nil {
		return err
	}

	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if ext := path.Ext(name); ext != "" && ext != name {
		name = strings.TrimSuffix(name, ext)
	}
	e := Entry{Path: name, Size: size, ModTime: info.ModTime()}

	_, err = withStream(archivePath, format, func(r io.Reader) (int64, error) {
		_, err := visit(e, func() (io.Reader, error) { return r, nil })
		return 0, err
	})
	return err
}

func withStream(archivePath string, format Format, fn func(io.Reader) (int64, error)) (int64, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	stream, closeStream, err := decompressor(bufio.NewReader(file), format)
	if err != nil {
		return 0, err
	}
	defer closeStream()
	return fn(stream)
}
