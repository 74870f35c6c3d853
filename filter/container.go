package filter

import (
	"archive/tar"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/migadu/eaf/consts"
)

// Limits bounds container traversal. Zero values mean unbounded.
type Limits struct {
	// MaxDepth is the deepest nesting level inspected; the outermost
	// container is level 1.
	MaxDepth int
	// MaxBytes caps the total number of decompressed bytes read while
	// inspecting one attachment.
	MaxBytes int64
}

// budget tracks decompressed bytes consumed by one inspection.
type budget struct {
	limited   bool
	remaining int64
}

func newBudget(limits Limits) *budget {
	if limits.MaxBytes <= 0 {
		return &budget{}
	}
	return &budget{limited: true, remaining: limits.MaxBytes}
}

// readAll reads r fully, charging the bytes to the budget.
func (b *budget) readAll(r io.Reader) ([]byte, error) {
	if !b.limited {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, b.remaining+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > b.remaining {
		b.remaining = 0
		return nil, fmt.Errorf("%w: limit reached after %d bytes", consts.ErrBudgetExceeded, len(data)-1)
	}
	b.remaining -= int64(len(data))
	return data, nil
}

// admits reports whether a declared uncompressed size fits the budget.
func (b *budget) admits(size uint64) bool {
	return !b.limited || size <= uint64(b.remaining)
}

type containerKind int

const (
	kindZip containerKind = iota
	kindGzip
	kindBzip2
	kindTar
)

// sniffContainer detects the container format from magic bytes. Anything
// unrecognised is handed to the zip reader, which locates the central
// directory from the end and copes with prepended stubs.
func sniffContainer(data []byte) containerKind {
	switch {
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		return kindGzip
	case len(data) >= 3 && bytes.Equal(data[:3], []byte("BZh")):
		return kindBzip2
	case len(data) >= 262 && bytes.Equal(data[257:262], []byte("ustar")):
		return kindTar
	default:
		return kindZip
	}
}

// entry is one member of a container. Data is loaded lazily so that entries
// which need no content never get decompressed.
type entry struct {
	name      string
	encrypted bool // the name is readable, the content is not
	load      func(b *budget) ([]byte, error)

	loaded bool
	data   []byte
	err    error
}

// content loads the entry data once; later calls return the cached result.
func (e *entry) content(b *budget) ([]byte, error) {
	if !e.loaded {
		e.data, e.err = e.load(b)
		e.loaded = true
	}
	return e.data, e.err
}

// listEntries opens data as a container and returns its members in order.
func listEntries(name string, data []byte) ([]entry, error) {
	switch sniffContainer(data) {
	case kindGzip:
		return gzipEntries(name, data)
	case kindBzip2:
		return bzip2Entries(name, data)
	case kindTar:
		return tarEntries(data)
	default:
		return zipEntries(data)
	}
}

func zipEntries(data []byte) ([]entry, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	entries := make([]entry, 0, len(zr.File))
	for _, f := range zr.File {
		f := f
		if f.Flags&0x1 != 0 {
			entries = append(entries, entry{
				name:      f.Name,
				encrypted: true,
				load: func(*budget) ([]byte, error) {
					return nil, fmt.Errorf("%w: %s", consts.ErrEncrypted, f.Name)
				},
			})
			continue
		}
		entries = append(entries, entry{
			name: f.Name,
			load: func(b *budget) ([]byte, error) {
				if !b.admits(f.UncompressedSize64) {
					return nil, fmt.Errorf("%w: %s declares %d bytes", consts.ErrBudgetExceeded, f.Name, f.UncompressedSize64)
				}
				rc, err := f.Open()
				if err != nil {
					return nil, err
				}
				defer rc.Close()
				return b.readAll(rc)
			},
		})
	}
	return entries, nil
}

func gzipEntries(outer string, data []byte) ([]entry, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	name := zr.Header.Name
	if name == "" {
		name = memberName(outer, ".gz", ".gzip", ".tgz")
	}
	return []entry{{
		name: name,
		load: func(b *budget) ([]byte, error) {
			defer zr.Close()
			return b.readAll(zr)
		},
	}}, nil
}

func bzip2Entries(outer string, data []byte) ([]entry, error) {
	return []entry{{
		name: memberName(outer, ".bz2", ".bzip2"),
		load: func(b *budget) ([]byte, error) {
			return b.readAll(bzip2.NewReader(bytes.NewReader(data)))
		},
	}}, nil
}

// tarEntries walks a tar stream. Tar is sequential, so member data is
// captured up front and charged when loaded.
func tarEntries(data []byte) ([]entry, error) {
	tr := tar.NewReader(bytes.NewReader(data))
	var entries []entry
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		var member []byte
		if hdr.FileInfo().Mode().IsRegular() {
			if member, err = io.ReadAll(tr); err != nil {
				return nil, err
			}
		}
		entries = append(entries, entry{
			name: hdr.Name,
			load: func(b *budget) ([]byte, error) {
				return b.readAll(bytes.NewReader(member))
			},
		})
	}
}

// memberName derives the inner name of a single-member compressed stream
// from its outer name: "report.doc.gz" holds "report.doc", "logs.tgz" holds
// "logs.tar".
func memberName(outer string, suffixes ...string) string {
	lower := strings.ToLower(outer)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s) {
			base := outer[:len(outer)-len(s)]
			if s == ".tgz" {
				return base + ".tar"
			}
			return base
		}
	}
	return outer
}

// errorClass maps an inspection error to a short class used in verdict
// reasons and metric labels.
func errorClass(err error) string {
	var corrupt flate.CorruptInputError
	var structural bzip2.StructuralError
	switch {
	case errors.Is(err, consts.ErrBudgetExceeded):
		return "budget"
	case errors.Is(err, consts.ErrDepthExceeded):
		return "depth"
	case errors.Is(err, consts.ErrEncrypted):
		return "encrypted"
	case errors.Is(err, zip.ErrFormat), errors.Is(err, consts.ErrNotZip),
		errors.Is(err, consts.ErrUnsupportedFormat), errors.Is(err, gzip.ErrHeader),
		errors.Is(err, tar.ErrHeader):
		return "format"
	case errors.Is(err, zip.ErrAlgorithm):
		return "unsupported"
	case errors.Is(err, zip.ErrChecksum), errors.Is(err, gzip.ErrChecksum),
		errors.Is(err, io.ErrUnexpectedEOF), errors.As(err, &corrupt), errors.As(err, &structural):
		return "corrupt"
	default:
		return "io"
	}
}
