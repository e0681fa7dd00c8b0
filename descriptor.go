package pngx

import (
	"sort"
	"strings"
	"sync"
)

// FormatFlags declares what a file format can do and which canonical pixel
// formats it can carry.
type FormatFlags uint32

const (
	CanLoad FormatFlags = 1 << iota
	CanSave
	SupportsTrueColor
	SupportsTrueColorAlpha
	SupportsGrayscale
	SupportsGrayscaleAlpha
	SupportsIndexed
	SupportsSequences
)

// Has reports whether every flag in mask is set.
func (f FormatFlags) Has(mask FormatFlags) bool {
	return f&mask == mask
}

// FormatDescriptor is a static capability declaration a file format exposes
// to the format registry.
type FormatDescriptor struct {
	Name       string
	Extensions []string
	Flags      FormatFlags
}

// Supports reports whether the format can carry images of the given
// canonical pixel format (with or without alpha for the non-indexed ones).
func (fd FormatDescriptor) Supports(format PixelFormat) bool {
	switch format {
	case RGB:
		return fd.Flags.Has(SupportsTrueColor) || fd.Flags.Has(SupportsTrueColorAlpha)
	case Grayscale:
		return fd.Flags.Has(SupportsGrayscale) || fd.Flags.Has(SupportsGrayscaleAlpha)
	case Indexed:
		return fd.Flags.Has(SupportsIndexed)
	default:
		return false
	}
}

// PNGFormat is this codec's registry entry.
var PNGFormat = FormatDescriptor{
	Name:       "png",
	Extensions: []string{"png"},
	Flags: CanLoad | CanSave |
		SupportsTrueColor | SupportsTrueColorAlpha |
		SupportsGrayscale | SupportsGrayscaleAlpha |
		SupportsIndexed | SupportsSequences,
}

var (
	formatsMu sync.RWMutex
	formats   = make(map[string]FormatDescriptor)
)

// RegisterFileFormat adds a descriptor to the pluggable format registry.
// Registering the same name twice overwrites the previous entry.
func RegisterFileFormat(fd FormatDescriptor) {
	formatsMu.Lock()
	defer formatsMu.Unlock()
	formats[fd.Name] = fd
}

// FormatByName looks a descriptor up by its registry name.
func FormatByName(name string) (FormatDescriptor, bool) {
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	fd, ok := formats[name]

	return fd, ok
}

// FormatByExtension looks a descriptor up by file extension, with or
// without the leading dot, case-insensitively.
func FormatByExtension(ext string) (FormatDescriptor, bool) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))

	formatsMu.RLock()
	defer formatsMu.RUnlock()
	for _, fd := range formats {
		for _, e := range fd.Extensions {
			if e == ext {
				return fd, true
			}
		}
	}

	return FormatDescriptor{}, false
}

// RegisteredFormats returns the registered descriptors sorted by name.
func RegisteredFormats() []FormatDescriptor {
	formatsMu.RLock()
	defer formatsMu.RUnlock()

	out := make([]FormatDescriptor, 0, len(formats))
	for _, fd := range formats {
		out = append(out, fd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

func init() {
	RegisterFileFormat(PNGFormat)
}
