package pngx

import (
	"image"
	"image/color"
	"sync/atomic"
)

// PixelFormat identifies one of the canonical in-memory pixel layouts.
type PixelFormat int

const (
	// RGB is true color: 4 bytes per pixel, R,G,B,A in memory order,
	// equivalent to one packed little-endian 32-bit word per pixel.
	RGB PixelFormat = iota
	// Grayscale is 2 bytes per pixel: value and alpha, equivalent to one
	// packed little-endian 16-bit word per pixel.
	Grayscale
	// Indexed is 1 byte per pixel holding a palette index.
	Indexed
)

// BytesPerPixel returns the canonical storage size of one pixel.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case RGB:
		return 4
	case Grayscale:
		return 2
	default:
		return 1
	}
}

func (f PixelFormat) String() string {
	switch f {
	case RGB:
		return "rgb"
	case Grayscale:
		return "grayscale"
	case Indexed:
		return "indexed"
	default:
		return "unknown"
	}
}

// ImageID is an opaque, process-unique image identity. Undo machinery keys
// its bindings on it, so an Image keeps its ID for life unless explicitly
// rebound.
type ImageID uint64

var lastImageID atomic.Uint64

func nextImageID() ImageID {
	return ImageID(lastImageID.Add(1))
}

// Image is the canonical in-memory pixel buffer the codec decodes into and
// encodes from. The buffer is exclusively owned, fully materialized and
// contiguous: row y starts at y*Stride and Stride is always
// Width*Format.BytesPerPixel().
type Image struct {
	ID     ImageID
	Format PixelFormat
	Width  int
	Height int
	Stride int
	Pix    []byte

	// Rendering context for Indexed (and alpha-aware) images; optional,
	// used only by the image.Image implementation.
	pal   *Palette
	trans Transparency
}

// NewImage allocates a zeroed canonical image.
func NewImage(format PixelFormat, width, height int) *Image {
	stride := width * format.BytesPerPixel()

	return &Image{
		ID:     nextImageID(),
		Format: format,
		Width:  width,
		Height: height,
		Stride: stride,
		Pix:    make([]byte, height*stride),
	}
}

// Row returns the pixel bytes of row y, aliasing the image buffer.
func (m *Image) Row(y int) []byte {
	return m.Pix[y*m.Stride : y*m.Stride+m.Stride]
}

// Clone returns a deep copy of the image with a fresh ID.
func (m *Image) Clone() *Image {
	c := *m
	c.ID = nextImageID()
	c.Pix = make([]byte, len(m.Pix))
	copy(c.Pix, m.Pix)

	return &c
}

// SetPalette attaches the palette and transparency info used to resolve
// Indexed pixels (and the alpha flag) when the image is read through the
// image.Image interface. The palette is shared, not copied.
func (m *Image) SetPalette(p *Palette, t Transparency) {
	m.pal = p
	m.trans = t
}

// ColorModel implements image.Image.
func (m *Image) ColorModel() color.Model {
	switch m.Format {
	case Grayscale:
		return color.NRGBAModel
	case Indexed:
		if m.pal != nil {
			return m.pal.ColorPalette(m.trans)
		}

		return color.NRGBAModel
	default:
		return color.NRGBAModel
	}
}

// Bounds implements image.Image.
func (m *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

// At implements image.Image.
func (m *Image) At(x, y int) color.Color {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return color.NRGBA{}
	}

	switch m.Format {
	case RGB:
		i := y*m.Stride + x*4

		return color.NRGBA{R: m.Pix[i], G: m.Pix[i+1], B: m.Pix[i+2], A: m.Pix[i+3]}
	case Grayscale:
		i := y*m.Stride + x*2
		v := m.Pix[i]

		return color.NRGBA{R: v, G: v, B: v, A: m.Pix[i+1]}
	default:
		idx := int(m.Pix[y*m.Stride+x])
		if m.trans.HasAlpha && idx == m.trans.MaskIndex {
			return color.NRGBA{}
		}
		if m.pal != nil {
			r, g, b := m.pal.At(idx)

			return color.NRGBA{R: r, G: g, B: b, A: 0xFF}
		}

		return color.NRGBA{R: uint8(idx), G: uint8(idx), B: uint8(idx), A: 0xFF}
	}
}

// PaletteSize is the fixed capacity of a palette.
const PaletteSize = 256

// Palette is a fixed-capacity ordered set of 256 RGB entries. Entries that
// were never set stay black.
type Palette struct {
	entries [PaletteSize][3]uint8
}

// Set stores the color of entry i. Out-of-range indices are ignored.
func (p *Palette) Set(i int, r, g, b uint8) {
	if i < 0 || i >= PaletteSize {
		return
	}
	p.entries[i] = [3]uint8{r, g, b}
}

// At returns the color of entry i. Out-of-range indices read as black.
func (p *Palette) At(i int) (r, g, b uint8) {
	if i < 0 || i >= PaletteSize {
		return 0, 0, 0
	}
	e := p.entries[i]

	return e[0], e[1], e[2]
}

// ColorPalette renders the palette as a stdlib color.Palette, applying the
// mask index as a fully transparent entry.
func (p *Palette) ColorPalette(t Transparency) color.Palette {
	cp := make(color.Palette, PaletteSize)
	for i := range cp {
		e := p.entries[i]
		if t.HasAlpha && i == t.MaskIndex {
			cp[i] = color.NRGBA{}

			continue
		}
		cp[i] = color.NRGBA{R: e[0], G: e[1], B: e[2], A: 0xFF}
	}

	return cp
}

// Transparency describes how transparency survived the trip through the
// canonical model. For Indexed images at most one palette index, MaskIndex,
// stands for full transparency; MaskIndex is negative exactly when HasAlpha
// is false.
type Transparency struct {
	HasAlpha  bool
	MaskIndex int
}

// NoTransparency is the zero-value-with-intent constant: opaque image, no
// mask index.
var NoTransparency = Transparency{HasAlpha: false, MaskIndex: -1}
