package pngx

// Sink is the caller-supplied context a decode or encode call reports
// through. It replaces any ambient progress or error state: the codec holds
// a reference for the duration of one call and never retains it.
//
// Progress fractions are in [0,1] and non-decreasing across a call.
// ShouldStop is polled once per row; returning true makes the decoder abort
// cooperatively after the current row.
type Sink interface {
	// AllocImage allocates the canonical target image. Implementations may
	// refuse (for instance when the document rejects the dimensions) by
	// returning an error.
	AllocImage(format PixelFormat, width, height int) (*Image, error)

	// SetPaletteEntry stores one palette color on the document side.
	SetPaletteEntry(index int, r, g, b uint8)

	// SetTransparentIndex designates the single palette index that stands
	// for full transparency.
	SetTransparentIndex(index int)

	// Progress reports overall completion in [0,1].
	Progress(fraction float64)

	// ShouldStop reports whether the caller wants the call to abort.
	ShouldStop() bool

	// ReportError receives each terminal error exactly once, before the
	// call returns it.
	ReportError(err error)
}

// bufferSink is the self-contained Sink behind the plain Decode entry
// point: it collects the palette and transparency metadata alongside the
// image and never asks to stop.
type bufferSink struct {
	img   *Image
	pal   Palette
	trans Transparency
}

func newBufferSink() *bufferSink {
	return &bufferSink{trans: NoTransparency}
}

func (s *bufferSink) AllocImage(format PixelFormat, width, height int) (*Image, error) {
	s.img = NewImage(format, width, height)

	return s.img, nil
}

func (s *bufferSink) SetPaletteEntry(index int, r, g, b uint8) {
	s.pal.Set(index, r, g, b)
}

func (s *bufferSink) SetTransparentIndex(index int) {
	s.trans = Transparency{HasAlpha: true, MaskIndex: index}
}

func (s *bufferSink) Progress(float64) {}

func (s *bufferSink) ShouldStop() bool { return false }

func (s *bufferSink) ReportError(error) {}

// nopSink backs the encode convenience wrappers, which have no document
// context to report into.
type nopSink struct{}

func (nopSink) AllocImage(format PixelFormat, width, height int) (*Image, error) {
	return NewImage(format, width, height), nil
}

func (nopSink) SetPaletteEntry(int, uint8, uint8, uint8) {}
func (nopSink) SetTransparentIndex(int)                  {}
func (nopSink) Progress(float64)                         {}
func (nopSink) ShouldStop() bool                         { return false }
func (nopSink) ReportError(error)                        {}
