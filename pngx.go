// Package pngx is a PNG codec for sprite-editing pipelines. It transcodes
// between on-disk PNG streams and a small set of canonical in-memory pixel
// layouts (true color, grayscale with alpha, palette-indexed), normalizes
// bit depths to 8 bits per sample, collapses palette transparency onto a
// single mask index, and streams rows under caller-driven progress
// reporting and cooperative cancellation.
package pngx

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
)

// Standard error kinds. Every failure returned by this package wraps
// exactly one of them.
var (
	// ErrNotPNG means the stream does not start with the PNG signature.
	ErrNotPNG = errors.New("pngx: not a PNG stream")
	// ErrIO means the source could not be read at all.
	ErrIO = errors.New("pngx: read error")
	// ErrHeader means a malformed or inconsistent chunk or header field.
	ErrHeader = errors.New("pngx: invalid header")
	// ErrUnsupportedColorModel means a color type outside the supported set.
	ErrUnsupportedColorModel = errors.New("pngx: unsupported color model")
	// ErrAllocation means the sink could not provide a usable target image.
	ErrAllocation = errors.New("pngx: allocation failed")
	// ErrWrite means a failure while emitting output; bytes already flushed
	// to the destination are not retracted.
	ErrWrite = errors.New("pngx: write error")
)

// Interface to check if a reader knows its remaining length.
type readerWithLen interface {
	Len() int
}

// readAllData reads data from r, pre-allocating if the size is known.
func readAllData(r io.Reader) ([]byte, error) {
	if rl, ok := r.(readerWithLen); ok {
		size := rl.Len()
		if size > 0 {
			data := make([]byte, size)
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, err
			}

			return data, nil
		}
	}

	return io.ReadAll(r)
}

// DecodeWith decodes a PNG stream through the given sink: the image is
// allocated by the sink, palette entries and the transparent index are
// pushed into it, progress is reported after every row, and the stop flag
// is polled once per row. On a hard error no image is returned, the error
// is reported through the sink once and returned. On a cooperative stop the
// partial image is returned with Stopped set and must be discarded by the
// caller.
func DecodeWith(r io.Reader, sink Sink) (*DecodeResult, error) {
	data, err := readAllData(r)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrIO, err)
		sink.ReportError(err)

		return nil, err
	}

	res, err := newPNGDecoder(data, sink).decode()
	if err != nil {
		sink.ReportError(err)

		return nil, err
	}

	return res, nil
}

// Decode reads a PNG image from r and returns it as an [image.Image]. The
// returned image is a canonical *Image with its palette and transparency
// metadata attached.
func Decode(r io.Reader) (image.Image, error) {
	sink := newBufferSink()
	res, err := DecodeWith(r, sink)
	if err != nil {
		return nil, err
	}
	res.Image.SetPalette(&sink.pal, res.Transparency)

	return res.Image, nil
}

// DecodeConfig returns the color model and dimensions of a PNG image
// without decoding any pixel data. For indexed images the palette (with the
// transparency table applied) is read as the color model.
func DecodeConfig(r io.Reader) (image.Config, error) {
	data, err := readAllData(r)
	if err != nil {
		return image.Config{}, fmt.Errorf("%w: %w", ErrIO, err)
	}

	d := newPNGDecoder(data, nopSink{})
	if err := d.checkSignature(); err != nil {
		return image.Config{}, err
	}

	typ, payload, err := d.readChunk()
	if err != nil {
		return image.Config{}, err
	}
	if typ != chunkIHDR {
		return image.Config{}, fmt.Errorf("%w: first chunk is %s, want IHDR", ErrHeader, typ)
	}
	if err := d.parseIHDR(payload); err != nil {
		return image.Config{}, err
	}

	cfg := image.Config{Width: d.width, Height: d.height}

	switch d.colorType {
	case ctGray:
		cfg.ColorModel = color.GrayModel
	case ctTrueColor, ctGrayAlpha, ctTrueAlpha:
		cfg.ColorModel = color.NRGBAModel
	case ctPalette:
		var pal Palette
		var n int
		for {
			typ, payload, err := d.readChunk()
			if err != nil {
				return image.Config{}, err
			}
			if typ == chunkPLTE {
				if len(payload) == 0 || len(payload)%3 != 0 || len(payload) > PaletteSize*3 {
					return image.Config{}, fmt.Errorf("%w: PLTE length %d", ErrHeader, len(payload))
				}
				n = len(payload) / 3
				for c := 0; c < n; c++ {
					pal.Set(c, payload[c*3], payload[c*3+1], payload[c*3+2])
				}

				continue
			}
			if typ == chunkTRNS {
				d.parseTRNS(payload)

				continue
			}
			if typ == chunkIDAT || typ == chunkIEND {
				break
			}
		}
		if n == 0 {
			return image.Config{}, fmt.Errorf("%w: missing palette", ErrHeader)
		}

		cp := pal.ColorPalette(Transparency{HasAlpha: d.hasAlpha, MaskIndex: d.maskIndex})
		cfg.ColorModel = cp[:n]
	}

	return cfg, nil
}

// EncodeWith writes img to w as a PNG stream. For true-color and grayscale
// images alphaNeeded selects the alpha-carrying color model. For indexed
// images the full 256-entry palette is always emitted; the transparency
// table is emitted only when hasBackgroundLayer is false. Progress is
// reported through the sink after every row; write failures abort
// mid-stream without retracting flushed bytes.
func EncodeWith(w io.Writer, img *Image, pal *Palette, trans Transparency, alphaNeeded, hasBackgroundLayer bool, sink Sink) error {
	e := &encoder{
		w:             w,
		img:           img,
		pal:           pal,
		sink:          sink,
		trans:         trans,
		alphaNeeded:   alphaNeeded,
		hasBackground: hasBackgroundLayer,
	}

	if err := e.encode(); err != nil {
		sink.ReportError(err)

		return err
	}

	return nil
}

// Encode writes m to w as a PNG stream, converting it to the canonical
// model first. Canonical *Image values are encoded directly; paletted
// images keep their palette and transparency; everything else goes through
// true color.
func Encode(w io.Writer, m image.Image) error {
	img, pal, trans, alphaNeeded, hasBackground := canonicalize(m)

	return EncodeWith(w, img, pal, trans, alphaNeeded, hasBackground, nopSink{})
}

// canonicalize converts any stdlib image into the canonical model plus the
// encode policy flags derived from it.
func canonicalize(m image.Image) (*Image, *Palette, Transparency, bool, bool) {
	switch src := m.(type) {
	case *Image:
		alphaNeeded := src.trans.HasAlpha
		if !alphaNeeded && src.Format != Indexed {
			alphaNeeded = hasTranslucency(src)
		}
		hasBackground := true
		if src.Format == Indexed {
			hasBackground = !src.trans.HasAlpha
		}

		return src, src.pal, src.trans, alphaNeeded, hasBackground

	case *image.NRGBA:
		b := src.Bounds()
		img := NewImage(RGB, b.Dx(), b.Dy())
		for y := 0; y < img.Height; y++ {
			o := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(img.Row(y), src.Pix[o:o+img.Stride])
		}

		return img, nil, NoTransparency, hasTranslucency(img), true

	case *image.Gray:
		b := src.Bounds()
		img := NewImage(Grayscale, b.Dx(), b.Dy())
		for y := 0; y < img.Height; y++ {
			o := src.PixOffset(b.Min.X, b.Min.Y+y)
			row := img.Row(y)
			for x := 0; x < img.Width; x++ {
				row[x*2] = src.Pix[o+x]
				row[x*2+1] = 0xFF
			}
		}

		return img, nil, NoTransparency, false, true

	case *image.Paletted:
		b := src.Bounds()
		img := NewImage(Indexed, b.Dx(), b.Dy())
		for y := 0; y < img.Height; y++ {
			o := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(img.Row(y), src.Pix[o:o+img.Stride])
		}

		pal := new(Palette)
		trans := NoTransparency
		for i, c := range src.Palette {
			nc := color.NRGBAModel.Convert(c).(color.NRGBA)
			pal.Set(i, nc.R, nc.G, nc.B)
			if nc.A < 128 && !trans.HasAlpha {
				trans = Transparency{HasAlpha: true, MaskIndex: i}
			}
		}
		img.SetPalette(pal, trans)

		return img, pal, trans, false, !trans.HasAlpha

	default:
		b := m.Bounds()
		img := NewImage(RGB, b.Dx(), b.Dy())
		for y := 0; y < img.Height; y++ {
			row := img.Row(y)
			for x := 0; x < img.Width; x++ {
				nc := color.NRGBAModel.Convert(m.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				row[x*4+0] = nc.R
				row[x*4+1] = nc.G
				row[x*4+2] = nc.B
				row[x*4+3] = nc.A
			}
		}

		return img, nil, NoTransparency, hasTranslucency(img), true
	}
}

// hasTranslucency reports whether any canonical pixel carries an alpha
// below 255. Indexed images have no per-pixel alpha and always report
// false.
func hasTranslucency(img *Image) bool {
	switch img.Format {
	case RGB:
		for i := 3; i < len(img.Pix); i += 4 {
			if img.Pix[i] != 0xFF {
				return true
			}
		}
	case Grayscale:
		for i := 1; i < len(img.Pix); i += 2 {
			if img.Pix[i] != 0xFF {
				return true
			}
		}
	}

	return false
}

// init registers the PNG format with the standard library's image package,
// so image.Decode recognizes PNG streams through this codec.
func init() {
	image.RegisterFormat("png", string(pngSignature), Decode, DecodeConfig)
}
