package pngx

import "fmt"

// Row converters: pure, stateless transforms between one row of 8-bit
// on-wire samples and one row of canonical pixels. The right pair is picked
// once per decode/encode call, before the row loop, never per pixel.
//
// All conversions are bit-exact and round-trip losslessly, except the
// indexed unpack, which collapses every index whose palette alpha is below
// 128 onto the single mask index.

// rowConvertFunc converts width pixels from src into dst. Layouts of both
// sides are fixed by the function.
type rowConvertFunc func(dst, src []byte, width int)

// unpackTrueAlpha: R,G,B,A wire bytes to canonical true color.
func unpackTrueAlpha(dst, src []byte, width int) {
	copy(dst[:width*4], src[:width*4])
}

// unpackTrue: R,G,B wire bytes to canonical true color, alpha forced to 255.
func unpackTrue(dst, src []byte, width int) {
	for x := 0; x < width; x++ {
		dst[x*4+0] = src[x*3+0]
		dst[x*4+1] = src[x*3+1]
		dst[x*4+2] = src[x*3+2]
		dst[x*4+3] = 0xFF
	}
}

// unpackGrayAlpha: value,alpha wire bytes to canonical grayscale.
func unpackGrayAlpha(dst, src []byte, width int) {
	copy(dst[:width*2], src[:width*2])
}

// unpackGray: value wire bytes to canonical grayscale, alpha forced to 255.
func unpackGray(dst, src []byte, width int) {
	for x := 0; x < width; x++ {
		dst[x*2+0] = src[x]
		dst[x*2+1] = 0xFF
	}
}

// indexedUnpacker builds the unpack function for palette rows. Indices
// whose palette alpha is below 128 are rewritten to the mask index; this is
// the lossy many-to-one step, and it is idempotent because the mask entry
// itself is transparent whenever a rewrite can happen at all.
func indexedUnpacker(alphas *[PaletteSize]uint8, maskIndex int) rowConvertFunc {
	mask := byte(maskIndex)

	return func(dst, src []byte, width int) {
		for x := 0; x < width; x++ {
			c := src[x]
			if alphas[c] < 128 {
				dst[x] = mask
			} else {
				dst[x] = c
			}
		}
	}
}

// packTrueAlpha: canonical true color to R,G,B,A wire bytes.
func packTrueAlpha(dst, src []byte, width int) {
	copy(dst[:width*4], src[:width*4])
}

// packTrue: canonical true color to R,G,B wire bytes, alpha dropped.
func packTrue(dst, src []byte, width int) {
	for x := 0; x < width; x++ {
		dst[x*3+0] = src[x*4+0]
		dst[x*3+1] = src[x*4+1]
		dst[x*3+2] = src[x*4+2]
	}
}

// packGrayAlpha: canonical grayscale to value,alpha wire bytes.
func packGrayAlpha(dst, src []byte, width int) {
	copy(dst[:width*2], src[:width*2])
}

// packGray: canonical grayscale to value wire bytes, alpha dropped.
func packGray(dst, src []byte, width int) {
	for x := 0; x < width; x++ {
		dst[x] = src[x*2]
	}
}

// packIndexed: palette indices are emitted byte for byte; the mask index is
// not re-expanded into per-pixel alpha.
func packIndexed(dst, src []byte, width int) {
	copy(dst[:width], src[:width])
}

// unpackerFor selects the wire-to-canonical converter for a color model.
// Palette rows need the per-entry alphas and the resolved mask index.
func unpackerFor(ct colorType, alphas *[PaletteSize]uint8, maskIndex int) (rowConvertFunc, error) {
	switch ct {
	case ctTrueAlpha:
		return unpackTrueAlpha, nil
	case ctTrueColor:
		return unpackTrue, nil
	case ctGrayAlpha:
		return unpackGrayAlpha, nil
	case ctGray:
		return unpackGray, nil
	case ctPalette:
		return indexedUnpacker(alphas, maskIndex), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedColorModel, ct)
	}
}

// packerFor selects the canonical-to-wire converter for a color model.
func packerFor(ct colorType) (rowConvertFunc, error) {
	switch ct {
	case ctTrueAlpha:
		return packTrueAlpha, nil
	case ctTrueColor:
		return packTrue, nil
	case ctGrayAlpha:
		return packGrayAlpha, nil
	case ctGray:
		return packGray, nil
	case ctPalette:
		return packIndexed, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedColorModel, ct)
	}
}
