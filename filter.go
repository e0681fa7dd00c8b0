package pngx

import "fmt"

// Row filter types. Every row of compressed pixel data is preceded by one
// of these bytes. The decoder reconstructs all five; the encoder always
// emits ftNone.
const (
	ftNone    = 0
	ftSub     = 1
	ftUp      = 2
	ftAverage = 3
	ftPaeth   = 4
)

// paeth is the Paeth predictor: the neighbor (left, above, upper-left)
// closest to a+b-c, preferring left, then above.
func paeth(a, b, c byte) byte {
	pa := int(b) - int(c)
	pb := int(a) - int(c)
	pc := pa + pb
	if pa < 0 {
		pa = -pa
	}
	if pb < 0 {
		pb = -pb
	}
	if pc < 0 {
		pc = -pc
	}

	if pa <= pb && pa <= pc {
		return a
	} else if pb <= pc {
		return b
	}

	return c
}

// unfilterRow reconstructs cur in place from its filtered form. prev is the
// reconstructed previous row of the same pass (all zeros for the first
// row), and bpp is the filter unit: bytes per complete pixel, minimum 1.
func unfilterRow(ft byte, cur, prev []byte, bpp int) error {
	switch ft {
	case ftNone:
		// Bytes are literal.
	case ftSub:
		for i := bpp; i < len(cur); i++ {
			cur[i] += cur[i-bpp]
		}
	case ftUp:
		for i := range cur {
			cur[i] += prev[i]
		}
	case ftAverage:
		for i := 0; i < bpp && i < len(cur); i++ {
			cur[i] += prev[i] / 2
		}
		for i := bpp; i < len(cur); i++ {
			cur[i] += byte((int(cur[i-bpp]) + int(prev[i])) / 2)
		}
	case ftPaeth:
		for i := 0; i < bpp && i < len(cur); i++ {
			cur[i] += paeth(0, prev[i], 0)
		}
		for i := bpp; i < len(cur); i++ {
			cur[i] += paeth(cur[i-bpp], prev[i], prev[i-bpp])
		}
	default:
		return fmt.Errorf("%w: unknown row filter %d", ErrHeader, ft)
	}

	return nil
}
