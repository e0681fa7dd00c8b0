package pngx

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// pngSignature is the fixed 8-byte file header.
var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}

// Chunk type tags this codec interprets. Anything else is ancillary and
// skipped (its CRC is still verified).
const (
	chunkIHDR = "IHDR"
	chunkPLTE = "PLTE"
	chunkTRNS = "tRNS"
	chunkIDAT = "IDAT"
	chunkIEND = "IEND"
)

// On-disk color model tags from the IHDR color type field.
type colorType byte

const (
	ctGray      colorType = 0
	ctTrueColor colorType = 2
	ctPalette   colorType = 3
	ctGrayAlpha colorType = 4
	ctTrueAlpha colorType = 6
)

// channels returns the number of samples per pixel on the wire.
func (ct colorType) channels() int {
	switch ct {
	case ctGray, ctPalette:
		return 1
	case ctGrayAlpha:
		return 2
	case ctTrueColor:
		return 3
	case ctTrueAlpha:
		return 4
	default:
		return 0
	}
}

func (ct colorType) String() string {
	switch ct {
	case ctGray:
		return "grayscale"
	case ctTrueColor:
		return "truecolor"
	case ctPalette:
		return "palette"
	case ctGrayAlpha:
		return "grayscale+alpha"
	case ctTrueAlpha:
		return "truecolor+alpha"
	default:
		return fmt.Sprintf("color type %d", byte(ct))
	}
}

// chunkCRC computes the CRC32 over the chunk type tag and payload, as
// stored in the trailing 4 bytes of every chunk.
func chunkCRC(typ string, data []byte) uint32 {
	crc := crc32.NewIEEE()
	crc.Write([]byte(typ))
	crc.Write(data)

	return crc.Sum32()
}

// writeChunk emits one complete chunk: length, type, payload, CRC.
func writeChunk(w io.Writer, typ string, data []byte) error {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(data)))
	copy(hdr[4:8], typ)

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("%w: chunk %s header: %w", ErrWrite, typ, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("%w: chunk %s payload: %w", ErrWrite, typ, err)
	}

	var tail [4]byte
	binary.BigEndian.PutUint32(tail[:], chunkCRC(typ, data))
	if _, err := w.Write(tail[:]); err != nil {
		return fmt.Errorf("%w: chunk %s crc: %w", ErrWrite, typ, err)
	}

	return nil
}

// idatWriter turns every buffered write coming out of the deflater into one
// IDAT chunk, so compressed rows stream to the destination instead of
// accumulating in memory.
type idatWriter struct {
	w io.Writer
}

func (iw *idatWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := writeChunk(iw.w, chunkIDAT, p); err != nil {
		return 0, err
	}

	return len(p), nil
}
