package pngx

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// DecodeResult is what a sink-driven decode hands back. Image is fully
// materialized unless Stopped is set, in which case the caller asked the
// decode to abort and must discard the partially filled buffer.
type DecodeResult struct {
	Image        *Image
	Transparency Transparency
	Stopped      bool
}

// decoder holds the state of one decode call: a cursor over the whole
// input, the normalized header fields, and the palette transparency scan
// results. A decoder is never shared or reused across calls.
type decoder struct {
	data []byte // Input buffer containing the entire stream.
	pos  int    // Current position index in the input buffer.
	size int    // Remaining bytes to be processed.
	sink Sink

	width, height int
	bitDepth      int
	colorType     colorType
	interlaced    bool

	format   PixelFormat // Canonical target layout.
	hasAlpha bool

	paletteSeen bool
	palAlphas   [PaletteSize]uint8 // Per-entry alpha from tRNS, 255 when absent.
	maskIndex   int                // First transparent entry, -1 when none.

	img       *Image
	stopped   bool
	sampleBuf []byte // Scratch row of 8-bit samples after depth normalization.
}

func newPNGDecoder(data []byte, sink Sink) *decoder {
	d := &decoder{
		data:      data,
		size:      len(data),
		sink:      sink,
		maskIndex: -1,
	}
	for i := range d.palAlphas {
		d.palAlphas[i] = 0xFF
	}

	return d
}

// checkSignature consumes and validates the 8-byte file header.
func (d *decoder) checkSignature() error {
	if d.size < len(pngSignature) || !bytes.HasPrefix(d.data, pngSignature) {
		return ErrNotPNG
	}
	d.pos += len(pngSignature)
	d.size -= len(pngSignature)

	return nil
}

// nextChunkType peeks at the type tag of the upcoming chunk without
// consuming anything.
func (d *decoder) nextChunkType() string {
	if d.size < 8 {
		return ""
	}

	return string(d.data[d.pos+4 : d.pos+8])
}

// readChunk consumes one chunk, verifying its CRC. The returned payload
// aliases the input buffer.
func (d *decoder) readChunk() (string, []byte, error) {
	if d.size < 8 {
		return "", nil, fmt.Errorf("%w: truncated chunk header", ErrHeader)
	}

	length := binary.BigEndian.Uint32(d.data[d.pos:])
	typ := string(d.data[d.pos+4 : d.pos+8])
	if int64(length)+12 > int64(d.size) {
		return "", nil, fmt.Errorf("%w: truncated chunk %s", ErrHeader, typ)
	}

	payload := d.data[d.pos+8 : d.pos+8+int(length)]
	stored := binary.BigEndian.Uint32(d.data[d.pos+8+int(length):])
	if stored != chunkCRC(typ, payload) {
		return "", nil, fmt.Errorf("%w: chunk %s crc mismatch", ErrHeader, typ)
	}

	d.pos += 12 + int(length)
	d.size -= 12 + int(length)

	return typ, payload, nil
}

// parseIHDR validates the header fields and maps the on-disk color model to
// a canonical pixel format.
func (d *decoder) parseIHDR(data []byte) error {
	if len(data) != 13 {
		return fmt.Errorf("%w: IHDR length %d", ErrHeader, len(data))
	}

	w := binary.BigEndian.Uint32(data[0:4])
	h := binary.BigEndian.Uint32(data[4:8])
	if w == 0 || h == 0 || w >= 1<<30 || h >= 1<<30 {
		return fmt.Errorf("%w: invalid dimensions %dx%d", ErrHeader, w, h)
	}
	d.width = int(w)
	d.height = int(h)

	d.bitDepth = int(data[8])
	d.colorType = colorType(data[9])

	var depthOK bool
	switch d.colorType {
	case ctGray:
		depthOK = d.bitDepth == 1 || d.bitDepth == 2 || d.bitDepth == 4 || d.bitDepth == 8 || d.bitDepth == 16
	case ctPalette:
		depthOK = d.bitDepth == 1 || d.bitDepth == 2 || d.bitDepth == 4 || d.bitDepth == 8
	case ctTrueColor, ctGrayAlpha, ctTrueAlpha:
		depthOK = d.bitDepth == 8 || d.bitDepth == 16
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedColorModel, d.colorType)
	}
	if !depthOK {
		return fmt.Errorf("%w: bit depth %d for %s", ErrHeader, d.bitDepth, d.colorType)
	}

	if data[10] != 0 {
		return fmt.Errorf("%w: compression method %d", ErrHeader, data[10])
	}
	if data[11] != 0 {
		return fmt.Errorf("%w: filter method %d", ErrHeader, data[11])
	}
	switch data[12] {
	case 0:
		d.interlaced = false
	case 1:
		d.interlaced = true
	default:
		return fmt.Errorf("%w: interlace method %d", ErrHeader, data[12])
	}

	switch d.colorType {
	case ctTrueAlpha:
		d.hasAlpha = true
		d.format = RGB
	case ctTrueColor:
		d.format = RGB
	case ctGrayAlpha:
		d.hasAlpha = true
		d.format = Grayscale
	case ctGray:
		d.format = Grayscale
	case ctPalette:
		d.format = Indexed
	}

	return nil
}

// parsePLTE forwards palette colors to the sink and zero-pads the unused
// tail to black. Suggested palettes on non-indexed streams are ignored.
func (d *decoder) parsePLTE(data []byte) error {
	if len(data) == 0 || len(data)%3 != 0 || len(data) > PaletteSize*3 {
		return fmt.Errorf("%w: PLTE length %d", ErrHeader, len(data))
	}
	if d.colorType != ctPalette {
		return nil
	}

	n := len(data) / 3
	c := 0
	for ; c < n; c++ {
		d.sink.SetPaletteEntry(c, data[c*3], data[c*3+1], data[c*3+2])
	}
	for ; c < PaletteSize; c++ {
		d.sink.SetPaletteEntry(c, 0, 0, 0)
	}
	d.paletteSeen = true

	return nil
}

// parseTRNS scans the palette alpha table. The first entry below the 50%
// threshold, in ascending index order, becomes the mask index; later
// transparent entries are not separately representable and collapse onto it
// during row conversion. Gray and truecolor transparency tables are
// skipped; the canonical model has no color-keyed alpha.
func (d *decoder) parseTRNS(data []byte) {
	if d.colorType != ctPalette {
		return
	}

	for i := 0; i < len(data) && i < PaletteSize; i++ {
		d.palAlphas[i] = data[i]
		if data[i] < 128 {
			d.hasAlpha = true
			if d.maskIndex < 0 {
				d.maskIndex = i
			}
		}
	}

	if d.maskIndex >= 0 {
		d.sink.SetTransparentIndex(d.maskIndex)
	}
}

// collectIDAT gathers the payloads of the run of consecutive IDAT chunks
// starting with the one already in hand, verifying each chunk's CRC.
func (d *decoder) collectIDAT(first []byte) ([][]byte, error) {
	parts := [][]byte{first}
	for d.nextChunkType() == chunkIDAT {
		_, data, err := d.readChunk()
		if err != nil {
			return nil, err
		}
		parts = append(parts, data)
	}

	return parts, nil
}

// allocImage asks the sink for the canonical target buffer and validates
// what came back before any row is written through it.
func (d *decoder) allocImage() error {
	img, err := d.sink.AllocImage(d.format, d.width, d.height)
	if err != nil {
		return fmt.Errorf("%w: %s %dx%d: %w", ErrAllocation, d.format, d.width, d.height, err)
	}

	bpp := d.format.BytesPerPixel()
	if img == nil || img.Width != d.width || img.Height != d.height ||
		img.Format != d.format || img.Stride != d.width*bpp ||
		len(img.Pix) != d.height*img.Stride {
		return fmt.Errorf("%w: sink returned unusable %s %dx%d image", ErrAllocation, d.format, d.width, d.height)
	}
	d.img = img

	return nil
}

// normalizeRow expands one reconstructed raw row to 8 bits per sample.
// 16-bit samples keep their high byte; sub-byte grays are scaled to the
// full range; sub-byte palette indices are unpacked as-is.
func (d *decoder) normalizeRow(raw []byte, nsamples int) []byte {
	if d.bitDepth == 8 {
		return raw[:nsamples]
	}

	if cap(d.sampleBuf) < nsamples {
		d.sampleBuf = make([]byte, nsamples)
	}
	out := d.sampleBuf[:nsamples]

	if d.bitDepth == 16 {
		for i := 0; i < nsamples; i++ {
			out[i] = raw[i*2]
		}

		return out
	}

	var scale byte = 1
	if d.colorType == ctGray {
		switch d.bitDepth {
		case 1:
			scale = 255
		case 2:
			scale = 85
		case 4:
			scale = 17
		}
	}

	perByte := 8 / d.bitDepth
	mask := byte(1<<d.bitDepth - 1)
	for i := 0; i < nsamples; i++ {
		b := raw[i/perByte]
		shift := uint(8 - d.bitDepth*(i%perByte+1))
		out[i] = ((b >> shift) & mask) * scale
	}

	return out
}

// readRows inflates the pixel data and walks every pass and row, converting
// into the canonical image as it goes. Progress is reported and the stop
// flag polled once per image row per pass. A requested stop returns nil
// with d.stopped set; the image contents past that point are undefined.
func (d *decoder) readRows(idat [][]byte) error {
	readers := make([]io.Reader, len(idat))
	for i, part := range idat {
		readers[i] = bytes.NewReader(part)
	}
	zr, err := zlib.NewReader(io.MultiReader(readers...))
	if err != nil {
		return fmt.Errorf("%w: compressed stream: %w", ErrHeader, err)
	}
	defer zr.Close()

	channels := d.colorType.channels()
	bpp := d.format.BytesPerPixel()
	unpack, err := unpackerFor(d.colorType, &d.palAlphas, d.maskIndex)
	if err != nil {
		return err
	}

	filterBPP := channels * d.bitDepth / 8
	if filterBPP < 1 {
		filterBPP = 1
	}

	maxRaw := (d.width*channels*d.bitDepth + 7) / 8
	cur := make([]byte, maxRaw)
	prev := make([]byte, maxRaw)
	lineBuf := make([]byte, d.width*bpp)
	var ftbuf [1]byte

	passes := passSchedule(d.interlaced)
	nPasses := float64(len(passes))

	for p, pass := range passes {
		pw, ph := pass.size(d.width, d.height)
		rowBytes := (pw*channels*d.bitDepth + 7) / 8
		for i := range prev[:rowBytes] {
			prev[i] = 0
		}

		for y := 0; y < d.height; y++ {
			if pw > 0 && ph > 0 && pass.coversRow(y) {
				if _, err := io.ReadFull(zr, ftbuf[:]); err != nil {
					return fmt.Errorf("%w: pass %d row %d: %w", ErrHeader, p, y, err)
				}
				raw := cur[:rowBytes]
				if _, err := io.ReadFull(zr, raw); err != nil {
					return fmt.Errorf("%w: pass %d row %d: %w", ErrHeader, p, y, err)
				}
				if err := unfilterRow(ftbuf[0], raw, prev[:rowBytes], filterBPP); err != nil {
					return err
				}

				samples := d.normalizeRow(raw, pw*channels)
				if pass.xStep == 1 {
					unpack(d.img.Row(y), samples, pw)
				} else {
					unpack(lineBuf, samples, pw)
					dst := d.img.Row(y)
					for x := 0; x < pw; x++ {
						di := (pass.xOff + x*pass.xStep) * bpp
						copy(dst[di:di+bpp], lineBuf[x*bpp:(x+1)*bpp])
					}
				}

				cur, prev = prev, cur
			}

			d.sink.Progress((float64(p) + float64(y+1)/float64(d.height)) / nPasses)
			if d.sink.ShouldStop() {
				d.stopped = true

				return nil
			}
		}
	}

	// The stream must be exhausted once every pass row is in.
	var tmp [1]byte
	if n, _ := zr.Read(tmp[:]); n > 0 {
		return fmt.Errorf("%w: trailing compressed data", ErrHeader)
	}

	return nil
}

// finish skips trailing ancillary chunks and requires a terminating IEND.
func (d *decoder) finish() error {
	for {
		typ, _, err := d.readChunk()
		if err != nil {
			return err
		}

		switch typ {
		case chunkIEND:
			return nil
		case chunkIDAT, chunkIHDR, chunkPLTE:
			return fmt.Errorf("%w: misplaced chunk %s", ErrHeader, typ)
		}
	}
}

// decode runs the full pipeline: signature, header, metadata chunks, image
// allocation, row conversion, trailer.
func (d *decoder) decode() (*DecodeResult, error) {
	if err := d.checkSignature(); err != nil {
		return nil, err
	}

	typ, data, err := d.readChunk()
	if err != nil {
		return nil, err
	}
	if typ != chunkIHDR {
		return nil, fmt.Errorf("%w: first chunk is %s, want IHDR", ErrHeader, typ)
	}
	if err := d.parseIHDR(data); err != nil {
		return nil, err
	}

	if err := d.allocImage(); err != nil {
		return nil, err
	}

	var idat [][]byte
	for idat == nil {
		typ, data, err := d.readChunk()
		if err != nil {
			return nil, err
		}

		switch typ {
		case chunkPLTE:
			if err := d.parsePLTE(data); err != nil {
				return nil, err
			}
		case chunkTRNS:
			d.parseTRNS(data)
		case chunkIDAT:
			idat, err = d.collectIDAT(data)
			if err != nil {
				return nil, err
			}
		case chunkIEND:
			return nil, fmt.Errorf("%w: missing image data", ErrHeader)
		}
	}

	if d.colorType == ctPalette && !d.paletteSeen {
		return nil, fmt.Errorf("%w: missing palette", ErrHeader)
	}

	if err := d.readRows(idat); err != nil {
		return nil, err
	}

	if !d.stopped {
		if err := d.finish(); err != nil {
			return nil, err
		}
	}

	return &DecodeResult{
		Image:        d.img,
		Transparency: Transparency{HasAlpha: d.hasAlpha, MaskIndex: d.maskIndex},
		Stopped:      d.stopped,
	}, nil
}
