package pngx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/klauspost/compress/zlib"
)

// makeChunk assembles one chunk with a valid CRC.
func makeChunk(t testing.TB, typ string, data []byte) []byte {
	t.Helper()

	var b bytes.Buffer
	if err := writeChunk(&b, typ, data); err != nil {
		t.Fatalf("writeChunk(%s): %v", typ, err)
	}

	return b.Bytes()
}

// buildPNG concatenates the signature and the given chunks.
func buildPNG(chunks ...[]byte) []byte {
	out := append([]byte{}, pngSignature...)
	for _, c := range chunks {
		out = append(out, c...)
	}

	return out
}

// ihdrPayload builds a 13-byte IHDR payload.
func ihdrPayload(w, h int, depth byte, ct colorType, interlace byte) []byte {
	data := make([]byte, 13)
	binary.BigEndian.PutUint32(data[0:4], uint32(w))
	binary.BigEndian.PutUint32(data[4:8], uint32(h))
	data[8] = depth
	data[9] = byte(ct)
	data[12] = interlace

	return data
}

// deflate compresses filtered row data the way IDAT carries it.
func deflate(t testing.TB, raw []byte) []byte {
	t.Helper()

	var b bytes.Buffer
	zw := zlib.NewWriter(&b)
	if _, err := zw.Write(raw); err != nil {
		t.Fatalf("deflate: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("deflate close: %v", err)
	}

	return b.Bytes()
}

// testSink records everything a decode pushes through it.
type testSink struct {
	img       *Image
	pal       Palette
	palCalls  int
	transIdx  int
	progress  []float64
	errs      []error
	stopAfter int // Stop once this many progress reports were seen; 0 = never.
}

func newTestSink() *testSink {
	return &testSink{transIdx: -1}
}

func (s *testSink) AllocImage(format PixelFormat, width, height int) (*Image, error) {
	s.img = NewImage(format, width, height)

	return s.img, nil
}

func (s *testSink) SetPaletteEntry(index int, r, g, b uint8) {
	s.palCalls++
	s.pal.Set(index, r, g, b)
}

func (s *testSink) SetTransparentIndex(index int) { s.transIdx = index }

func (s *testSink) Progress(fraction float64) { s.progress = append(s.progress, fraction) }

func (s *testSink) ShouldStop() bool {
	return s.stopAfter > 0 && len(s.progress) >= s.stopAfter
}

func (s *testSink) ReportError(err error) { s.errs = append(s.errs, err) }

func TestDecodeTrueColorAlpha(t *testing.T) {
	// 2x2 with one pixel each of full, half, zero and low alpha.
	want := []byte{
		255, 0, 0, 255, 0, 255, 0, 128,
		0, 0, 255, 0, 255, 255, 0, 64,
	}

	src := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	copy(src.Pix, want)

	var b bytes.Buffer
	if err := png.Encode(&b, src); err != nil {
		t.Fatalf("stdlib encode: %v", err)
	}

	sink := newTestSink()
	res, err := DecodeWith(&b, sink)
	if err != nil {
		t.Fatalf("DecodeWith: %v", err)
	}
	if res.Stopped {
		t.Fatal("unexpected stop")
	}
	if res.Image.Format != RGB {
		t.Fatalf("format = %v, want RGB", res.Image.Format)
	}
	if !res.Transparency.HasAlpha {
		t.Error("HasAlpha = false, want true")
	}
	if !bytes.Equal(res.Image.Pix, want) {
		t.Errorf("pixels = %v, want %v", res.Image.Pix, want)
	}
}

func TestDecodeGray(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 3, 2))
	copy(src.Pix, []byte{0, 50, 100, 150, 200, 255})

	var b bytes.Buffer
	if err := png.Encode(&b, src); err != nil {
		t.Fatalf("stdlib encode: %v", err)
	}

	sink := newTestSink()
	res, err := DecodeWith(&b, sink)
	if err != nil {
		t.Fatalf("DecodeWith: %v", err)
	}
	if res.Image.Format != Grayscale {
		t.Fatalf("format = %v, want Grayscale", res.Image.Format)
	}
	if res.Transparency.HasAlpha {
		t.Error("HasAlpha = true, want false")
	}

	want := []byte{0, 255, 50, 255, 100, 255, 150, 255, 200, 255, 255, 255}
	if !bytes.Equal(res.Image.Pix, want) {
		t.Errorf("pixels = %v, want %v", res.Image.Pix, want)
	}
}

func TestDecodeGray16StripsToHighByte(t *testing.T) {
	src := image.NewGray16(image.Rect(0, 0, 2, 1))
	src.SetGray16(0, 0, color.Gray16{Y: 0xAB12})
	src.SetGray16(1, 0, color.Gray16{Y: 0x0034})

	var b bytes.Buffer
	if err := png.Encode(&b, src); err != nil {
		t.Fatalf("stdlib encode: %v", err)
	}

	res, err := DecodeWith(&b, newTestSink())
	if err != nil {
		t.Fatalf("DecodeWith: %v", err)
	}

	want := []byte{0xAB, 255, 0x00, 255}
	if !bytes.Equal(res.Image.Pix, want) {
		t.Errorf("pixels = %v, want %v", res.Image.Pix, want)
	}
}

func TestDecodeFilters(t *testing.T) {
	// 2x4 grayscale, one row per filter type beyond None. Reconstructed
	// values chosen so every filter actually changes something.
	raw := []byte{
		ftNone, 10, 20,
		ftSub, 5, 5, // 5, 10
		ftUp, 1, 2, // 6, 12
		ftPaeth, 250, 244, // predictors 6 and 6: 0 and 250 (mod 256)
	}

	data := buildPNG(
		makeChunk(t, chunkIHDR, ihdrPayload(2, 4, 8, ctGray, 0)),
		makeChunk(t, chunkIDAT, deflate(t, raw)),
		makeChunk(t, chunkIEND, nil),
	)

	res, err := DecodeWith(bytes.NewReader(data), newTestSink())
	if err != nil {
		t.Fatalf("DecodeWith: %v", err)
	}

	want := []byte{
		10, 255, 20, 255,
		5, 255, 10, 255,
		6, 255, 12, 255,
		0, 255, 250, 255,
	}
	if !bytes.Equal(res.Image.Pix, want) {
		t.Errorf("pixels = %v, want %v", res.Image.Pix, want)
	}
}

func TestDecodeIndexedMaskSelection(t *testing.T) {
	// Transparent entries at indices 2, 5 and 9: the first in ascending
	// order becomes the mask, and every transparent index is rewritten to
	// it at row conversion time.
	plte := make([]byte, 10*3)
	for i := 0; i < 10; i++ {
		plte[i*3] = byte(i * 20)
	}
	trns := []byte{255, 255, 0, 255, 255, 100, 255, 255, 255, 20}
	rows := []byte{ftNone, 0, 2, 5, 9}

	data := buildPNG(
		makeChunk(t, chunkIHDR, ihdrPayload(4, 1, 8, ctPalette, 0)),
		makeChunk(t, chunkPLTE, plte),
		makeChunk(t, chunkTRNS, trns),
		makeChunk(t, chunkIDAT, deflate(t, rows)),
		makeChunk(t, chunkIEND, nil),
	)

	sink := newTestSink()
	res, err := DecodeWith(bytes.NewReader(data), sink)
	if err != nil {
		t.Fatalf("DecodeWith: %v", err)
	}

	if res.Transparency.MaskIndex != 2 {
		t.Errorf("MaskIndex = %d, want 2", res.Transparency.MaskIndex)
	}
	if !res.Transparency.HasAlpha {
		t.Error("HasAlpha = false, want true")
	}
	if sink.transIdx != 2 {
		t.Errorf("SetTransparentIndex got %d, want 2", sink.transIdx)
	}

	want := []byte{0, 2, 2, 2}
	if !bytes.Equal(res.Image.Pix, want) {
		t.Errorf("pixels = %v, want %v", res.Image.Pix, want)
	}
}

func TestDecodeIndexedOpaque(t *testing.T) {
	plte := []byte{10, 20, 30, 40, 50, 60}
	rows := []byte{ftNone, 0, 1}

	data := buildPNG(
		makeChunk(t, chunkIHDR, ihdrPayload(2, 1, 8, ctPalette, 0)),
		makeChunk(t, chunkPLTE, plte),
		makeChunk(t, chunkIDAT, deflate(t, rows)),
		makeChunk(t, chunkIEND, nil),
	)

	sink := newTestSink()
	res, err := DecodeWith(bytes.NewReader(data), sink)
	if err != nil {
		t.Fatalf("DecodeWith: %v", err)
	}

	if res.Transparency.HasAlpha || res.Transparency.MaskIndex != -1 {
		t.Errorf("transparency = %+v, want none", res.Transparency)
	}
	if sink.transIdx != -1 {
		t.Errorf("SetTransparentIndex got %d, want no call", sink.transIdx)
	}

	// The palette is always pushed as 256 entries, zero-padded to black.
	if sink.palCalls != PaletteSize {
		t.Errorf("palette calls = %d, want %d", sink.palCalls, PaletteSize)
	}
	if r, g, b := sink.pal.At(1); r != 40 || g != 50 || b != 60 {
		t.Errorf("palette[1] = %d,%d,%d, want 40,50,60", r, g, b)
	}
	if r, g, b := sink.pal.At(200); r != 0 || g != 0 || b != 0 {
		t.Errorf("palette[200] = %d,%d,%d, want black", r, g, b)
	}
}

func TestDecodeSubByteGray(t *testing.T) {
	// 8x1 at 1 bit per pixel: 0b10110010, expanded to full range.
	rows := []byte{ftNone, 0xB2}

	data := buildPNG(
		makeChunk(t, chunkIHDR, ihdrPayload(8, 1, 1, ctGray, 0)),
		makeChunk(t, chunkIDAT, deflate(t, rows)),
		makeChunk(t, chunkIEND, nil),
	)

	res, err := DecodeWith(bytes.NewReader(data), newTestSink())
	if err != nil {
		t.Fatalf("DecodeWith: %v", err)
	}

	want := []byte{
		255, 255, 0, 255, 255, 255, 255, 255,
		0, 255, 0, 255, 255, 255, 0, 255,
	}
	if !bytes.Equal(res.Image.Pix, want) {
		t.Errorf("pixels = %v, want %v", res.Image.Pix, want)
	}
}

func TestDecodeSubBytePalette(t *testing.T) {
	// 4x1 at 4 bits per pixel: indices 1,2,3,0. Indices are unpacked
	// without scaling.
	plte := []byte{0, 0, 0, 1, 1, 1, 2, 2, 2, 3, 3, 3}
	rows := []byte{ftNone, 0x12, 0x30}

	data := buildPNG(
		makeChunk(t, chunkIHDR, ihdrPayload(4, 1, 4, ctPalette, 0)),
		makeChunk(t, chunkPLTE, plte),
		makeChunk(t, chunkIDAT, deflate(t, rows)),
		makeChunk(t, chunkIEND, nil),
	)

	res, err := DecodeWith(bytes.NewReader(data), newTestSink())
	if err != nil {
		t.Fatalf("DecodeWith: %v", err)
	}

	want := []byte{1, 2, 3, 0}
	if !bytes.Equal(res.Image.Pix, want) {
		t.Errorf("pixels = %v, want %v", res.Image.Pix, want)
	}
}

func TestDecodeInterlacedGray(t *testing.T) {
	// 2x2 Adam7: pass 1 carries (0,0), pass 6 carries (1,0), pass 7
	// carries row 1. Other passes are empty at this size.
	raw := []byte{
		ftNone, 11,
		ftNone, 22,
		ftNone, 33, 44,
	}

	data := buildPNG(
		makeChunk(t, chunkIHDR, ihdrPayload(2, 2, 8, ctGray, 1)),
		makeChunk(t, chunkIDAT, deflate(t, raw)),
		makeChunk(t, chunkIEND, nil),
	)

	sink := newTestSink()
	res, err := DecodeWith(bytes.NewReader(data), sink)
	if err != nil {
		t.Fatalf("DecodeWith: %v", err)
	}

	want := []byte{11, 255, 22, 255, 33, 255, 44, 255}
	if !bytes.Equal(res.Image.Pix, want) {
		t.Errorf("pixels = %v, want %v", res.Image.Pix, want)
	}

	// 7 passes times 2 image rows, ending exactly at 1.
	if len(sink.progress) != 14 {
		t.Errorf("progress reports = %d, want 14", len(sink.progress))
	}
	if last := sink.progress[len(sink.progress)-1]; last != 1.0 {
		t.Errorf("final progress = %v, want 1.0", last)
	}
}

func TestDecodeInterlacedMatchesStdlib(t *testing.T) {
	// An interlaced stream hand-assembled from pass sub-images must agree
	// with the stdlib decoder on the same bytes.
	const w, h = 5, 3
	pix := make([]byte, w*h)
	for i := range pix {
		pix[i] = byte(i * 13)
	}

	var raw []byte
	for _, pass := range adam7 {
		pw, ph := pass.size(w, h)
		if pw == 0 || ph == 0 {
			continue
		}
		for sy := 0; sy < ph; sy++ {
			raw = append(raw, ftNone)
			y := pass.yOff + sy*pass.yStep
			for sx := 0; sx < pw; sx++ {
				x := pass.xOff + sx*pass.xStep
				raw = append(raw, pix[y*w+x])
			}
		}
	}

	data := buildPNG(
		makeChunk(t, chunkIHDR, ihdrPayload(w, h, 8, ctGray, 1)),
		makeChunk(t, chunkIDAT, deflate(t, raw)),
		makeChunk(t, chunkIEND, nil),
	)

	ref, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("stdlib decode: %v", err)
	}

	res, err := DecodeWith(bytes.NewReader(data), newTestSink())
	if err != nil {
		t.Fatalf("DecodeWith: %v", err)
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			want := color.GrayModel.Convert(ref.At(x, y)).(color.Gray).Y
			got := res.Image.Row(y)[x*2]
			if got != want {
				t.Errorf("pixel (%d,%d) = %d, want %d", x, y, got, want)
			}
		}
	}
}

func TestDecodeProgress(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 6))
	var b bytes.Buffer
	if err := png.Encode(&b, src); err != nil {
		t.Fatalf("stdlib encode: %v", err)
	}

	sink := newTestSink()
	if _, err := DecodeWith(&b, sink); err != nil {
		t.Fatalf("DecodeWith: %v", err)
	}

	if len(sink.progress) == 0 {
		t.Fatal("no progress reported")
	}
	for i := 1; i < len(sink.progress); i++ {
		if sink.progress[i] < sink.progress[i-1] {
			t.Fatalf("progress not monotonic at %d: %v < %v", i, sink.progress[i], sink.progress[i-1])
		}
	}
	if last := sink.progress[len(sink.progress)-1]; last != 1.0 {
		t.Errorf("final progress = %v, want 1.0", last)
	}
}

func TestDecodeCooperativeStop(t *testing.T) {
	img := NewImage(Grayscale, 1, 10)
	var b bytes.Buffer
	if err := EncodeWith(&b, img, nil, NoTransparency, false, true, nopSink{}); err != nil {
		t.Fatalf("EncodeWith: %v", err)
	}

	sink := newTestSink()
	sink.stopAfter = 1
	res, err := DecodeWith(&b, sink)
	if err != nil {
		t.Fatalf("DecodeWith: %v", err)
	}

	if !res.Stopped {
		t.Error("Stopped = false, want true")
	}
	if res.Image == nil {
		t.Error("stopped decode should still return the partial image")
	}
	if len(sink.progress) != 1 {
		t.Errorf("progress reports = %d, want 1", len(sink.progress))
	}
	if len(sink.errs) != 0 {
		t.Errorf("stop reported errors: %v", sink.errs)
	}
}

func TestDecodeErrors(t *testing.T) {
	valid := buildPNG(
		makeChunk(t, chunkIHDR, ihdrPayload(2, 1, 8, ctGray, 0)),
		makeChunk(t, chunkIDAT, deflate(t, []byte{ftNone, 1, 2})),
		makeChunk(t, chunkIEND, nil),
	)

	badCRC := append([]byte{}, valid...)
	badCRC[len(pngSignature)+8+13+2] ^= 0xFF // Flip a byte inside the IHDR CRC.

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrNotPNG},
		{"bad signature", []byte("GIF89a__________"), ErrNotPNG},
		{"truncated after signature", pngSignature, ErrHeader},
		{"crc mismatch", badCRC, ErrHeader},
		{
			"unknown color type",
			buildPNG(makeChunk(t, chunkIHDR, ihdrPayload(2, 2, 8, colorType(5), 0))),
			ErrUnsupportedColorModel,
		},
		{
			"zero width",
			buildPNG(makeChunk(t, chunkIHDR, ihdrPayload(0, 2, 8, ctGray, 0))),
			ErrHeader,
		},
		{
			"bad bit depth",
			buildPNG(makeChunk(t, chunkIHDR, ihdrPayload(2, 2, 3, ctGray, 0))),
			ErrHeader,
		},
		{
			"bad row filter",
			buildPNG(
				makeChunk(t, chunkIHDR, ihdrPayload(2, 1, 8, ctGray, 0)),
				makeChunk(t, chunkIDAT, deflate(t, []byte{9, 1, 2})),
				makeChunk(t, chunkIEND, nil),
			),
			ErrHeader,
		},
		{
			"missing palette",
			buildPNG(
				makeChunk(t, chunkIHDR, ihdrPayload(2, 1, 8, ctPalette, 0)),
				makeChunk(t, chunkIDAT, deflate(t, []byte{ftNone, 0, 0})),
				makeChunk(t, chunkIEND, nil),
			),
			ErrHeader,
		},
		{
			"missing image data",
			buildPNG(
				makeChunk(t, chunkIHDR, ihdrPayload(2, 1, 8, ctGray, 0)),
				makeChunk(t, chunkIEND, nil),
			),
			ErrHeader,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := newTestSink()
			res, err := DecodeWith(bytes.NewReader(tt.data), sink)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if res != nil {
				t.Error("hard error must not surface a partial result")
			}
			if len(sink.errs) != 1 {
				t.Errorf("ReportError calls = %d, want 1", len(sink.errs))
			}
		})
	}
}

func TestDecodeConfig(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 17, 9))
	var b bytes.Buffer
	if err := png.Encode(&b, src); err != nil {
		t.Fatalf("stdlib encode: %v", err)
	}

	cfg, err := DecodeConfig(&b)
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if cfg.Width != 17 || cfg.Height != 9 {
		t.Errorf("dimensions = %dx%d, want 17x9", cfg.Width, cfg.Height)
	}
}

func TestDecodeConfigPalette(t *testing.T) {
	plte := []byte{10, 20, 30, 40, 50, 60}
	trns := []byte{0}
	data := buildPNG(
		makeChunk(t, chunkIHDR, ihdrPayload(2, 2, 8, ctPalette, 0)),
		makeChunk(t, chunkPLTE, plte),
		makeChunk(t, chunkTRNS, trns),
		makeChunk(t, chunkIDAT, deflate(t, []byte{ftNone, 0, 1, ftNone, 1, 0})),
		makeChunk(t, chunkIEND, nil),
	)

	cfg, err := DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}

	cp, ok := cfg.ColorModel.(color.Palette)
	if !ok {
		t.Fatalf("color model = %T, want color.Palette", cfg.ColorModel)
	}
	if len(cp) != 2 {
		t.Fatalf("palette size = %d, want 2", len(cp))
	}
	if _, _, _, a := cp[0].RGBA(); a != 0 {
		t.Error("entry 0 should be fully transparent")
	}
}

func FuzzDecode(f *testing.F) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for i := range src.Pix {
		src.Pix[i] = byte(i * 7)
	}
	var b bytes.Buffer
	if err := png.Encode(&b, src); err != nil {
		f.Fatal(err)
	}
	f.Add(b.Bytes())

	f.Add(buildPNG(
		makeChunk(f, chunkIHDR, ihdrPayload(2, 2, 8, ctPalette, 0)),
		makeChunk(f, chunkPLTE, []byte{1, 2, 3}),
		makeChunk(f, chunkTRNS, []byte{0}),
		makeChunk(f, chunkIDAT, deflate(f, []byte{ftNone, 0, 0, ftNone, 0, 0})),
		makeChunk(f, chunkIEND, nil),
	))

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = DecodeWith(bytes.NewReader(data), newTestSink())
		_, _ = DecodeConfig(bytes.NewReader(data))
	})
}
