package pngx

// interlacePass describes one progressive scan: the origin of its first
// pixel and the step between selected pixels, both in image coordinates.
type interlacePass struct {
	xOff, yOff   int
	xStep, yStep int
}

// adam7 is the standard 7-pass progressive schedule.
var adam7 = [7]interlacePass{
	{0, 0, 8, 8},
	{4, 0, 8, 8},
	{0, 4, 4, 8},
	{2, 0, 4, 4},
	{0, 2, 2, 4},
	{1, 0, 2, 2},
	{0, 1, 1, 2},
}

// fullPass covers every pixel in one scan; non-interlaced streams use it as
// their only pass.
var fullPass = interlacePass{0, 0, 1, 1}

// passSchedule returns the scan list for the interlace flag: 7 passes for
// progressive streams, 1 otherwise.
func passSchedule(interlaced bool) []interlacePass {
	if interlaced {
		return adam7[:]
	}

	return []interlacePass{fullPass}
}

// size returns the pass sub-image dimensions for a full image of w by h.
// Either can be zero, in which case the pass contributes no data.
func (p interlacePass) size(w, h int) (pw, ph int) {
	if w > p.xOff {
		pw = (w - p.xOff + p.xStep - 1) / p.xStep
	}
	if h > p.yOff {
		ph = (h - p.yOff + p.yStep - 1) / p.yStep
	}

	return pw, ph
}

// coversRow reports whether image row y carries pixels of this pass.
func (p interlacePass) coversRow(y int) bool {
	return y >= p.yOff && (y-p.yOff)%p.yStep == 0
}
