package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeFrame renders an RGBA image to PNG bytes.
func encodeFrame(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// blankFrame returns a black frame large enough for the default grid.
func blankFrame(t *testing.T) []byte {
	return encodeFrame(t, image.NewRGBA(image.Rect(0, 0, 600, 700)))
}

// paintCell fills one default-grid cell with a base color plus enough color
// noise inside the sampled center region to pass the low-variance reject.
func paintCell(img *image.RGBA, cfg GridConfig, row, col int, base color.RGBA) {
	x0 := cfg.OriginX + col*(cfg.CellWidth+cfg.Spacing)
	y0 := cfg.OriginY + row*(cfg.CellHeight+cfg.Spacing)

	for y := y0; y < y0+cfg.CellHeight; y++ {
		for x := x0; x < x0+cfg.CellWidth; x++ {
			img.SetRGBA(x, y, base)
		}
	}
	// 12 distinct colors inside the center crop
	for i := 0; i < 12; i++ {
		img.SetRGBA(x0+18+i, y0+16, color.RGBA{uint8(i * 20), 255, 0, 255})
	}
}

func TestAnalyzeGridAlwaysReturnsFullGrid(t *testing.T) {
	v := &VisionAnalyzer{}
	cfg := DefaultConfig().Bot.Grid

	for _, frame := range [][]byte{nil, []byte("definitely not a png"), blankFrame(t)} {
		analysis := v.AnalyzeGrid(frame, cfg)
		assert.Len(t, analysis.Cells, cfg.Rows*cfg.Cols)
		assert.Equal(t, cfg.Rows, analysis.Rows)
		assert.Equal(t, cfg.Cols, analysis.Cols)
		assert.Equal(t, analysis.Rows*analysis.Cols, analysis.OccupiedCells+analysis.EmptyCells)
	}
}

func TestAnalyzeGridUndecodableFrameHasZeroConfidence(t *testing.T) {
	v := &VisionAnalyzer{}
	cfg := DefaultConfig().Bot.Grid

	analysis := v.AnalyzeGrid([]byte{0xde, 0xad}, cfg)
	assert.Zero(t, analysis.OccupiedCells)
	assert.Zero(t, analysis.Confidence)
	for _, cell := range analysis.Cells {
		assert.False(t, cell.Occupied)
		assert.Zero(t, cell.Confidence)
	}
}

func TestAnalyzeGridDarkCellsAreEmpty(t *testing.T) {
	v := &VisionAnalyzer{}
	cfg := DefaultConfig().Bot.Grid

	analysis := v.AnalyzeGrid(blankFrame(t), cfg)
	assert.Zero(t, analysis.OccupiedCells)
	for _, cell := range analysis.Cells {
		assert.False(t, cell.Occupied)
		assert.InDelta(t, 0.1, cell.Confidence, 1e-9)
	}
}

func TestAnalyzeGridIdentifiesUnitByColor(t *testing.T) {
	v := &VisionAnalyzer{}
	v.SetReferences([]UnitSignature{
		{Label: "archer", Color: [3]int{200, 40, 40}},
		{Label: "poison", Color: [3]int{40, 200, 40}},
	})

	cfg := DefaultConfig().Bot.Grid
	img := image.NewRGBA(image.Rect(0, 0, 600, 700))
	paintCell(img, cfg, 1, 2, color.RGBA{200, 40, 40, 255})
	paintCell(img, cfg, 3, 0, color.RGBA{40, 200, 40, 255})

	analysis := v.AnalyzeGrid(encodeFrame(t, img), cfg)
	assert.Equal(t, 2, analysis.OccupiedCells)
	assert.Equal(t, 1, analysis.DetectedUnits["archer"])
	assert.Equal(t, 1, analysis.DetectedUnits["poison"])

	archer := analysis.Cells[1*cfg.Cols+2]
	assert.True(t, archer.Occupied)
	assert.Equal(t, "archer", archer.UnitLabel)
	assert.Greater(t, archer.Confidence, 0.5)
	assert.Zero(t, archer.Rank, "no classifier loaded")

	poison := analysis.Cells[3*cfg.Cols+0]
	assert.Equal(t, "poison", poison.UnitLabel)
}

func TestAnalyzeGridLowVarianceCellIsUnknown(t *testing.T) {
	v := &VisionAnalyzer{}
	v.SetReferences([]UnitSignature{{Label: "archer", Color: [3]int{200, 40, 40}}})

	cfg := DefaultConfig().Bot.Grid
	img := image.NewRGBA(image.Rect(0, 0, 600, 700))
	// bright but uniform: passes the brightness window, fails the variance
	// gate, and no template set is loaded
	x0, y0 := cfg.OriginX, cfg.OriginY
	for y := y0; y < y0+cfg.CellHeight; y++ {
		for x := x0; x < x0+cfg.CellWidth; x++ {
			img.SetRGBA(x, y, color.RGBA{128, 128, 128, 255})
		}
	}

	analysis := v.AnalyzeGrid(encodeFrame(t, img), cfg)
	cell := analysis.Cells[0]
	assert.True(t, cell.Occupied)
	assert.Equal(t, "unknown", cell.UnitLabel)
	assert.InDelta(t, 0.5, cell.Confidence, 1e-9)
}

func TestAnalyzeGridIsDeterministic(t *testing.T) {
	v := &VisionAnalyzer{}
	v.SetReferences([]UnitSignature{{Label: "archer", Color: [3]int{200, 40, 40}}})

	cfg := DefaultConfig().Bot.Grid
	img := image.NewRGBA(image.Rect(0, 0, 600, 700))
	paintCell(img, cfg, 0, 0, color.RGBA{200, 40, 40, 255})
	frame := encodeFrame(t, img)

	first := v.AnalyzeGrid(frame, cfg)
	second := v.AnalyzeGrid(frame, cfg)
	assert.Equal(t, first.Cells, second.Cells)
}

func TestAnalyzeManaFraction(t *testing.T) {
	v := &VisionAnalyzer{}
	cfg := DefaultConfig().Bot.Mana

	img := image.NewRGBA(image.Rect(0, 0, 600, 700))
	// left 40% of the mana bar in saturated blue, hue 120 in the 0-179 scale
	for y := cfg.Y; y < cfg.Y+cfg.Height; y++ {
		for x := cfg.X; x < cfg.X+cfg.Width*4/10; x++ {
			img.SetRGBA(x, y, color.RGBA{0, 0, 255, 255})
		}
	}

	reading := v.AnalyzeMana(encodeFrame(t, img), cfg)
	assert.Equal(t, 10, reading.Max)
	assert.Equal(t, 4, reading.Current)
	assert.InDelta(t, 40, reading.Percentage, 1)
	assert.InDelta(t, 0.8, reading.Confidence, 0.05)
}

func TestAnalyzeManaEmptyBar(t *testing.T) {
	v := &VisionAnalyzer{}
	cfg := DefaultConfig().Bot.Mana

	reading := v.AnalyzeMana(blankFrame(t), cfg)
	assert.Zero(t, reading.Current)
	assert.Zero(t, reading.Percentage)
	assert.Zero(t, reading.Confidence)
}

func TestAnalyzeManaOutOfBoundsRegion(t *testing.T) {
	v := &VisionAnalyzer{}
	cfg := DefaultConfig().Bot.Mana
	cfg.X = 10000

	reading := v.AnalyzeMana(blankFrame(t), cfg)
	assert.Zero(t, reading.Current)
	assert.Equal(t, cfg.MaxMana, reading.Max)
}

func TestVisionStatsCountAnalyses(t *testing.T) {
	v := &VisionAnalyzer{}
	cfg := DefaultConfig().Bot

	frame := blankFrame(t)
	v.AnalyzeGrid(frame, cfg.Grid)
	v.AnalyzeGrid(frame, cfg.Grid)
	v.AnalyzeMana(frame, cfg.Mana)

	stats := v.Stats()
	assert.Equal(t, 2, stats.GridAnalyses)
	assert.Equal(t, 1, stats.ManaAnalyses)
	assert.Equal(t, 3, stats.TotalAnalyses)
	assert.Greater(t, int64(stats.AverageLatency), int64(0))
}

func gridOf(rows, cols int, cells []GridCell) GridAnalysis {
	return GridAnalysis{Rows: rows, Cols: cols, Cells: cells}
}

func TestMergeablePairsAdjacentSameUnit(t *testing.T) {
	cells := []GridCell{
		{Row: 0, Col: 0, Occupied: true, UnitLabel: "archer", Confidence: 0.9},
		{Row: 0, Col: 1, Occupied: true, UnitLabel: "archer", Confidence: 0.9},
		{Row: 1, Col: 0, Occupied: false},
		{Row: 1, Col: 1, Occupied: true, UnitLabel: "poison", Confidence: 0.9},
	}

	pairs := MergeablePairs(gridOf(2, 2, cells), 0.5)
	require.Len(t, pairs, 1)
	assert.Equal(t, 0, pairs[0].From.Col)
	assert.Equal(t, 1, pairs[0].To.Col)
}

func TestMergeablePairsSkipsUnknownAndDiagonal(t *testing.T) {
	cells := []GridCell{
		{Row: 0, Col: 0, Occupied: true, UnitLabel: "unknown", Confidence: 0.9},
		{Row: 0, Col: 1, Occupied: true, UnitLabel: "unknown", Confidence: 0.9},
		{Row: 1, Col: 0, Occupied: true, UnitLabel: "archer", Confidence: 0.9},
		{Row: 1, Col: 1, Occupied: false},
	}
	assert.Empty(t, MergeablePairs(gridOf(2, 2, cells), 0.5))

	// same unit on a diagonal only
	cells = []GridCell{
		{Row: 0, Col: 0, Occupied: true, UnitLabel: "archer", Confidence: 0.9},
		{Row: 0, Col: 1, Occupied: false},
		{Row: 1, Col: 0, Occupied: false},
		{Row: 1, Col: 1, Occupied: true, UnitLabel: "archer", Confidence: 0.9},
	}
	assert.Empty(t, MergeablePairs(gridOf(2, 2, cells), 0.5))
}

func TestMergeablePairsRespectsRankAndConfidence(t *testing.T) {
	mismatchedRanks := []GridCell{
		{Row: 0, Col: 0, Occupied: true, UnitLabel: "archer", Confidence: 0.9, Rank: 1},
		{Row: 0, Col: 1, Occupied: true, UnitLabel: "archer", Confidence: 0.9, Rank: 2},
	}
	assert.Empty(t, MergeablePairs(gridOf(1, 2, mismatchedRanks), 0.5))

	oneRankUnknown := []GridCell{
		{Row: 0, Col: 0, Occupied: true, UnitLabel: "archer", Confidence: 0.9, Rank: 2},
		{Row: 0, Col: 1, Occupied: true, UnitLabel: "archer", Confidence: 0.9, Rank: 0},
	}
	assert.Len(t, MergeablePairs(gridOf(1, 2, oneRankUnknown), 0.5), 1)

	weak := []GridCell{
		{Row: 0, Col: 0, Occupied: true, UnitLabel: "archer", Confidence: 0.3},
		{Row: 0, Col: 1, Occupied: true, UnitLabel: "archer", Confidence: 0.9},
	}
	assert.Empty(t, MergeablePairs(gridOf(1, 2, weak), 0.5))
}

func TestGridCellCenter(t *testing.T) {
	cell := GridCell{X: 100, Y: 200, Width: 80, Height: 80}
	x, y := cell.Center()
	assert.Equal(t, 140, x)
	assert.Equal(t, 240, y)
}
