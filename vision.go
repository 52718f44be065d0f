// Package main - vision.go
//
// Perception pipeline: one screenshot in, structured game state out.
// Grid analysis slices the frame into fixed cells and identifies occupants by
// quantized-color signature with a template-match fallback; mana analysis
// thresholds a fixed region in HSV space. All analyses are pure functions of
// (image, config, reference tables); a frame that fails to decode yields an
// explicitly empty result instead of an error so the control loop never dies
// on a bad capture.
package main

import (
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"
)

// Color-matching constants. Pixel colors are quantized to buckets of
// colorBucket per channel; a reference match needs a squared distance of at
// most colorMatchLimit.
const (
	colorBucket     = 20
	colorMatchLimit = 2000
	topColorCount   = 5

	// brightness window outside which a cell is considered empty
	minCellBrightness = 30
	maxCellBrightness = 220

	// defaults for the template fallback
	defaultTemplateThreshold = 0.8

	// latency samples kept for the rolling average
	latencyWindow = 100
)

// UnitSignature is one entry of the immutable reference-color table.
type UnitSignature struct {
	Label string
	Color [3]int // RGB, quantized
}

// GridCell is the per-slot result of one grid analysis. Recomputed every
// frame, never mutated after creation.
type GridCell struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Row        int     `json:"row"`
	Col        int     `json:"col"`
	Occupied   bool    `json:"occupied"`
	UnitLabel  string  `json:"unitLabel,omitempty"`
	Confidence float64 `json:"confidence"`
	Rank       int     `json:"rank"`
	RankConf   float64 `json:"rankConfidence"`
}

// Center returns the tap point of the cell.
func (c GridCell) Center() (int, int) {
	return c.X + c.Width/2, c.Y + c.Height/2
}

// GridAnalysis is the result of one grid pass. Cells always holds exactly
// Rows*Cols entries in row-major order.
type GridAnalysis struct {
	Cells         []GridCell     `json:"cells"`
	Rows          int            `json:"rows"`
	Cols          int            `json:"cols"`
	OccupiedCells int            `json:"occupiedCells"`
	EmptyCells    int            `json:"emptyCells"`
	DetectedUnits map[string]int `json:"detectedUnits"`
	Confidence    float64        `json:"confidence"`
}

// ManaReading is the per-frame mana estimate.
type ManaReading struct {
	Current    int     `json:"current"`
	Max        int     `json:"max"`
	Percentage float64 `json:"percentage"`
	Confidence float64 `json:"confidence"`
}

// MergePair is a pair of adjacent cells eligible to combine.
type MergePair struct {
	From GridCell `json:"from"`
	To   GridCell `json:"to"`
}

// Template is one loaded fallback template.
type Template struct {
	Name      string
	Threshold float64
	mat       gocv.Mat
}

// VisionStats accumulates perception run statistics.
type VisionStats struct {
	TotalAnalyses   int           `json:"totalAnalyses"`
	GridAnalyses    int           `json:"gridAnalyses"`
	ManaAnalyses    int           `json:"manaAnalyses"`
	UnitMatches     int           `json:"unitMatches"`
	TemplateMatches int           `json:"templateMatches"`
	RankPredictions int           `json:"rankPredictions"`
	AverageLatency  time.Duration `json:"averageLatency"`
	ModelLoaded     bool          `json:"modelLoaded"`
	TemplatesLoaded int           `json:"templatesLoaded"`
	UnitsLoaded     int           `json:"unitsLoaded"`
}

// VisionAnalyzer holds the immutable reference tables plus run statistics.
type VisionAnalyzer struct {
	refs       []UnitSignature
	templates  []Template
	classifier *RankClassifier

	mu        sync.Mutex
	latencies []time.Duration
	stats     VisionStats
}

// NewVisionAnalyzer loads reference colors, templates, and the rank model.
// Each asset set fails soft: a missing directory or model only disables the
// corresponding path.
func NewVisionAnalyzer(cfg VisionConfig) *VisionAnalyzer {
	v := &VisionAnalyzer{}

	if cfg.UnitsDir != "" {
		refs, err := LoadUnitReferences(cfg.UnitsDir)
		if err != nil {
			log.Warn().Str("dir", cfg.UnitsDir).Err(err).Msg("unit references unavailable")
		}
		v.refs = refs
	}

	if cfg.TemplatesDir != "" {
		templates, err := LoadTemplates(cfg.TemplatesDir)
		if err != nil {
			log.Warn().Str("dir", cfg.TemplatesDir).Err(err).Msg("templates unavailable")
		}
		v.templates = templates
	}

	if cfg.ModelPath != "" {
		clf, err := LoadRankClassifier(cfg.ModelPath)
		if err != nil {
			log.Warn().Str("path", cfg.ModelPath).Err(err).Msg("rank classifier unavailable, ranks will read 0")
		}
		v.classifier = clf
	}

	v.stats.ModelLoaded = v.classifier != nil
	v.stats.TemplatesLoaded = len(v.templates)
	v.stats.UnitsLoaded = len(v.refs)

	log.Info().Int("units", len(v.refs)).Int("templates", len(v.templates)).
		Bool("model", v.classifier != nil).Msg("vision analyzer ready")
	return v
}

// SetReferences replaces the reference table. Intended for tests and tooling.
func (v *VisionAnalyzer) SetReferences(refs []UnitSignature) {
	v.refs = refs
	v.stats.UnitsLoaded = len(refs)
}

// SetClassifier replaces the rank classifier.
func (v *VisionAnalyzer) SetClassifier(c *RankClassifier) {
	v.classifier = c
	v.stats.ModelLoaded = c != nil
}

// Close releases template resources.
func (v *VisionAnalyzer) Close() {
	for i := range v.templates {
		v.templates[i].mat.Close()
	}
	v.templates = nil
}

// LoadUnitReferences builds the reference-color table from a directory of
// unit images, one PNG per unit, labelled by file name.
func LoadUnitReferences(dir string) ([]UnitSignature, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var refs []UnitSignature
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".png") {
			continue
		}
		mat := gocv.IMRead(filepath.Join(dir, entry.Name()), gocv.IMReadColor)
		if mat.Empty() {
			continue
		}
		colors := dominantColors(mat, false)
		mat.Close()
		if len(colors) == 0 {
			continue
		}
		refs = append(refs, UnitSignature{
			Label: strings.TrimSuffix(entry.Name(), ".png"),
			Color: colors[0],
		})
	}
	return refs, nil
}

// LoadTemplates loads the fallback template set from a directory of PNGs.
func LoadTemplates(dir string) ([]Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var templates []Template
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".png") {
			continue
		}
		mat := gocv.IMRead(filepath.Join(dir, entry.Name()), gocv.IMReadColor)
		if mat.Empty() {
			continue
		}
		templates = append(templates, Template{
			Name:      strings.TrimSuffix(entry.Name(), ".png"),
			Threshold: defaultTemplateThreshold,
			mat:       mat,
		})
	}
	return templates, nil
}

// decodeFrame decodes raw screenshot bytes into a BGR Mat. The returned Mat
// is empty when the bytes are corrupt or undecodable.
func decodeFrame(data []byte) gocv.Mat {
	if len(data) == 0 {
		return gocv.NewMat()
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.NewMat()
	}
	return mat
}

// AnalyzeGrid slices the frame into cfg.Rows*cfg.Cols cells and classifies
// each one. It always returns exactly Rows*Cols cells; a decode failure
// produces all-empty cells with zero confidence.
func (v *VisionAnalyzer) AnalyzeGrid(frame []byte, cfg GridConfig) GridAnalysis {
	start := time.Now()

	analysis := GridAnalysis{
		Rows:          cfg.Rows,
		Cols:          cfg.Cols,
		Cells:         make([]GridCell, 0, cfg.Rows*cfg.Cols),
		DetectedUnits: make(map[string]int),
	}

	mat := decodeFrame(frame)
	defer mat.Close()

	var confSum float64
	for row := 0; row < cfg.Rows; row++ {
		for col := 0; col < cfg.Cols; col++ {
			cell := GridCell{
				X:      cfg.OriginX + col*(cfg.CellWidth+cfg.Spacing),
				Y:      cfg.OriginY + row*(cfg.CellHeight+cfg.Spacing),
				Width:  cfg.CellWidth,
				Height: cfg.CellHeight,
				Row:    row,
				Col:    col,
			}

			rect := image.Rect(cell.X, cell.Y, cell.X+cell.Width, cell.Y+cell.Height)
			if !mat.Empty() && rect.In(image.Rect(0, 0, mat.Cols(), mat.Rows())) {
				region := mat.Region(rect)
				v.analyzeCell(region, &cell)
				region.Close()
			}

			confSum += cell.Confidence
			if cell.Occupied {
				analysis.OccupiedCells++
				if cell.UnitLabel != "" {
					analysis.DetectedUnits[cell.UnitLabel]++
				}
			}
			analysis.Cells = append(analysis.Cells, cell)
		}
	}

	analysis.EmptyCells = len(analysis.Cells) - analysis.OccupiedCells
	if len(analysis.Cells) > 0 {
		analysis.Confidence = confSum / float64(len(analysis.Cells))
	}

	v.mu.Lock()
	v.stats.GridAnalyses++
	v.stats.TotalAnalyses++
	v.recordLatencyLocked(time.Since(start))
	v.mu.Unlock()

	return analysis
}

// analyzeCell fills the occupancy fields of one cell.
//
// Order of resolution: brightness cheap-reject, reference-color match,
// template fallback, then the "something is there but unidentified" residual.
func (v *VisionAnalyzer) analyzeCell(region gocv.Mat, cell *GridCell) {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(region, &gray, gocv.ColorBGRToGray)

	brightness := gray.Mean().Val1
	if brightness < minCellBrightness || brightness > maxCellBrightness {
		cell.Occupied = false
		cell.Confidence = 0.1
		return
	}

	if len(v.refs) > 0 {
		if label, dist, ok := v.matchUnit(region); ok {
			cell.Occupied = true
			cell.UnitLabel = label
			cell.Confidence = colorConfidence(dist)
			cell.Rank, cell.RankConf = v.matchRank(region)

			v.mu.Lock()
			v.stats.UnitMatches++
			if cell.Rank > 0 {
				v.stats.RankPredictions++
			}
			v.mu.Unlock()
			return
		}
	}

	if label, score, ok := v.matchTemplate(region); ok {
		cell.Occupied = true
		cell.UnitLabel = label
		cell.Confidence = score

		v.mu.Lock()
		v.stats.TemplateMatches++
		v.mu.Unlock()
		return
	}

	cell.Occupied = true
	cell.UnitLabel = "unknown"
	cell.Confidence = 0.5
}

// colorConfidence maps a squared color distance to [0.1, 1].
func colorConfidence(dist int) float64 {
	conf := 1.0 - float64(dist)/float64(colorMatchLimit)
	if conf < 0.1 {
		return 0.1
	}
	return conf
}

// matchUnit runs nearest-color matching of the cell's dominant quantized
// colors against the reference table.
func (v *VisionAnalyzer) matchUnit(region gocv.Mat) (string, int, bool) {
	colors := dominantColors(region, true)

	for _, c := range colors {
		bestDist := colorMatchLimit + 1
		bestLabel := ""
		for _, ref := range v.refs {
			d := sqColorDist(c, ref.Color)
			if d < bestDist {
				bestDist = d
				bestLabel = ref.Label
			}
		}
		if bestDist <= colorMatchLimit {
			return bestLabel, bestDist, true
		}
	}
	return "", 0, false
}

func sqColorDist(a, b [3]int) int {
	dr := a[0] - b[0]
	dg := a[1] - b[1]
	db := a[2] - b[2]
	return dr*dr + dg*dg + db*db
}

// dominantColors returns up to the 5 most frequent quantized RGB colors of an
// image. With crop set, only the central portion of the cell is sampled so
// the slot frame does not dominate. An image with fewer than 10 distinct
// quantized colors is treated as signal-free.
func dominantColors(mat gocv.Mat, crop bool) [][3]int {
	img, err := mat.ToImage()
	if err != nil {
		return nil
	}

	bounds := img.Bounds()
	if crop {
		w := bounds.Dx()
		h := bounds.Dy()
		size := min3(90, h-30, w-34)
		if size > 0 {
			cropped := image.Rect(bounds.Min.X+17, bounds.Min.Y+15,
				bounds.Min.X+17+size, bounds.Min.Y+15+size)
			bounds = bounds.Intersect(cropped)
		}
	}

	counts := make(map[[3]int]int)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			q := [3]int{
				int(r>>8) / colorBucket * colorBucket,
				int(g>>8) / colorBucket * colorBucket,
				int(b>>8) / colorBucket * colorBucket,
			}
			counts[q]++
		}
	}

	if len(counts) < 10 {
		return nil
	}

	type colorCount struct {
		color [3]int
		n     int
	}
	ranked := make([]colorCount, 0, len(counts))
	for c, n := range counts {
		ranked = append(ranked, colorCount{c, n})
	}
	// count desc, then color for a deterministic order on ties
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].n != ranked[j].n {
			return ranked[i].n > ranked[j].n
		}
		return ranked[i].color[0]*65536+ranked[i].color[1]*256+ranked[i].color[2] <
			ranked[j].color[0]*65536+ranked[j].color[1]*256+ranked[j].color[2]
	})

	limit := topColorCount
	if len(ranked) < limit {
		limit = len(ranked)
	}
	out := make([][3]int, 0, limit)
	for _, cc := range ranked[:limit] {
		out = append(out, cc.color)
	}
	return out
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// matchTemplate runs normalized cross-correlation of every template against
// the cell and accepts the best score above its template's threshold. Slow
// path; only reached when no color signature resolves.
func (v *VisionAnalyzer) matchTemplate(region gocv.Mat) (string, float64, bool) {
	bestScore := 0.0
	bestName := ""

	for i := range v.templates {
		t := &v.templates[i]

		resized := gocv.NewMat()
		gocv.Resize(t.mat, &resized, image.Pt(region.Cols(), region.Rows()), 0, 0, gocv.InterpolationLinear)

		result := gocv.NewMat()
		mask := gocv.NewMat()
		gocv.MatchTemplate(region, resized, &result, gocv.TmCcoeffNormed, mask)
		_, maxVal, _, _ := gocv.MinMaxLoc(result)

		mask.Close()
		result.Close()
		resized.Close()

		score := float64(maxVal)
		if score > t.Threshold && score > bestScore {
			bestScore = score
			bestName = t.Name
		}
	}

	if bestName == "" {
		return "", 0, false
	}
	return bestName, bestScore, true
}

// matchRank classifies a cell's rank from its edge features. Without a loaded
// classifier the result is rank 0 with confidence 0.
func (v *VisionAnalyzer) matchRank(region gocv.Mat) (int, float64) {
	if v.classifier == nil {
		return 0, 0
	}
	features := rankFeatures(region, v.classifier.Width, v.classifier.Height)
	return v.classifier.Predict(features)
}

// AnalyzeMana crops the configured region, masks it against the configured
// HSV range, and maps the matched fraction onto [0, MaxMana]. Confidence is
// the matched fraction normalized against a 50% reference, capped at 1.
func (v *VisionAnalyzer) AnalyzeMana(frame []byte, cfg ManaConfig) ManaReading {
	start := time.Now()
	reading := ManaReading{Max: cfg.MaxMana}

	mat := decodeFrame(frame)
	defer mat.Close()

	rect := image.Rect(cfg.X, cfg.Y, cfg.X+cfg.Width, cfg.Y+cfg.Height)
	if mat.Empty() || !rect.In(image.Rect(0, 0, mat.Cols(), mat.Rows())) {
		v.recordMana(start)
		return reading
	}

	region := mat.Region(rect)
	defer region.Close()

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(region, &hsv, gocv.ColorBGRToHSV)

	lower := gocv.NewScalar(float64(cfg.MinH), float64(cfg.MinS), float64(cfg.MinV), 0)
	upper := gocv.NewScalar(float64(cfg.MaxH), float64(cfg.MaxS), float64(cfg.MaxV), 0)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.InRangeWithScalar(hsv, lower, upper, &mask)

	matched := gocv.CountNonZero(mask)
	total := cfg.Width * cfg.Height

	fraction := float64(matched) / float64(total)
	reading.Percentage = fraction * 100
	reading.Current = int(fraction * float64(cfg.MaxMana))
	reading.Confidence = fraction * 2
	if reading.Confidence > 1 {
		reading.Confidence = 1
	}

	v.recordMana(start)
	return reading
}

func (v *VisionAnalyzer) recordMana(start time.Time) {
	v.mu.Lock()
	v.stats.ManaAnalyses++
	v.stats.TotalAnalyses++
	v.recordLatencyLocked(time.Since(start))
	v.mu.Unlock()
}

// recordLatencyLocked keeps a rolling window of the last 100 call latencies.
func (v *VisionAnalyzer) recordLatencyLocked(d time.Duration) {
	v.latencies = append(v.latencies, d)
	if len(v.latencies) > latencyWindow {
		v.latencies = v.latencies[len(v.latencies)-latencyWindow:]
	}
	var sum time.Duration
	for _, l := range v.latencies {
		sum += l
	}
	v.stats.AverageLatency = sum / time.Duration(len(v.latencies))
}

// Stats returns a copy of the accumulated perception statistics.
func (v *VisionAnalyzer) Stats() VisionStats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stats
}

// MergeablePairs reports adjacent (4-neighborhood) pairs of occupied cells
// with the same identified unit label. Cells labelled "unknown" never merge;
// when both ranks are known they must match. minConfidence filters weak
// identifications.
func MergeablePairs(analysis GridAnalysis, minConfidence float64) []MergePair {
	at := func(row, col int) *GridCell {
		if row < 0 || row >= analysis.Rows || col < 0 || col >= analysis.Cols {
			return nil
		}
		return &analysis.Cells[row*analysis.Cols+col]
	}

	mergeable := func(a, b *GridCell) bool {
		if a == nil || b == nil || !a.Occupied || !b.Occupied {
			return false
		}
		if a.UnitLabel == "" || a.UnitLabel == "unknown" || a.UnitLabel != b.UnitLabel {
			return false
		}
		if a.Confidence < minConfidence || b.Confidence < minConfidence {
			return false
		}
		if a.Rank > 0 && b.Rank > 0 && a.Rank != b.Rank {
			return false
		}
		return true
	}

	var pairs []MergePair
	for row := 0; row < analysis.Rows; row++ {
		for col := 0; col < analysis.Cols; col++ {
			cell := at(row, col)
			if right := at(row, col+1); mergeable(cell, right) {
				pairs = append(pairs, MergePair{From: *cell, To: *right})
			}
			if down := at(row+1, col); mergeable(cell, down) {
				pairs = append(pairs, MergePair{From: *cell, To: *down})
			}
		}
	}
	return pairs
}
