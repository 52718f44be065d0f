// Package main - classifier.go
//
// Rank classification. Unit ranks are read from the pip badge drawn over each
// slot: a cell is resized to a fixed footprint, reduced to Canny edges, and
// the flattened edge map is scored by a small softmax regression model stored
// as JSON. Training runs offline over a labelled sample directory.
package main

import (
	"encoding/json"
	"fmt"
	"image"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"
)

const (
	rankFeatureWidth  = 32
	rankFeatureHeight = 32

	cannyLowThreshold  = 50
	cannyHighThreshold = 100
)

// RankClassifier is a softmax regression over flattened edge features.
type RankClassifier struct {
	Width   int         `json:"width"`
	Height  int         `json:"height"`
	Classes []int       `json:"classes"`
	Weights [][]float64 `json:"weights"` // one row per class
	Bias    []float64   `json:"bias"`
}

// LoadRankClassifier reads a trained model from disk.
func LoadRankClassifier(path string) (*RankClassifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var clf RankClassifier
	if err := json.Unmarshal(data, &clf); err != nil {
		return nil, fmt.Errorf("parse rank model: %w", err)
	}
	if err := clf.validate(); err != nil {
		return nil, err
	}
	return &clf, nil
}

// Save writes the model as JSON.
func (c *RankClassifier) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *RankClassifier) validate() error {
	dim := c.Width * c.Height
	if dim <= 0 {
		return fmt.Errorf("rank model: bad dimensions %dx%d", c.Width, c.Height)
	}
	if len(c.Classes) == 0 || len(c.Weights) != len(c.Classes) || len(c.Bias) != len(c.Classes) {
		return fmt.Errorf("rank model: %d classes, %d weight rows, %d biases",
			len(c.Classes), len(c.Weights), len(c.Bias))
	}
	for i, row := range c.Weights {
		if len(row) != dim {
			return fmt.Errorf("rank model: weight row %d has %d features, want %d", i, len(row), dim)
		}
	}
	return nil
}

// Predict returns the most likely rank and its softmax probability. A nil
// model or malformed feature vector yields rank 0 with confidence 0.
func (c *RankClassifier) Predict(features []float64) (int, float64) {
	if c == nil || len(features) != c.Width*c.Height {
		return 0, 0
	}

	scores := make([]float64, len(c.Classes))
	for i, row := range c.Weights {
		s := c.Bias[i]
		for j, f := range features {
			s += row[j] * f
		}
		scores[i] = s
	}

	// softmax with the usual max-shift for stability
	maxScore := scores[0]
	for _, s := range scores[1:] {
		if s > maxScore {
			maxScore = s
		}
	}
	var sum float64
	probs := make([]float64, len(scores))
	for i, s := range scores {
		probs[i] = math.Exp(s - maxScore)
		sum += probs[i]
	}

	best := 0
	for i := range probs {
		probs[i] /= sum
		if probs[i] > probs[best] {
			best = i
		}
	}
	return c.Classes[best], probs[best]
}

// rankFeatures converts a cell into the classifier's input vector: resize to
// the model footprint, grayscale, Canny edges, flatten to [0,1].
func rankFeatures(region gocv.Mat, width, height int) []float64 {
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(region, &resized, image.Pt(width, height), 0, 0, gocv.InterpolationLinear)

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(resized, &gray, gocv.ColorBGRToGray)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(gray, &edges, cannyLowThreshold, cannyHighThreshold)

	raw := edges.ToBytes()
	features := make([]float64, len(raw))
	for i, b := range raw {
		features[i] = float64(b) / 255
	}
	return features
}

// TrainOptions controls offline rank model training.
type TrainOptions struct {
	Epochs       int
	LearningRate float64
	Seed         int64
}

// DefaultTrainOptions returns the settings used by the CLI trainer.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{Epochs: 200, LearningRate: 0.05, Seed: 1}
}

// TrainRankClassifier fits a softmax regression on labelled samples. Sample
// files are PNGs named "<rank>_<anything>.png"; the numeric prefix is the
// label. Samples whose prefix does not parse are skipped.
func TrainRankClassifier(dir string, opts TrainOptions) (*RankClassifier, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var samples [][]float64
	var labels []int
	classSet := make(map[int]bool)

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".png") {
			continue
		}
		prefix, _, found := strings.Cut(entry.Name(), "_")
		if !found {
			continue
		}
		rank, err := strconv.Atoi(prefix)
		if err != nil || rank < 1 {
			continue
		}

		mat := gocv.IMRead(filepath.Join(dir, entry.Name()), gocv.IMReadColor)
		if mat.Empty() {
			continue
		}
		samples = append(samples, rankFeatures(mat, rankFeatureWidth, rankFeatureHeight))
		labels = append(labels, rank)
		classSet[rank] = true
		mat.Close()
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("no labelled samples in %s", dir)
	}

	classes := make([]int, 0, len(classSet))
	for c := range classSet {
		classes = append(classes, c)
	}
	// ascending class order so model files diff cleanly between runs
	for i := 1; i < len(classes); i++ {
		for j := i; j > 0 && classes[j] < classes[j-1]; j-- {
			classes[j], classes[j-1] = classes[j-1], classes[j]
		}
	}
	classIndex := make(map[int]int, len(classes))
	for i, c := range classes {
		classIndex[c] = i
	}

	dim := rankFeatureWidth * rankFeatureHeight
	clf := &RankClassifier{
		Width:   rankFeatureWidth,
		Height:  rankFeatureHeight,
		Classes: classes,
		Weights: make([][]float64, len(classes)),
		Bias:    make([]float64, len(classes)),
	}
	for i := range clf.Weights {
		clf.Weights[i] = make([]float64, dim)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	order := make([]int, len(samples))
	for i := range order {
		order[i] = i
	}

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		for _, idx := range order {
			x := samples[idx]
			target := classIndex[labels[idx]]

			scores := make([]float64, len(classes))
			for i, row := range clf.Weights {
				s := clf.Bias[i]
				for j, f := range x {
					s += row[j] * f
				}
				scores[i] = s
			}
			maxScore := scores[0]
			for _, s := range scores[1:] {
				if s > maxScore {
					maxScore = s
				}
			}
			var sum float64
			probs := make([]float64, len(scores))
			for i, s := range scores {
				probs[i] = math.Exp(s - maxScore)
				sum += probs[i]
			}

			for i := range probs {
				probs[i] /= sum
				grad := probs[i]
				if i == target {
					grad -= 1
				}
				step := opts.LearningRate * grad
				row := clf.Weights[i]
				for j, f := range x {
					if f != 0 {
						row[j] -= step * f
					}
				}
				clf.Bias[i] -= step
			}
		}
	}

	log.Info().Int("samples", len(samples)).Ints("classes", classes).
		Int("epochs", opts.Epochs).Msg("rank classifier trained")
	return clf, nil
}
