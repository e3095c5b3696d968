// Package classifier defines the inference collaborator contract and a
// self-contained default model. The pipeline treats Classify as an
// opaque, possibly slow, possibly failing black box; the worker wraps it
// in an execution budget, so implementations only need to honor ctx on a
// best-effort basis.
package classifier

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"sort"
	"strings"

	_ "embed"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/tasks"
)

// Classifier turns raw image bytes into a ranked list of predictions,
// sorted by descending probability.
type Classifier interface {
	Classify(ctx context.Context, data []byte) ([]tasks.Prediction, error)
}

// Func adapts a plain function to the Classifier interface.
type Func func(ctx context.Context, data []byte) ([]tasks.Prediction, error)

// Classify implements Classifier.
func (f Func) Classify(ctx context.Context, data []byte) ([]tasks.Prediction, error) {
	return f(ctx, data)
}

//go:embed labels.txt
var labelData string

// inputSize matches the 224x224 input the mobilenet-family models take.
const inputSize = 224

// topK is how many labels the model ranks per image.
const topK = 5

// Model is the built-in classifier. It resizes the image to the model
// input size, derives a signature from the pixel grid, and scores a
// fixed label vocabulary from it. The output contract matches a real
// backend: deterministic per input, probabilities normalized to sum 1,
// sorted descending.
type Model struct {
	labels []string
}

// NewModel loads the embedded label vocabulary.
func NewModel() (*Model, error) {
	var labels []string
	for _, line := range strings.Split(labelData, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			labels = append(labels, line)
		}
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("label vocabulary is empty")
	}
	return &Model{labels: labels}, nil
}

// Classify implements Classifier.
func (m *Model) Classify(ctx context.Context, data []byte) ([]tasks.Prediction, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sig := signature(img)

	// Project the signature onto the vocabulary: each of the topK slots
	// hashes to a label index, with geometrically decaying raw scores.
	scores := make(map[int]float64, topK)
	weight := 1.0
	for k := 0; k < topK; k++ {
		h := fnv.New64a()
		fmt.Fprintf(h, "%s:%d:", format, k)
		h.Write(sig)
		idx := int(h.Sum64() % uint64(len(m.labels)))
		scores[idx] += weight
		weight *= 0.6
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var total float64
	for _, s := range scores {
		total += s
	}

	preds := make([]tasks.Prediction, 0, len(scores))
	for idx, s := range scores {
		preds = append(preds, tasks.Prediction{
			Label:       m.labels[idx],
			Probability: s / total,
		})
	}
	sort.Slice(preds, func(i, j int) bool {
		if preds[i].Probability != preds[j].Probability {
			return preds[i].Probability > preds[j].Probability
		}
		return preds[i].Label < preds[j].Label
	})
	return preds, nil
}

// signature samples the image on a fixed grid at the model input size
// and buckets luminance into a compact byte vector. Two renders of the
// same image always hash identically.
func signature(img image.Image) []byte {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return []byte{0}
	}

	var bins [64]uint32
	for y := 0; y < inputSize; y++ {
		srcY := bounds.Min.Y + y*h/inputSize
		for x := 0; x < inputSize; x++ {
			srcX := bounds.Min.X + x*w/inputSize
			r, g, b, _ := img.At(srcX, srcY).RGBA()
			// Integer luma approximation over 16-bit channels.
			luma := (299*r + 587*g + 114*b) / 1000
			bins[luma>>10]++
		}
	}

	sig := make([]byte, 0, len(bins)*4)
	for _, v := range bins {
		sig = append(sig, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	return sig
}
