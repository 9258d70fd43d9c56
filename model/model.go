// Package model loads trained motor-imagery classifiers and turns epochs
// into predictions.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"github.com/maastricht-university/edmo-bci/bci"
)

// ErrGeometry is returned when an epoch does not match the model input.
var ErrGeometry = errors.New("model: epoch geometry mismatch")

// Artifact is the on-disk model exported by the training workshop.
type Artifact struct {
	Version      string   `yaml:"version"`
	Classes      []string `yaml:"classes"`
	Channels     int      `yaml:"channels"`
	EpochSamples int      `yaml:"epoch_samples"`
	FeatureDim   int      `yaml:"feature_dim"`
	CSP          struct {
		// Filters is components x channels.
		Filters [][]float64 `yaml:"filters"`
	} `yaml:"csp"`
	Scaler struct {
		Mean []float64 `yaml:"mean"`
		Std  []float64 `yaml:"std"`
	} `yaml:"scaler"`
	Classifier struct {
		Kind    string      `yaml:"kind"` // linear | logistic
		Weights [][]float64 `yaml:"weights"`
		Bias    []float64   `yaml:"bias"`
	} `yaml:"classifier"`
}

// Geometry is what the running session will feed the model. Channels
// counts epoch rows, which may be a subset of the acquired channels.
type Geometry struct {
	Channels     int
	EpochSamples int
	Classes      []string
}

type Model struct {
	art     Artifact
	path    string
	digest  string
	filters *mat.Dense
	weights *mat.Dense
}

// Load reads and validates the artifact at path against g. Every failure
// is a *bci.ModelLoadError.
func Load(path string, g Geometry) (*Model, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &bci.ModelLoadError{Path: path, Reason: "unreadable", Err: err}
	}
	return Parse(raw, path, g)
}

// Parse is Load for an artifact already in memory.
func Parse(raw []byte, path string, g Geometry) (*Model, error) {
	var a Artifact
	if err := yaml.Unmarshal(raw, &a); err != nil {
		return nil, &bci.ModelLoadError{Path: path, Reason: "corrupt artifact", Err: err}
	}
	if err := a.check(g); err != nil {
		return nil, &bci.ModelLoadError{Path: path, Reason: err.Error()}
	}
	sum := sha256.Sum256(raw)
	m := &Model{art: a, path: path, digest: hex.EncodeToString(sum[:8])}

	m.filters = mat.NewDense(a.FeatureDim, a.Channels, nil)
	for i, row := range a.CSP.Filters {
		m.filters.SetRow(i, row)
	}
	m.weights = mat.NewDense(len(a.Classifier.Weights), a.FeatureDim, nil)
	for i, row := range a.Classifier.Weights {
		m.weights.SetRow(i, row)
	}
	return m, nil
}

func (a *Artifact) check(g Geometry) error {
	switch {
	case a.Channels != g.Channels:
		return fmt.Errorf("model expects %d channels, session has %d", a.Channels, g.Channels)
	case a.EpochSamples != g.EpochSamples:
		return fmt.Errorf("model expects %d samples per epoch, session produces %d", a.EpochSamples, g.EpochSamples)
	case len(a.Classes) < 2:
		return errors.New("model declares fewer than two classes")
	case a.FeatureDim < 1:
		return errors.New("feature_dim must be positive")
	case len(a.CSP.Filters) != a.FeatureDim:
		return fmt.Errorf("feature_dim %d but %d spatial filters", a.FeatureDim, len(a.CSP.Filters))
	}
	if len(g.Classes) > 0 {
		for _, c := range a.Classes {
			if !slices.Contains(g.Classes, c) {
				return fmt.Errorf("model class %q not configured", c)
			}
		}
	}
	for i, row := range a.CSP.Filters {
		if len(row) != a.Channels {
			return fmt.Errorf("spatial filter %d has %d weights for %d channels", i, len(row), a.Channels)
		}
	}
	if n := len(a.Scaler.Mean); n != 0 && n != a.FeatureDim {
		return fmt.Errorf("scaler mean has %d entries, feature_dim %d", n, a.FeatureDim)
	}
	if len(a.Scaler.Std) != len(a.Scaler.Mean) {
		return errors.New("scaler mean and std differ in length")
	}
	for _, s := range a.Scaler.Std {
		if s <= 0 {
			return errors.New("scaler std must be positive")
		}
	}
	rows := len(a.Classes)
	switch a.Classifier.Kind {
	case "linear":
	case "logistic":
		if len(a.Classes) != 2 {
			return errors.New("logistic classifier needs exactly two classes")
		}
		rows = 1
	default:
		return fmt.Errorf("classifier kind %q unknown", a.Classifier.Kind)
	}
	if len(a.Classifier.Weights) != rows || len(a.Classifier.Bias) != rows {
		return fmt.Errorf("classifier needs %d weight rows and biases", rows)
	}
	for _, w := range a.Classifier.Weights {
		if len(w) != a.FeatureDim {
			return fmt.Errorf("classifier row has %d weights, feature_dim %d", len(w), a.FeatureDim)
		}
	}
	return nil
}

func (m *Model) Version() string { return m.art.Version }

func (m *Model) Path() string { return m.path }

// Digest is a short content hash identifying the artifact.
func (m *Model) Digest() string { return m.digest }

func (m *Model) Classes() []string { return slices.Clone(m.art.Classes) }

func (m *Model) FeatureDim() int { return m.art.FeatureDim }

// Features projects the epoch through the spatial filters and returns
// the normalized log-variance of each component. It is pure.
func (m *Model) Features(e bci.Epoch) (bci.FeatureVector, error) {
	if e.Channels() != m.art.Channels || e.Len() != m.art.EpochSamples {
		return nil, fmt.Errorf("%w: %dx%d, want %dx%d", ErrGeometry,
			e.Channels(), e.Len(), m.art.Channels, m.art.EpochSamples)
	}
	x := mat.NewDense(e.Channels(), e.Len(), nil)
	for ch, row := range e.Data {
		x.SetRow(ch, row)
	}
	var z mat.Dense
	z.Mul(m.filters, x)

	vars := make([]float64, m.art.FeatureDim)
	row := make([]float64, e.Len())
	total := 0.0
	for i := range vars {
		mat.Row(row, i, &z)
		vars[i] = stat.PopVariance(row, nil)
		total += vars[i]
	}
	if total <= 0 || math.IsNaN(total) {
		return nil, errors.New("model: epoch has no variance")
	}
	f := make(bci.FeatureVector, len(vars))
	for i, v := range vars {
		f[i] = math.Log(math.Max(v/total, 1e-12))
	}
	return f, nil
}

// Classify scores a feature vector and returns class probabilities in
// artifact class order.
func (m *Model) Classify(f bci.FeatureVector) ([]float64, error) {
	if len(f) != m.art.FeatureDim {
		return nil, fmt.Errorf("%w: %d features, want %d", ErrGeometry, len(f), m.art.FeatureDim)
	}
	x := make([]float64, len(f))
	copy(x, f)
	for i := range m.art.Scaler.Mean {
		x[i] = (x[i] - m.art.Scaler.Mean[i]) / m.art.Scaler.Std[i]
	}
	var s mat.VecDense
	s.MulVec(m.weights, mat.NewVecDense(len(x), x))
	scores := make([]float64, s.Len())
	for i := range scores {
		scores[i] = s.AtVec(i) + m.art.Classifier.Bias[i]
	}
	if m.art.Classifier.Kind == "logistic" {
		p := 1 / (1 + math.Exp(-scores[0]))
		return []float64{1 - p, p}, nil
	}
	return softmax(scores), nil
}

// Predict runs features and classifier for one epoch.
func (m *Model) Predict(e bci.Epoch) (bci.Prediction, error) {
	f, err := m.Features(e)
	if err != nil {
		return bci.Prediction{}, err
	}
	probs, err := m.Classify(f)
	if err != nil {
		return bci.Prediction{}, err
	}
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return bci.Prediction{Label: m.art.Classes[best], Confidence: probs[best], EpochEnd: e.End}, nil
}

func softmax(s []float64) []float64 {
	hi := slices.Max(s)
	out := make([]float64, len(s))
	sum := 0.0
	for i, v := range s {
		out[i] = math.Exp(v - hi)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
