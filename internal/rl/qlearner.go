package rl

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Estimator is the value function surface both modes implement. Update
// returns the TD error so the caller can feed the warm-up ring buffer.
type Estimator interface {
	QValues(state []float64) []float64
	Update(state []float64, action int, reward float64, next []float64, bootstrap bool) float64
}

// ====================================================================
// TABULAR MODE
// ====================================================================

// Tabular discretises the state vector and keeps a per-state action-value
// row in a map.
type Tabular struct {
	mu      sync.Mutex
	Table   map[string][]float64 `json:"table"`
	Actions int                  `json:"actions"`
	Alpha   float64              `json:"alpha"`
	Gamma   float64              `json:"gamma"`
}

// NewTabular builds an empty tabular estimator.
func NewTabular(actions int, alpha, gamma float64) *Tabular {
	return &Tabular{Table: map[string][]float64{}, Actions: actions, Alpha: alpha, Gamma: gamma}
}

// key discretises scalars to one decimal so nearby states share a row.
func (t *Tabular) key(state []float64) string {
	parts := make([]string, len(state))
	for i, v := range state {
		parts[i] = fmt.Sprintf("%.1f", v)
	}
	return strings.Join(parts, ",")
}

func (t *Tabular) row(key string) []float64 {
	r, ok := t.Table[key]
	if !ok {
		r = make([]float64, t.Actions)
		t.Table[key] = r
	}
	return r
}

func (t *Tabular) QValues(state []float64) []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.row(t.key(state))
	out := make([]float64, len(r))
	copy(out, r)
	return out
}

func (t *Tabular) Update(state []float64, action int, reward float64, next []float64, bootstrap bool) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	row := t.row(t.key(state))
	target := reward
	if bootstrap && next != nil {
		target += t.Gamma * maxOf(t.row(t.key(next)))
	}
	tdErr := target - row[action]
	row[action] += t.Alpha * tdErr
	return tdErr
}

// ====================================================================
// APPROXIMATE MODE
// ====================================================================

const hiddenSize = 24

// Network is a small feed-forward approximator: state → 24 → 24 → A with
// ReLU hidden layers, trained one SGD step per update.
type Network struct {
	mu      sync.Mutex
	Inputs  int     `json:"inputs"`
	Actions int     `json:"actions"`
	Alpha   float64 `json:"alpha"`
	Gamma   float64 `json:"gamma"`

	W1 [][]float64 `json:"w1"` // hidden x inputs
	B1 []float64   `json:"b1"`
	W2 [][]float64 `json:"w2"` // hidden x hidden
	B2 []float64   `json:"b2"`
	W3 [][]float64 `json:"w3"` // actions x hidden
	B3 []float64   `json:"b3"`
}

// NewNetwork initialises the approximator with small random weights.
func NewNetwork(inputs, actions int, alpha, gamma float64, rng *rand.Rand) *Network {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	n := &Network{Inputs: inputs, Actions: actions, Alpha: alpha, Gamma: gamma}
	n.W1, n.B1 = randomLayer(hiddenSize, inputs, rng)
	n.W2, n.B2 = randomLayer(hiddenSize, hiddenSize, rng)
	n.W3, n.B3 = randomLayer(actions, hiddenSize, rng)
	return n
}

func randomLayer(rows, cols int, rng *rand.Rand) ([][]float64, []float64) {
	scale := 1 / math.Sqrt(float64(cols))
	w := make([][]float64, rows)
	for i := range w {
		w[i] = make([]float64, cols)
		for j := range w[i] {
			w[i][j] = (rng.Float64()*2 - 1) * scale
		}
	}
	return w, make([]float64, rows)
}

type activations struct {
	h1, z1 []float64
	h2, z2 []float64
	out    []float64
}

func (n *Network) forward(state []float64) activations {
	var a activations
	a.z1 = affine(n.W1, n.B1, state)
	a.h1 = relu(a.z1)
	a.z2 = affine(n.W2, n.B2, a.h1)
	a.h2 = relu(a.z2)
	a.out = affine(n.W3, n.B3, a.h2)
	return a
}

func (n *Network) QValues(state []float64) []float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.forward(state).out
}

// Update takes one gradient step on the squared TD error of the chosen
// action and returns the TD error.
func (n *Network) Update(state []float64, action int, reward float64, next []float64, bootstrap bool) float64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	a := n.forward(state)
	target := reward
	if bootstrap && next != nil {
		target += n.Gamma * maxOf(n.forward(next).out)
	}
	tdErr := target - a.out[action]

	// Backprop: loss = 0.5 * tdErr^2 on the chosen output only.
	dOut := make([]float64, n.Actions)
	dOut[action] = -tdErr

	dH2 := make([]float64, hiddenSize)
	for i := 0; i < n.Actions; i++ {
		for j := 0; j < hiddenSize; j++ {
			dH2[j] += dOut[i] * n.W3[i][j]
		}
	}
	for j := range dH2 {
		if a.z2[j] <= 0 {
			dH2[j] = 0
		}
	}

	dH1 := make([]float64, hiddenSize)
	for i := 0; i < hiddenSize; i++ {
		for j := 0; j < hiddenSize; j++ {
			dH1[j] += dH2[i] * n.W2[i][j]
		}
	}
	for j := range dH1 {
		if a.z1[j] <= 0 {
			dH1[j] = 0
		}
	}

	lr := n.Alpha
	for i := 0; i < n.Actions; i++ {
		for j := 0; j < hiddenSize; j++ {
			n.W3[i][j] -= lr * dOut[i] * a.h2[j]
		}
		n.B3[i] -= lr * dOut[i]
	}
	for i := 0; i < hiddenSize; i++ {
		for j := 0; j < hiddenSize; j++ {
			n.W2[i][j] -= lr * dH2[i] * a.h1[j]
		}
		n.B2[i] -= lr * dH2[i]
	}
	for i := 0; i < hiddenSize; i++ {
		for j := 0; j < n.Inputs; j++ {
			n.W1[i][j] -= lr * dH1[i] * state[j]
		}
		n.B1[i] -= lr * dH1[i]
	}

	return tdErr
}

func affine(w [][]float64, b, x []float64) []float64 {
	out := make([]float64, len(w))
	for i := range w {
		sum := b[i]
		for j := range w[i] {
			sum += w[i][j] * x[j]
		}
		out[i] = sum
	}
	return out
}

func relu(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		if v > 0 {
			out[i] = v
		}
	}
	return out
}

func maxOf(xs []float64) float64 {
	m := math.Inf(-1)
	for _, x := range xs {
		if x > m {
			m = x
		}
	}
	return m
}

// ====================================================================
// PERSISTENCE
// ====================================================================

// persisted is the on-disk snapshot of a learner.
type persisted struct {
	Mode     string    `json:"mode"`
	Tabular  *Tabular  `json:"tabular,omitempty"`
	Network  *Network  `json:"network,omitempty"`
	Errors   []float64 `json:"errors"`
	Episodes int       `json:"episodes"`
}

func savePersisted(path string, p persisted) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadPersisted(path string) (persisted, bool, error) {
	var p persisted
	if path == "" {
		return p, false, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return p, false, nil
	}
	if err != nil {
		return p, false, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, false, fmt.Errorf("corrupt learner state at %s: %w", path, err)
	}
	return p, true, nil
}
