package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"segbench/internal/models"
)

// referenceBackend evaluates the model in float64, one z-plane at a time:
// every plane is unfolded into an im2col matrix and multiplied with the
// layer's weight matrix.
type referenceBackend struct {
	log *slog.Logger
}

type referenceHandle struct {
	model *Model
	// weights[i] is the (in*k^3) x out matrix of layer i
	weights []*mat.Dense
	closed  bool
}

func (h *referenceHandle) Spec() Spec { return h.model.Spec() }

func (h *referenceHandle) Close() error {
	h.closed = true
	h.weights = nil
	return nil
}

func (b *referenceBackend) Load(ctx context.Context, modelRef string) (ModelHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &models.ModelLoadError{Model: modelRef, Err: err}
	}
	m, err := LoadModel(modelRef)
	if err != nil {
		return nil, &models.ModelLoadError{Model: modelRef, Err: err}
	}

	h := &referenceHandle{model: m, weights: make([]*mat.Dense, len(m.Layers))}
	for i, l := range m.Layers {
		h.weights[i] = weightMatrix(l)
	}
	b.log.Debug("model loaded", "model", m.Name, "layers", len(m.Layers), "sha256", m.SHA256)
	return h, nil
}

// weightMatrix lays out [out, in, k, k, k] as rows (in, tap) and columns out
func weightMatrix(l Layer) *mat.Dense {
	taps := l.Kernel * l.Kernel * l.Kernel
	w := mat.NewDense(l.In*taps, l.Out, nil)
	for co := 0; co < l.Out; co++ {
		for ci := 0; ci < l.In; ci++ {
			for t := 0; t < taps; t++ {
				w.Set(ci*taps+t, co, float64(l.Weight.Data[(co*l.In+ci)*taps+t]))
			}
		}
	}
	return w
}

func (b *referenceBackend) Infer(ctx context.Context, h ModelHandle, input *models.Tensor) (*models.Tensor, time.Duration, error) {
	rh, ok := h.(*referenceHandle)
	if !ok {
		return nil, 0, &models.InferenceError{Err: fmt.Errorf("handle %T was not loaded by the reference backend", h)}
	}
	if rh.closed {
		return nil, 0, &models.InferenceError{Err: errors.New("model handle is closed")}
	}
	if err := checkInput(rh.Spec(), input); err != nil {
		var sm *models.ShapeMismatchError
		if errors.As(err, &sm) {
			return nil, 0, sm
		}
		return nil, 0, &models.InferenceError{Err: err}
	}

	start := time.Now()
	d, hgt, w := input.Shape[1], input.Shape[2], input.Shape[3]

	act := make([]float64, len(input.Data))
	for i, v := range input.Data {
		act[i] = float64(v)
	}
	for i, l := range rh.model.Layers {
		next, err := convolveReference(ctx, l, rh.weights[i], act, d, hgt, w)
		if err != nil {
			return nil, 0, &models.InferenceError{Err: err}
		}
		act = next
	}
	elapsed := time.Since(start)

	out := models.NewTensor(rh.model.OutputShape()...)
	for i, v := range act {
		out.Data[i] = float32(v)
	}
	return out, elapsed, nil
}

// convolveReference applies one same-padded convolution plus its activation
func convolveReference(ctx context.Context, l Layer, wm *mat.Dense, in []float64, d, h, w int) ([]float64, error) {
	plane := h * w
	vol := d * plane
	taps := tapOffsets(l.Kernel)
	cols := l.In * len(taps)

	out := make([]float64, l.Out*vol)
	cols2d := mat.NewDense(plane, cols, nil)
	var prod mat.Dense

	for z := 0; z < d; z++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cols2d.Zero()
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				row := cols2d.RawRowView(y*w + x)
				for ci := 0; ci < l.In; ci++ {
					src := in[ci*vol:]
					for t, off := range taps {
						zz, yy, xx := z+off[0], y+off[1], x+off[2]
						if zz < 0 || zz >= d || yy < 0 || yy >= h || xx < 0 || xx >= w {
							continue
						}
						row[ci*len(taps)+t] = src[zz*plane+yy*w+xx]
					}
				}
			}
		}

		prod.Mul(cols2d, wm)
		for co := 0; co < l.Out; co++ {
			bias := float64(l.Bias.Data[co])
			dst := out[co*vol+z*plane:]
			for p := 0; p < plane; p++ {
				dst[p] = prod.At(p, co) + bias
			}
		}
	}

	activateReference(l.Activation, out, l.Out, vol)
	return out, nil
}

func activateReference(act string, data []float64, channels, vol int) {
	switch act {
	case ActReLU:
		for i, v := range data {
			if v < 0 {
				data[i] = 0
			}
		}
	case ActSigmoid:
		for i, v := range data {
			data[i] = 1 / (1 + math.Exp(-v))
		}
	case ActSoftmax:
		probs := make([]float64, channels)
		for p := 0; p < vol; p++ {
			for c := 0; c < channels; c++ {
				probs[c] = data[c*vol+p]
			}
			floats.AddConst(-floats.Max(probs), probs)
			for c, v := range probs {
				probs[c] = math.Exp(v)
			}
			floats.Scale(1/floats.Sum(probs), probs)
			for c := 0; c < channels; c++ {
				data[c*vol+p] = probs[c]
			}
		}
	}
}
