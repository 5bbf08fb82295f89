package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"segbench/internal/models"
)

// optimizedBackend compiles the model into a float32 node graph with fused
// bias and activation, then runs every node over fixed depth slabs in
// parallel. All activation buffers are allocated once at Load.
type optimizedBackend struct {
	log     *slog.Logger
	threads int
}

// node is one compiled convolution. weights are laid out [tap][in][out] so
// the innermost loop walks output channels contiguously.
type node struct {
	in, out    int
	activation string
	taps       [][3]int
	weights    []float32
	bias       []float32
}

type optimizedHandle struct {
	model   *Model
	nodes   []node
	threads int

	// ping-pong activation buffers sized for the widest node
	bufA, bufB []float32
	closed     bool
}

func (h *optimizedHandle) Spec() Spec { return h.model.Spec() }

func (h *optimizedHandle) Close() error {
	h.closed = true
	h.nodes = nil
	h.bufA, h.bufB = nil, nil
	return nil
}

func (b *optimizedBackend) Load(ctx context.Context, modelRef string) (ModelHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &models.ModelLoadError{Model: modelRef, Err: err}
	}
	m, err := LoadModel(modelRef)
	if err != nil {
		return nil, &models.ModelLoadError{Model: modelRef, Err: err}
	}

	h := &optimizedHandle{model: m, threads: b.threads}
	widest := m.InputShape[0]
	for _, l := range m.Layers {
		h.nodes = append(h.nodes, compile(l))
		if l.Out > widest {
			widest = l.Out
		}
	}
	vol := m.InputShape[1] * m.InputShape[2] * m.InputShape[3]
	h.bufA = make([]float32, widest*vol)
	h.bufB = make([]float32, widest*vol)

	b.log.Debug("model compiled", "model", m.Name, "nodes", len(h.nodes), "threads", b.threads)
	return h, nil
}

func compile(l Layer) node {
	taps := tapOffsets(l.Kernel)
	n := node{
		in:         l.In,
		out:        l.Out,
		activation: l.Activation,
		taps:       taps,
		weights:    make([]float32, len(taps)*l.In*l.Out),
		bias:       append([]float32(nil), l.Bias.Data...),
	}
	for co := 0; co < l.Out; co++ {
		for ci := 0; ci < l.In; ci++ {
			for t := range taps {
				n.weights[(t*l.In+ci)*l.Out+co] = l.Weight.Data[(co*l.In+ci)*len(taps)+t]
			}
		}
	}
	return n
}

func (b *optimizedBackend) Infer(ctx context.Context, h ModelHandle, input *models.Tensor) (*models.Tensor, time.Duration, error) {
	oh, ok := h.(*optimizedHandle)
	if !ok {
		return nil, 0, &models.InferenceError{Err: fmt.Errorf("handle %T was not loaded by the optimized backend", h)}
	}
	if oh.closed {
		return nil, 0, &models.InferenceError{Err: errors.New("model handle is closed")}
	}
	if err := checkInput(oh.Spec(), input); err != nil {
		var sm *models.ShapeMismatchError
		if errors.As(err, &sm) {
			return nil, 0, sm
		}
		return nil, 0, &models.InferenceError{Err: err}
	}

	start := time.Now()
	dims := [3]int{input.Shape[1], input.Shape[2], input.Shape[3]}

	src, dst := oh.bufA, oh.bufB
	copy(src, input.Data)
	for _, n := range oh.nodes {
		if err := ctx.Err(); err != nil {
			return nil, 0, &models.InferenceError{Err: err}
		}
		oh.run(n, src, dst, dims)
		src, dst = dst, src
	}
	elapsed := time.Since(start)

	out := models.NewTensor(oh.model.OutputShape()...)
	copy(out.Data, src[:len(out.Data)])
	return out, elapsed, nil
}

// run evaluates one node. Depth is split into fixed slabs, one goroutine
// each, and every voxel is accumulated in the same order on every run.
func (h *optimizedHandle) run(n node, src, dst []float32, dims [3]int) {
	d := dims[0]
	workers := h.threads
	if workers > d {
		workers = d
	}
	if workers < 1 {
		workers = 1
	}
	per := (d + workers - 1) / workers

	var wg sync.WaitGroup
	for z0 := 0; z0 < d; z0 += per {
		z1 := min(z0+per, d)
		wg.Add(1)
		go func(z0, z1 int) {
			defer wg.Done()
			n.slab(src, dst, dims, z0, z1)
		}(z0, z1)
	}
	wg.Wait()
}

func (n *node) slab(src, dst []float32, dims [3]int, z0, z1 int) {
	d, h, w := dims[0], dims[1], dims[2]
	plane := h * w
	vol := d * plane
	acc := make([]float32, n.out)

	for z := z0; z < z1; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				copy(acc, n.bias)
				for t, off := range n.taps {
					zz, yy, xx := z+off[0], y+off[1], x+off[2]
					if zz < 0 || zz >= d || yy < 0 || yy >= h || xx < 0 || xx >= w {
						continue
					}
					p := zz*plane + yy*w + xx
					wt := n.weights[t*n.in*n.out:]
					for ci := 0; ci < n.in; ci++ {
						v := src[ci*vol+p]
						if v == 0 {
							continue
						}
						row := wt[ci*n.out : (ci+1)*n.out]
						for co, wv := range row {
							acc[co] += v * wv
						}
					}
				}

				n.activate(acc)
				p := z*plane + y*w + x
				for co, v := range acc {
					dst[co*vol+p] = v
				}
			}
		}
	}
}

func (n *node) activate(acc []float32) {
	switch n.activation {
	case ActReLU:
		for i, v := range acc {
			if v < 0 {
				acc[i] = 0
			}
		}
	case ActSigmoid:
		for i, v := range acc {
			acc[i] = float32(1 / (1 + math.Exp(-float64(v))))
		}
	case ActSoftmax:
		peak := acc[0]
		for _, v := range acc[1:] {
			peak = max(peak, v)
		}
		var sum float32
		for i, v := range acc {
			e := float32(math.Exp(float64(v - peak)))
			acc[i] = e
			sum += e
		}
		for i := range acc {
			acc[i] /= sum
		}
	}
}
