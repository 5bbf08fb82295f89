// Package interpolation resamples flat volumes between voxel grids.
package interpolation

import (
	"fmt"
	"math"
	"runtime"
	"sync"
)

// axisTable holds, for every output index along one axis, the two source
// indices and the weight of the upper one
type axisTable struct {
	lo, hi []int
	w      []float64
}

// newAxisTable maps dst samples onto src with half-voxel centred coordinates,
// so resizing n -> m -> n keeps structures in place
func newAxisTable(src, dst int) axisTable {
	t := axisTable{lo: make([]int, dst), hi: make([]int, dst), w: make([]float64, dst)}
	scale := float64(src) / float64(dst)
	for i := 0; i < dst; i++ {
		c := (float64(i)+0.5)*scale - 0.5
		if c < 0 {
			c = 0
		}
		if c > float64(src-1) {
			c = float64(src - 1)
		}
		lo := int(math.Floor(c))
		hi := lo + 1
		if hi > src-1 {
			hi = src - 1
		}
		t.lo[i] = lo
		t.hi[i] = hi
		t.w[i] = c - float64(lo)
	}
	return t
}

// Resize resamples a single-channel volume laid out as (D, H, W), x fastest,
// from src to dst with trilinear interpolation. The work is split into fixed
// depth slabs, so the result does not depend on scheduling.
func Resize(data []float32, src, dst [3]int) ([]float32, error) {
	if len(data) != src[0]*src[1]*src[2] {
		return nil, fmt.Errorf("resize: data has %d voxels, shape %v needs %d", len(data), src, src[0]*src[1]*src[2])
	}
	for i := 0; i < 3; i++ {
		if src[i] <= 0 || dst[i] <= 0 {
			return nil, fmt.Errorf("resize: invalid shapes %v -> %v", src, dst)
		}
	}

	out := make([]float32, dst[0]*dst[1]*dst[2])
	if src == dst {
		copy(out, data)
		return out, nil
	}

	tz := newAxisTable(src[0], dst[0])
	ty := newAxisTable(src[1], dst[1])
	tx := newAxisTable(src[2], dst[2])
	sw, sh := src[2], src[1]

	at := func(z, y, x int) float64 {
		return float64(data[z*sw*sh+y*sw+x])
	}

	forEachSlab(dst[0], func(z0, z1 int) {
		for z := z0; z < z1; z++ {
			za, zb, wz := tz.lo[z], tz.hi[z], tz.w[z]
			for y := 0; y < dst[1]; y++ {
				ya, yb, wy := ty.lo[y], ty.hi[y], ty.w[y]
				row := out[z*dst[1]*dst[2]+y*dst[2]:]
				for x := 0; x < dst[2]; x++ {
					xa, xb, wx := tx.lo[x], tx.hi[x], tx.w[x]

					c00 := at(za, ya, xa)*(1-wx) + at(za, ya, xb)*wx
					c01 := at(za, yb, xa)*(1-wx) + at(za, yb, xb)*wx
					c10 := at(zb, ya, xa)*(1-wx) + at(zb, ya, xb)*wx
					c11 := at(zb, yb, xa)*(1-wx) + at(zb, yb, xb)*wx

					c0 := c00*(1-wy) + c01*wy
					c1 := c10*(1-wy) + c11*wy
					row[x] = float32(c0*(1-wz) + c1*wz)
				}
			}
		}
	})
	return out, nil
}

// ResizeNearest resamples with nearest-neighbour lookup, for label volumes
func ResizeNearest(data []uint8, src, dst [3]int) ([]uint8, error) {
	if len(data) != src[0]*src[1]*src[2] {
		return nil, fmt.Errorf("resize: data has %d voxels, shape %v needs %d", len(data), src, src[0]*src[1]*src[2])
	}
	idx := func(n, m, i int) int {
		c := int(math.Floor((float64(i) + 0.5) * float64(n) / float64(m)))
		if c > n-1 {
			c = n - 1
		}
		return c
	}

	out := make([]uint8, dst[0]*dst[1]*dst[2])
	for z := 0; z < dst[0]; z++ {
		sz := idx(src[0], dst[0], z)
		for y := 0; y < dst[1]; y++ {
			sy := idx(src[1], dst[1], y)
			for x := 0; x < dst[2]; x++ {
				sx := idx(src[2], dst[2], x)
				out[z*dst[1]*dst[2]+y*dst[2]+x] = data[sz*src[1]*src[2]+sy*src[2]+sx]
			}
		}
	}
	return out, nil
}

// forEachSlab runs fn over [0, n) split into at most NumCPU contiguous slabs
func forEachSlab(n int, fn func(z0, z1 int)) {
	workers := runtime.NumCPU()
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, n)
		return
	}

	var wg sync.WaitGroup
	per := (n + workers - 1) / workers
	for z0 := 0; z0 < n; z0 += per {
		z1 := z0 + per
		if z1 > n {
			z1 = n
		}
		wg.Add(1)
		go func(z0, z1 int) {
			defer wg.Done()
			fn(z0, z1)
		}(z0, z1)
	}
	wg.Wait()
}
