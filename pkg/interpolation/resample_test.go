package interpolation

import (
	"math"
	"testing"
)

// fillVolume builds a (D, H, W) volume with value f(z, y, x)
func fillVolume(shape [3]int, f func(z, y, x int) float32) []float32 {
	data := make([]float32, shape[0]*shape[1]*shape[2])
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				data[z*shape[1]*shape[2]+y*shape[2]+x] = f(z, y, x)
			}
		}
	}
	return data
}

// TestResizeIdentity verifies that equal shapes copy the input
func TestResizeIdentity(t *testing.T) {
	shape := [3]int{3, 4, 5}
	data := fillVolume(shape, func(z, y, x int) float32 { return float32(z*100 + y*10 + x) })

	out, err := Resize(data, shape, shape)
	if err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	for i := range data {
		if out[i] != data[i] {
			t.Fatalf("voxel %d: expected %v, got %v", i, data[i], out[i])
		}
	}
	out[0] = -1
	if data[0] == -1 {
		t.Error("Resize must not alias its input")
	}
}

// TestResizeConstant verifies that a constant field stays constant
func TestResizeConstant(t *testing.T) {
	src := [3]int{4, 6, 8}
	dst := [3]int{7, 3, 11}
	data := fillVolume(src, func(z, y, x int) float32 { return 2.5 })

	out, err := Resize(data, src, dst)
	if err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	if len(out) != dst[0]*dst[1]*dst[2] {
		t.Fatalf("expected %d voxels, got %d", dst[0]*dst[1]*dst[2], len(out))
	}
	for i, v := range out {
		if math.Abs(float64(v)-2.5) > 1e-6 {
			t.Fatalf("voxel %d: expected 2.5, got %v", i, v)
		}
	}
}

// TestResizeLinearRamp checks that trilinear interpolation reproduces a
// linear ramp away from the clamped borders
func TestResizeLinearRamp(t *testing.T) {
	src := [3]int{1, 1, 8}
	dst := [3]int{1, 1, 16}
	data := fillVolume(src, func(z, y, x int) float32 { return float32(x) })

	out, err := Resize(data, src, dst)
	if err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	for x := 1; x < 15; x++ {
		want := (float64(x)+0.5)*0.5 - 0.5
		if math.Abs(float64(out[x])-want) > 1e-6 {
			t.Errorf("x=%d: expected %v, got %v", x, want, out[x])
		}
	}
	if out[0] != 0 || out[15] != 7 {
		t.Errorf("borders should clamp to 0 and 7, got %v and %v", out[0], out[15])
	}
}

// TestResizeDeterministic runs the parallel resize twice
func TestResizeDeterministic(t *testing.T) {
	src := [3]int{9, 7, 5}
	dst := [3]int{16, 16, 16}
	data := fillVolume(src, func(z, y, x int) float32 {
		return float32(math.Sin(float64(z*31+y*7+x)) * 100)
	})

	a, err := Resize(data, src, dst)
	if err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	b, _ := Resize(data, src, dst)
	for i := range a {
		if math.Float32bits(a[i]) != math.Float32bits(b[i]) {
			t.Fatalf("voxel %d differs between runs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestResizeRejectsBadInput(t *testing.T) {
	if _, err := Resize(make([]float32, 5), [3]int{2, 2, 2}, [3]int{4, 4, 4}); err == nil {
		t.Error("expected error for mismatched data length")
	}
	if _, err := Resize(make([]float32, 8), [3]int{2, 2, 2}, [3]int{0, 4, 4}); err == nil {
		t.Error("expected error for zero output extent")
	}
}

func TestResizeNearest(t *testing.T) {
	src := [3]int{2, 2, 2}
	data := []uint8{0, 1, 2, 3, 4, 5, 6, 7}

	out, err := ResizeNearest(data, src, [3]int{4, 4, 4})
	if err != nil {
		t.Fatalf("ResizeNearest failed: %v", err)
	}
	// every 2x2x2 block of the output copies one source voxel
	if out[0] != 0 || out[1] != 0 || out[2] != 1 || out[63] != 7 {
		t.Errorf("unexpected nearest-neighbour result: %v", out)
	}
}
