package nifti

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segbench/internal/models"
)

// createTestVolume fills a small volume with a deterministic gradient
func createTestVolume(dt int16) *models.Volume {
	vol := models.NewVolume(5, 4, 3, models.Spacing{X: 1, Y: 1, Z: 1.5})
	vol.DataType = dt
	for z := 0; z < vol.Depth; z++ {
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				vol.Data[vol.Index(x, y, z)] = float32(x + 10*y + 100*z)
			}
		}
	}
	return vol
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		dt   int16
		ext  string
	}{
		{"int16 gz", DTInt16, ".nii.gz"},
		{"float32 plain", DTFloat32, ".nii"},
		{"int32 gz", DTInt32, ".nii.gz"},
		{"float64 plain", DTFloat64, ".nii"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "vol"+tc.ext)
			want := createTestVolume(tc.dt)
			require.NoError(t, Write(path, want))

			got, err := Read(path)
			require.NoError(t, err)
			assert.Equal(t, want.Shape(), got.Shape())
			assert.Equal(t, tc.dt, got.DataType)
			assert.InDelta(t, 1.5, got.VoxelSize.Z, 1e-6)
			assert.Equal(t, want.Data, got.Data)
		})
	}
}

func TestLabelsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.nii.gz")
	lv := models.NewLabelVolume(4, 4, 2, models.Spacing{X: 1, Y: 1, Z: 1})
	lv.Data[3] = 1
	lv.Data[17] = 3

	require.NoError(t, WriteLabels(path, lv))
	got, err := ReadLabels(path)
	require.NoError(t, err)
	assert.Equal(t, lv.Data, got.Data)
	assert.True(t, lv.SameGrid(got))
}

// TestWriteDeterministic checks that writing the same labels twice yields
// identical bytes, compressed or not
func TestWriteDeterministic(t *testing.T) {
	dir := t.TempDir()
	lv := models.NewLabelVolume(8, 8, 8, models.Spacing{X: 1, Y: 1, Z: 1})
	for i := range lv.Data {
		lv.Data[i] = uint8(i % 4)
	}

	a := filepath.Join(dir, "a.nii.gz")
	b := filepath.Join(dir, "b.nii.gz")
	require.NoError(t, WriteLabels(a, lv))
	require.NoError(t, WriteLabels(b, lv))

	da, err := os.ReadFile(a)
	require.NoError(t, err)
	db, err := os.ReadFile(b)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(da, db))
}

func TestReadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.nii")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{7}, 400), 0644))

	_, err := Read(path)
	assert.ErrorIs(t, err, ErrNotNifti)
}

func TestReadScaling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scaled.nii")
	vol := createTestVolume(DTInt16)
	require.NoError(t, Write(path, vol))

	// patch scl_slope (offset 112) and scl_inter (offset 116)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	copy(data[112:], []byte{0, 0, 0, 64})   // 2.0
	copy(data[116:], []byte{0, 0, 128, 63}) // 1.0
	require.NoError(t, os.WriteFile(path, data, 0644))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, float32(2*vol.Data[7]+1), got.Data[7])
}

func TestToLabelsRange(t *testing.T) {
	vol := models.NewVolume(2, 1, 1, models.Spacing{X: 1, Y: 1, Z: 1})
	vol.Data[0] = 4
	vol.Data[1] = 300
	_, err := ToLabels(vol)
	assert.Error(t, err)
}
