package safetensors

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segbench/internal/models"
)

func sampleTensors() map[string]*models.Tensor {
	input := models.NewTensor(2, 2, 2, 2)
	for i := range input.Data {
		input.Data[i] = float32(i) * 0.25
	}
	bias := &models.Tensor{Shape: []int{3}, Data: []float32{-1, 0, 1}}
	return map[string]*models.Tensor{"input": input, "conv.bias": bias}
}

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "case.safetensors")
	meta := map[string]string{"case_id": "BraTS_001"}

	require.NoError(t, Write(path, sampleTensors(), meta))

	f, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"conv.bias", "input"}, f.Names())
	assert.Equal(t, "BraTS_001", f.Metadata["case_id"])

	got, err := f.Tensor("input")
	require.NoError(t, err)
	if diff := cmp.Diff(sampleTensors()["input"], got); diff != "" {
		t.Errorf("input tensor mismatch (-want +got):\n%s", diff)
	}

	_, err = f.Tensor("missing")
	assert.ErrorIs(t, err, ErrUnknownTensor)
}

// TestEncodeDeterministic guarantees byte-identical files for identical
// tensors, which the runner relies on for idempotent outputs
func TestEncodeDeterministic(t *testing.T) {
	var a, b bytes.Buffer
	meta := map[string]string{"b": "2", "a": "1"}
	require.NoError(t, Encode(&a, sampleTensors(), meta))
	require.NoError(t, Encode(&b, sampleTensors(), meta))
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestParseInMemory(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sampleTensors(), nil))

	f, err := Parse(buf.Bytes())
	require.NoError(t, err)
	got, err := f.Tensor("conv.bias")
	require.NoError(t, err)
	if diff := cmp.Diff(sampleTensors()["conv.bias"], got); diff != "" {
		t.Errorf("bias tensor mismatch (-want +got):\n%s", diff)
	}

	_, err = Parse(buf.Bytes()[:buf.Len()-4])
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestReadMetadataOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.safetensors")
	require.NoError(t, Write(path, sampleTensors(), map[string]string{"backend": "reference"}))

	meta, err := ReadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"backend": "reference"}, meta)
}

func TestReadRejectsTruncatedData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunc.safetensors")
	require.NoError(t, Write(path, sampleTensors(), nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-8], 0644))

	_, err = Read(path)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestReadRejectsHugeHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huge.safetensors")
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, maxHeaderSize+1)
	require.NoError(t, os.WriteFile(path, buf, 0644))

	_, err := Read(path)
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestEncodeRejectsInvalidTensor(t *testing.T) {
	bad := map[string]*models.Tensor{"x": {Shape: []int{2, 2}, Data: []float32{1}}}
	var buf bytes.Buffer
	assert.Error(t, Encode(&buf, bad, nil))
}
