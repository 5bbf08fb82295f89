// Package safetensors reads and writes float32 tensors in the SafeTensors
// layout: an 8 byte little-endian header length, a JSON header, then the raw
// tensor bytes in header order.
package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"segbench/internal/models"
	"segbench/pkg/artifact"
)

const (
	metadataKey   = "__metadata__"
	maxHeaderSize = 100 << 20
	dtypeF32      = "F32"
)

var (
	ErrHeaderTooLarge = errors.New("safetensors: header exceeds maximum size")
	ErrOutOfBounds    = errors.New("safetensors: tensor extends beyond data section")
	ErrUnknownTensor  = errors.New("safetensors: unknown tensor")
)

// TensorInfo describes one tensor entry of the header
type TensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// File is a fully loaded SafeTensors file
type File struct {
	Metadata map[string]string
	infos    map[string]TensorInfo
	data     []byte
}

// Encode writes tensors in alphabetical order, so identical inputs always
// produce identical bytes
func Encode(w io.Writer, tensors map[string]*models.Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var offset int64
	for _, name := range names {
		t := tensors[name]
		if err := t.Validate(); err != nil {
			return fmt.Errorf("safetensors: tensor %s: %w", name, err)
		}
		shape := make([]int64, len(t.Shape))
		for i, d := range t.Shape {
			shape[i] = int64(d)
		}
		size := int64(len(t.Data) * 4)
		header[name] = TensorInfo{DType: dtypeF32, Shape: shape, DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("safetensors: marshal header: %w", err)
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("safetensors: write header size: %w", err)
	}
	if _, err := bw.Write(headerJSON); err != nil {
		return fmt.Errorf("safetensors: write header: %w", err)
	}

	buf := make([]byte, 4)
	for _, name := range names {
		for _, v := range tensors[name].Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := bw.Write(buf); err != nil {
				return fmt.Errorf("safetensors: write tensor %s: %w", name, err)
			}
		}
	}
	return bw.Flush()
}

// Write publishes a SafeTensors file atomically
func Write(path string, tensors map[string]*models.Tensor, metadata map[string]string) error {
	return artifact.WriteFileAtomic(path, func(w io.Writer) error {
		return Encode(w, tensors, metadata)
	})
}

// Read loads a complete SafeTensors file
func Read(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a SafeTensors file already held in memory. The returned File
// shares data.
func Parse(data []byte) (*File, error) {
	r := bytes.NewReader(data)
	infos, metadata, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	payload := data[len(data)-r.Len():]
	for name, info := range infos {
		if info.DataOffsets[0] < 0 || info.DataOffsets[1] < info.DataOffsets[0] || info.DataOffsets[1] > int64(len(payload)) {
			return nil, fmt.Errorf("tensor %q: %w", name, ErrOutOfBounds)
		}
	}

	return &File{Metadata: metadata, infos: infos, data: payload}, nil
}

// ReadMetadata loads only the header metadata of a file
func ReadMetadata(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	_, metadata, err := readHeader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return metadata, nil
}

func readHeader(r io.Reader) (map[string]TensorInfo, map[string]string, error) {
	var size uint64
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, nil, fmt.Errorf("safetensors: read header size: %w", err)
	}
	if size > maxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, fmt.Errorf("safetensors: read header: %w", err)
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	infos := make(map[string]TensorInfo, len(entries))
	metadata := map[string]string{}
	for name, msg := range entries {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &metadata); err != nil {
				return nil, nil, fmt.Errorf("safetensors: parse metadata: %w", err)
			}
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, nil, fmt.Errorf("safetensors: parse tensor %q: %w", name, err)
		}
		if info.DType != dtypeF32 {
			return nil, nil, fmt.Errorf("safetensors: tensor %q has unsupported dtype %s", name, info.DType)
		}
		infos[name] = info
	}
	return infos, metadata, nil
}

// Names returns the tensor names in alphabetical order
func (f *File) Names() []string {
	names := make([]string, 0, len(f.infos))
	for name := range f.infos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tensor decodes one tensor by name
func (f *File) Tensor(name string) (*models.Tensor, error) {
	info, ok := f.infos[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTensor, name)
	}

	shape := make([]int, len(info.Shape))
	n := 1
	for i, d := range info.Shape {
		shape[i] = int(d)
		n *= int(d)
	}
	raw := f.data[info.DataOffsets[0]:info.DataOffsets[1]]
	if len(raw) != n*4 {
		return nil, fmt.Errorf("safetensors: tensor %q: shape %v needs %d bytes, have %d", name, shape, n*4, len(raw))
	}

	t := &models.Tensor{Shape: shape, Data: make([]float32, n)}
	for i := range t.Data {
		t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return t, nil
}

// ReadTensor loads a single named tensor from path
func ReadTensor(path, name string) (*models.Tensor, map[string]string, error) {
	f, err := Read(path)
	if err != nil {
		return nil, nil, err
	}
	t, err := f.Tensor(name)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, f.Metadata, nil
}
