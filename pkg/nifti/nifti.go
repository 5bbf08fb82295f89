// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// gzip-compressed .nii.gz), the format BraTS scans are distributed in.
package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"segbench/internal/models"
	"segbench/pkg/artifact"
)

// NIfTI-1 datatype codes
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
)

const (
	headerSize = 348
	voxOffset  = 352
)

var (
	ErrNotNifti         = errors.New("nifti: not a NIfTI-1 file")
	ErrUnsupportedType  = errors.New("nifti: unsupported datatype")
	ErrUnsupportedShape = errors.New("nifti: only 3D volumes are supported")
)

// header mirrors the 348 byte NIfTI-1 header field by field
type header struct {
	SizeofHdr     int32
	DataTypeName  [10]byte
	DbName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

func bytesPerVoxel(dt int16) (int, error) {
	switch dt {
	case DTUint8:
		return 1, nil
	case DTInt16:
		return 2, nil
	case DTInt32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	}
	return 0, fmt.Errorf("%w %d", ErrUnsupportedType, dt)
}

func isGzip(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

// Read loads a 3D NIfTI-1 volume, applying scl_slope/scl_inter when set
func Read(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if isGzip(path) {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("nifti: %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	vol, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vol, nil
}

func decode(r io.Reader) (*models.Volume, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("nifti: read header: %w", err)
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw) == headerSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw) == headerSize:
		order = binary.BigEndian
	default:
		return nil, ErrNotNifti
	}

	var h header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("nifti: decode header: %w", err)
	}
	if h.Magic != [4]byte{'n', '+', '1', 0} {
		return nil, fmt.Errorf("%w: magic %q", ErrNotNifti, h.Magic[:3])
	}

	ndim := int(h.Dim[0])
	if ndim < 3 || ndim > 7 {
		return nil, ErrUnsupportedShape
	}
	for i := 4; i <= ndim; i++ {
		if h.Dim[i] > 1 {
			return nil, ErrUnsupportedShape
		}
	}
	width, height, depth := int(h.Dim[1]), int(h.Dim[2]), int(h.Dim[3])
	if width <= 0 || height <= 0 || depth <= 0 {
		return nil, fmt.Errorf("nifti: invalid dimensions %dx%dx%d", width, height, depth)
	}

	bpv, err := bytesPerVoxel(h.Datatype)
	if err != nil {
		return nil, err
	}

	skip := int64(h.VoxOffset) - headerSize
	if skip < 0 {
		return nil, fmt.Errorf("nifti: vox_offset %v inside header", h.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("nifti: skip extensions: %w", err)
	}

	n := width * height * depth
	buf := make([]byte, n*bpv)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("nifti: read voxels: %w", err)
	}

	vol := &models.Volume{
		Data:      make([]float32, n),
		Width:     width,
		Height:    height,
		Depth:     depth,
		VoxelSize: models.Spacing{X: float64(h.Pixdim[1]), Y: float64(h.Pixdim[2]), Z: float64(h.Pixdim[3])},
		DataType:  h.Datatype,
	}

	for i := 0; i < n; i++ {
		b := buf[i*bpv:]
		var v float64
		switch h.Datatype {
		case DTUint8:
			v = float64(b[0])
		case DTInt16:
			v = float64(int16(order.Uint16(b)))
		case DTInt32:
			v = float64(int32(order.Uint32(b)))
		case DTFloat32:
			v = float64(math.Float32frombits(order.Uint32(b)))
		case DTFloat64:
			v = math.Float64frombits(order.Uint64(b))
		}
		if h.SclSlope != 0 && !(h.SclSlope == 1 && h.SclInter == 0) {
			v = v*float64(h.SclSlope) + float64(h.SclInter)
		}
		vol.Data[i] = float32(v)
	}
	return vol, nil
}

// Write publishes vol atomically using its DataType (float32 when unset)
func Write(path string, vol *models.Volume) error {
	dt := vol.DataType
	if dt == 0 {
		dt = DTFloat32
	}
	if _, err := bytesPerVoxel(dt); err != nil {
		return err
	}
	return writeFile(path, vol.Width, vol.Height, vol.Depth, vol.VoxelSize, dt, func(w io.Writer) error {
		return encodeVoxels(w, vol.Data, dt)
	})
}

// WriteLabels publishes a uint8 label volume atomically
func WriteLabels(path string, vol *models.LabelVolume) error {
	return writeFile(path, vol.Width, vol.Height, vol.Depth, vol.VoxelSize, DTUint8, func(w io.Writer) error {
		_, err := w.Write(vol.Data)
		return err
	})
}

// ReadLabels loads a volume and rounds it to discrete labels
func ReadLabels(path string) (*models.LabelVolume, error) {
	vol, err := Read(path)
	if err != nil {
		return nil, err
	}
	return ToLabels(vol)
}

// ToLabels converts an integral volume into a label volume
func ToLabels(vol *models.Volume) (*models.LabelVolume, error) {
	lv := models.NewLabelVolume(vol.Width, vol.Height, vol.Depth, vol.VoxelSize)
	for i, v := range vol.Data {
		r := math.Round(float64(v))
		if r < 0 || r > 255 {
			return nil, fmt.Errorf("nifti: label value %v out of range at voxel %d", v, i)
		}
		lv.Data[i] = uint8(r)
	}
	return lv, nil
}

func writeFile(path string, width, height, depth int, spacing models.Spacing, dt int16, body func(io.Writer) error) error {
	h := newHeader(width, height, depth, spacing, dt)
	return artifact.WriteFileAtomic(path, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		var out io.Writer = bw
		var gz *gzip.Writer
		if isGzip(path) {
			// a zero ModTime keeps compressed bytes reproducible
			gz = gzip.NewWriter(bw)
			out = gz
		}

		if err := binary.Write(out, binary.LittleEndian, &h); err != nil {
			return fmt.Errorf("nifti: write header: %w", err)
		}
		if _, err := out.Write(make([]byte, voxOffset-headerSize)); err != nil {
			return fmt.Errorf("nifti: write extension: %w", err)
		}
		if err := body(out); err != nil {
			return fmt.Errorf("nifti: write voxels: %w", err)
		}
		if gz != nil {
			if err := gz.Close(); err != nil {
				return fmt.Errorf("nifti: close gzip: %w", err)
			}
		}
		return bw.Flush()
	})
}

func newHeader(width, height, depth int, spacing models.Spacing, dt int16) header {
	bpv, _ := bytesPerVoxel(dt)
	h := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  dt,
		Bitpix:    int16(bpv * 8),
		VoxOffset: voxOffset,
		SclSlope:  1,
		XyztUnits: 2, // mm
		QformCode: 0,
		SformCode: 1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, int16(width), int16(height), int16(depth), 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, float32(spacing.X), float32(spacing.Y), float32(spacing.Z), 0, 0, 0, 0}
	h.SrowX = [4]float32{float32(spacing.X), 0, 0, 0}
	h.SrowY = [4]float32{0, float32(spacing.Y), 0, 0}
	h.SrowZ = [4]float32{0, 0, float32(spacing.Z), 0}
	return h
}

func encodeVoxels(w io.Writer, data []float32, dt int16) error {
	bpv, _ := bytesPerVoxel(dt)
	buf := make([]byte, bpv)
	for _, v := range data {
		switch dt {
		case DTUint8:
			buf[0] = uint8(math.Round(float64(v)))
		case DTInt16:
			binary.LittleEndian.PutUint16(buf, uint16(int16(math.Round(float64(v)))))
		case DTInt32:
			binary.LittleEndian.PutUint32(buf, uint32(int32(math.Round(float64(v)))))
		case DTFloat32:
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		case DTFloat64:
			binary.LittleEndian.PutUint64(buf, math.Float64bits(float64(v)))
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}
