package volume

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"footseg/internal/models"
)

// NIfTI-1 datatype codes
const (
	niftiUint8   = 2
	niftiInt16   = 4
	niftiInt32   = 8
	niftiFloat32 = 16
	niftiFloat64 = 64
	niftiInt8    = 256
	niftiUint16  = 512
	niftiUint32  = 768
)

const (
	niftiHeaderSize = 348
	niftiVoxOffset  = 352

	// maxVoxelBytes bounds the voxel block of a decoded volume
	maxVoxelBytes = 8 << 30
)

// ErrNotNifti is returned for files without a NIfTI-1 single-file header.
var ErrNotNifti = errors.New("not a NIfTI-1 file")

// niftiHeader is the 348 byte NIfTI-1 header
type niftiHeader struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
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
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QOffsetX      float32
	QOffsetY      float32
	QOffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// NiftiSource loads a single-file NIfTI-1 volume (.nii or .nii.gz).
type NiftiSource struct {
	Path string
}

// Sample reads and decodes the file.
func (s *NiftiSource) Sample(ctx context.Context) (*models.Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vol, err := DecodeNifti(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.Path, err)
	}
	vol.Name = NameOf(s.Path)
	return vol, nil
}

// ReadLabelMap reads a NIfTI-1 label map. Every sample must be an integer
// label in [0, 255].
func ReadLabelMap(path string) (*models.Mask, error) {
	vol, err := (&NiftiSource{Path: path}).Sample(context.Background())
	if err != nil {
		return nil, err
	}
	m := &models.Mask{
		Labels:   make([]uint8, len(vol.Data)),
		Dims:     vol.Dims,
		Geometry: vol.Geometry,
	}
	for i, v := range vol.Data {
		if v < 0 || v > 255 || v != float32(math.Trunc(float64(v))) {
			return nil, fmt.Errorf("%s: voxel %d holds %v, not a label", path, i, v)
		}
		m.Labels[i] = uint8(v)
	}
	return m, nil
}

// DecodeNifti reads a NIfTI-1 volume from r, transparently inflating gzip
// streams. Only the first 3D volume of 4D files is read.
func DecodeNifti(r io.Reader) (*models.Volume, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		br = bufio.NewReader(zr)
	}

	raw := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrNotNifti, err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw)) != niftiHeaderSize {
		if int32(binary.BigEndian.Uint32(raw)) != niftiHeaderSize {
			return nil, fmt.Errorf("%w: bad header size", ErrNotNifti)
		}
		order = binary.BigEndian
	}

	var hdr niftiHeader
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, err
	}
	if string(hdr.Magic[:3]) != "n+1" {
		return nil, fmt.Errorf("%w: magic %q (detached .hdr/.img pairs are not supported)", ErrNotNifti, hdr.Magic[:3])
	}

	ndim := int(hdr.Dim[0])
	if ndim < 3 || ndim > 7 {
		return nil, fmt.Errorf("%w: %d dimensions", models.ErrEmptyVolume, ndim)
	}
	dims := models.Dims{X: int(hdr.Dim[1]), Y: int(hdr.Dim[2]), Z: int(hdr.Dim[3])}
	if !dims.Positive() {
		return nil, fmt.Errorf("%w: dims %s", models.ErrEmptyVolume, dims)
	}

	width, err := datatypeWidth(hdr.Datatype)
	if err != nil {
		return nil, err
	}

	skip := int64(hdr.VoxOffset) - niftiHeaderSize
	if skip < 0 {
		skip = niftiVoxOffset - niftiHeaderSize
	}
	if _, err := io.CopyN(io.Discard, br, skip); err != nil {
		return nil, fmt.Errorf("skip extensions: %w", err)
	}

	// the header is untrusted: grow the buffer with the data actually read
	// instead of allocating what the dims claim
	size := int64(dims.Len()) * int64(width)
	if size > maxVoxelBytes {
		return nil, fmt.Errorf("%w: dims %s need %d bytes of voxel data", ErrNotNifti, dims, size)
	}
	var voxels bytes.Buffer
	n, err := io.Copy(&voxels, io.LimitReader(br, size))
	if err != nil {
		return nil, fmt.Errorf("read voxels: %w", err)
	}
	if n < size {
		return nil, fmt.Errorf("read voxels: %w", io.ErrUnexpectedEOF)
	}
	buf := voxels.Bytes()

	data := make([]float32, dims.Len())
	decodeSamples(buf, data, hdr.Datatype, order)

	slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)
	if slope != 0 && !math.IsNaN(slope) && (slope != 1 || inter != 0) {
		for i, v := range data {
			data[i] = float32(float64(v)*slope + inter)
		}
	}

	return &models.Volume{
		Data:     data,
		Dims:     dims,
		Geometry: headerGeometry(&hdr),
	}, nil
}

func datatypeWidth(code int16) (int, error) {
	switch code {
	case niftiUint8, niftiInt8:
		return 1, nil
	case niftiInt16, niftiUint16:
		return 2, nil
	case niftiInt32, niftiUint32, niftiFloat32:
		return 4, nil
	case niftiFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported NIfTI datatype %d", code)
	}
}

func decodeSamples(buf []byte, dst []float32, code int16, order binary.ByteOrder) {
	for i := range dst {
		switch code {
		case niftiUint8:
			dst[i] = float32(buf[i])
		case niftiInt8:
			dst[i] = float32(int8(buf[i]))
		case niftiInt16:
			dst[i] = float32(int16(order.Uint16(buf[2*i:])))
		case niftiUint16:
			dst[i] = float32(order.Uint16(buf[2*i:]))
		case niftiInt32:
			dst[i] = float32(int32(order.Uint32(buf[4*i:])))
		case niftiUint32:
			dst[i] = float32(order.Uint32(buf[4*i:]))
		case niftiFloat32:
			dst[i] = math.Float32frombits(order.Uint32(buf[4*i:]))
		case niftiFloat64:
			dst[i] = float32(math.Float64frombits(order.Uint64(buf[8*i:])))
		}
	}
}

// headerGeometry prefers the sform, then the qform, then bare pixdim.
func headerGeometry(hdr *niftiHeader) models.Geometry {
	spacing := [3]float64{
		math.Abs(float64(hdr.Pixdim[1])),
		math.Abs(float64(hdr.Pixdim[2])),
		math.Abs(float64(hdr.Pixdim[3])),
	}
	for i, s := range spacing {
		if s == 0 || math.IsNaN(s) {
			spacing[i] = 1
		}
	}

	switch {
	case hdr.SformCode > 0:
		a := Affine(models.DefaultGeometry())
		rows := [3][4]float32{hdr.SrowX, hdr.SrowY, hdr.SrowZ}
		for r := 0; r < 3; r++ {
			for c := 0; c < 4; c++ {
				a.Set(r, c, float64(rows[r][c]))
			}
		}
		return GeometryFromAffine(a)

	case hdr.QformCode > 0:
		return models.Geometry{
			Spacing:   spacing,
			Origin:    [3]float64{float64(hdr.QOffsetX), float64(hdr.QOffsetY), float64(hdr.QOffsetZ)},
			Direction: quaternToDirection(float64(hdr.QuaternB), float64(hdr.QuaternC), float64(hdr.QuaternD), float64(hdr.Pixdim[0])),
		}

	default:
		g := models.DefaultGeometry()
		g.Spacing = spacing
		return g
	}
}

// EncodeLabelMap writes m as an uncompressed uint8 NIfTI-1 volume with both
// sform and qform set from the mask geometry.
func EncodeLabelMap(w io.Writer, m *models.Mask, description string) error {
	hdr := niftiHeader{
		SizeofHdr: niftiHeaderSize,
		Regular:   'r',
		Datatype:  niftiUint8,
		Bitpix:    8,
		VoxOffset: niftiVoxOffset,
		SclSlope:  1,
		XYZTUnits: 2, // mm
		CalMin:    0,
		QformCode: 1,
		SformCode: 1,
	}
	if m.Dims.X > math.MaxInt16 || m.Dims.Y > math.MaxInt16 || m.Dims.Z > math.MaxInt16 {
		return fmt.Errorf("label map dims %s exceed the NIfTI-1 limit of %d voxels per axis", m.Dims, math.MaxInt16)
	}
	hdr.Dim = [8]int16{3, int16(m.Dims.X), int16(m.Dims.Y), int16(m.Dims.Z), 1, 1, 1, 1}

	var maxLabel uint8
	for _, l := range m.Labels {
		maxLabel = max(maxLabel, l)
	}
	hdr.CalMax = float32(maxLabel)

	b, c, d, qfac := directionToQuatern(m.Geometry)
	hdr.Pixdim = [8]float32{float32(qfac), float32(m.Spacing[0]), float32(m.Spacing[1]), float32(m.Spacing[2]), 1, 1, 1, 1}
	hdr.QuaternB, hdr.QuaternC, hdr.QuaternD = float32(b), float32(c), float32(d)
	hdr.QOffsetX, hdr.QOffsetY, hdr.QOffsetZ = float32(m.Origin[0]), float32(m.Origin[1]), float32(m.Origin[2])

	a := Affine(m.Geometry)
	for col := 0; col < 4; col++ {
		hdr.SrowX[col] = float32(a.At(0, col))
		hdr.SrowY[col] = float32(a.At(1, col))
		hdr.SrowZ[col] = float32(a.At(2, col))
	}
	copy(hdr.Descrip[:], description)
	copy(hdr.IntentName[:], "labels")
	copy(hdr.Magic[:], "n+1\x00")

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	// empty extension block
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	_, err := w.Write(m.Labels)
	return err
}

// IsCompressed reports whether path names a gzip-compressed NIfTI file.
func IsCompressed(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

// WriteLabelMap encodes m to w, gzip-compressed when compress is set.
func WriteLabelMap(w io.Writer, m *models.Mask, description string, compress bool) error {
	if !compress {
		bw := bufio.NewWriter(w)
		if err := EncodeLabelMap(bw, m, description); err != nil {
			return err
		}
		return bw.Flush()
	}

	zw := gzip.NewWriter(w)
	if err := EncodeLabelMap(zw, m, description); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
