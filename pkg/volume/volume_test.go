package volume

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"footseg/internal/models"
)

func writeGraySlice(t *testing.T, path string, w, h int, level uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: level})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

func TestSliceDirSource(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "foot_ct")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}
	// lexical order differs from numeric order on purpose
	writeGraySlice(t, filepath.Join(dir, "slice_10.png"), 4, 3, 255)
	writeGraySlice(t, filepath.Join(dir, "slice_2.png"), 4, 3, 0)
	writeGraySlice(t, filepath.Join(dir, "slice_1.png"), 4, 3, 51)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	src := &SliceDirSource{Dir: dir, PixelSpacing: 0.5, SliceGap: 2.5, Workers: 2}
	vol, err := src.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}

	if vol.Dims != (models.Dims{X: 4, Y: 3, Z: 3}) {
		t.Fatalf("dims = %s", vol.Dims)
	}
	if vol.Name != "foot_ct" {
		t.Errorf("name = %q", vol.Name)
	}
	if vol.Spacing != [3]float64{0.5, 0.5, 2.5} {
		t.Errorf("spacing = %v", vol.Spacing)
	}

	want := []float32{0.2, 0, 1}
	for z, w := range want {
		got := vol.Data[vol.Dims.Index(1, 1, z)]
		if math.Abs(float64(got-w)) > 1e-3 {
			t.Errorf("slice %d value = %v, want %v", z, got, w)
		}
	}
}

func TestSliceDirSourceErrors(t *testing.T) {
	empty := t.TempDir()
	if _, err := (&SliceDirSource{Dir: empty}).Sample(context.Background()); !errors.Is(err, models.ErrEmptyVolume) {
		t.Errorf("empty dir: got %v, want ErrEmptyVolume", err)
	}

	mixed := t.TempDir()
	writeGraySlice(t, filepath.Join(mixed, "1.png"), 4, 4, 10)
	writeGraySlice(t, filepath.Join(mixed, "2.png"), 5, 4, 10)
	if _, err := (&SliceDirSource{Dir: mixed}).Sample(context.Background()); err == nil {
		t.Error("expected an error for slices of different sizes")
	}
}

func TestExtractNumber(t *testing.T) {
	tests := map[string]int{
		"slice_001.png": 1,
		"IMG-0042.jpg":  42,
		"scan.tif":      0,
		"a1b2.png":      12,
		"/tmp/x/7.jpeg": 7,
	}
	for name, want := range tests {
		if got := extractNumber(name); got != want {
			t.Errorf("extractNumber(%q) = %d, want %d", name, got, want)
		}
	}
}

func testMask(g models.Geometry) *models.Mask {
	dims := models.Dims{X: 5, Y: 4, Z: 3}
	m := &models.Mask{Labels: make([]uint8, dims.Len()), Dims: dims, Geometry: g}
	for i := range m.Labels {
		m.Labels[i] = uint8(i % 3)
	}
	return m
}

func sameGeometry(t *testing.T, got, want models.Geometry) {
	t.Helper()
	for i := 0; i < 3; i++ {
		if math.Abs(got.Spacing[i]-want.Spacing[i]) > 1e-5 {
			t.Errorf("spacing = %v, want %v", got.Spacing, want.Spacing)
		}
		if math.Abs(got.Origin[i]-want.Origin[i]) > 1e-4 {
			t.Errorf("origin = %v, want %v", got.Origin, want.Origin)
		}
	}
	for i := range got.Direction {
		if math.Abs(got.Direction[i]-want.Direction[i]) > 1e-5 {
			t.Fatalf("direction = %v, want %v", got.Direction, want.Direction)
		}
	}
}

func TestLabelMapRoundTrip(t *testing.T) {
	geometries := map[string]models.Geometry{
		"identity": models.DefaultGeometry(),
		"rotated": {
			Spacing:   [3]float64{0.5, 0.7, 2},
			Origin:    [3]float64{-10, 20.5, 3},
			Direction: [9]float64{-1, 0, 0, 0, -1, 0, 0, 0, 1},
		},
		"left-handed": {
			Spacing:   [3]float64{1, 1, 3},
			Origin:    [3]float64{0, 0, 0},
			Direction: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, -1},
		},
	}

	for name, g := range geometries {
		t.Run(name, func(t *testing.T) {
			mask := testMask(g)
			path := filepath.Join(t.TempDir(), "labels.nii.gz")
			f, err := os.Create(path)
			if err != nil {
				t.Fatal(err)
			}
			if err := WriteLabelMap(f, mask, "test", IsCompressed(path)); err != nil {
				t.Fatalf("WriteLabelMap: %v", err)
			}
			if err := f.Close(); err != nil {
				t.Fatal(err)
			}

			vol, err := (&NiftiSource{Path: path}).Sample(context.Background())
			if err != nil {
				t.Fatalf("Sample: %v", err)
			}
			if vol.Name != "labels" {
				t.Errorf("name = %q", vol.Name)
			}
			if vol.Dims != mask.Dims {
				t.Fatalf("dims = %s, want %s", vol.Dims, mask.Dims)
			}
			for i, l := range mask.Labels {
				if vol.Data[i] != float32(l) {
					t.Fatalf("voxel %d = %v, want %d", i, vol.Data[i], l)
				}
			}
			sameGeometry(t, vol.Geometry, g)
		})
	}
}

func TestReadLabelMap(t *testing.T) {
	mask := testMask(models.DefaultGeometry())
	path := filepath.Join(t.TempDir(), "labels.nii")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteLabelMap(f, mask, "test", IsCompressed(path)); err != nil {
		t.Fatal(err)
	}
	f.Close()

	got, err := ReadLabelMap(path)
	if err != nil {
		t.Fatalf("ReadLabelMap: %v", err)
	}
	if !bytes.Equal(got.Labels, mask.Labels) {
		t.Errorf("labels = %v, want %v", got.Labels, mask.Labels)
	}
	if got.Dims != mask.Dims {
		t.Errorf("dims = %s, want %s", got.Dims, mask.Dims)
	}
}

func TestNameOf(t *testing.T) {
	tests := map[string]string{
		"/data/foot.nii.gz": "foot",
		"scan.NII":          "scan",
		"/data/slices/":     "slices",
		"relative/dir":      "dir",
		"volume.v2.nii.gz":  "volume.v2",
		"notes.txt":         "notes.txt",
	}
	for path, want := range tests {
		if got := NameOf(path); got != want {
			t.Errorf("NameOf(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestQformFallback(t *testing.T) {
	g := models.Geometry{
		Spacing:   [3]float64{0.8, 0.8, 1.5},
		Origin:    [3]float64{1, 2, 3},
		Direction: [9]float64{-1, 0, 0, 0, -1, 0, 0, 0, 1},
	}
	var buf bytes.Buffer
	if err := EncodeLabelMap(&buf, testMask(g), ""); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	// clear sform_code so the decoder has to use the quaternion
	binary.LittleEndian.PutUint16(raw[254:], 0)

	vol, err := DecodeNifti(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("DecodeNifti: %v", err)
	}
	sameGeometry(t, vol.Geometry, g)
}

func TestDecodeBigEndianScaled(t *testing.T) {
	hdr := niftiHeader{
		SizeofHdr: niftiHeaderSize,
		Dim:       [8]int16{3, 2, 2, 1, 1, 1, 1, 1},
		Datatype:  niftiInt16,
		Bitpix:    16,
		Pixdim:    [8]float32{1, 0.5, 0.5, 4},
		VoxOffset: niftiVoxOffset,
		SclSlope:  2,
		SclInter:  -1,
	}
	copy(hdr.Magic[:], "n+1\x00")

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, &hdr); err != nil {
		t.Fatal(err)
	}
	buf.Write([]byte{0, 0, 0, 0})
	if err := binary.Write(&buf, binary.BigEndian, []int16{-3, 0, 5, 100}); err != nil {
		t.Fatal(err)
	}

	vol, err := DecodeNifti(&buf)
	if err != nil {
		t.Fatalf("DecodeNifti: %v", err)
	}
	want := []float32{-7, -1, 9, 199}
	for i, w := range want {
		if vol.Data[i] != w {
			t.Errorf("voxel %d = %v, want %v", i, vol.Data[i], w)
		}
	}
	if vol.Spacing != [3]float64{0.5, 0.5, 4} {
		t.Errorf("spacing = %v", vol.Spacing)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := DecodeNifti(bytes.NewReader(make([]byte, 400))); !errors.Is(err, ErrNotNifti) {
		t.Errorf("got %v, want ErrNotNifti", err)
	}
	if _, err := DecodeNifti(bytes.NewReader([]byte("short"))); !errors.Is(err, ErrNotNifti) {
		t.Errorf("got %v, want ErrNotNifti", err)
	}
}

func truncatedHeader(dims [3]int16, voxels int) []byte {
	hdr := niftiHeader{
		SizeofHdr: niftiHeaderSize,
		Dim:       [8]int16{3, dims[0], dims[1], dims[2], 1, 1, 1, 1},
		Datatype:  niftiUint8,
		Bitpix:    8,
		Pixdim:    [8]float32{1, 1, 1, 1},
		VoxOffset: niftiVoxOffset,
	}
	copy(hdr.Magic[:], "n+1\x00")
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &hdr)
	buf.Write([]byte{0, 0, 0, 0})
	buf.Write(make([]byte, voxels))
	return buf.Bytes()
}

func TestDecodeTruncatedVoxels(t *testing.T) {
	// a 1 GiB claim backed by 16 bytes fails without allocating the claim
	_, err := DecodeNifti(bytes.NewReader(truncatedHeader([3]int16{32767, 32767, 1}, 16)))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("got %v, want unexpected EOF", err)
	}

	_, err = DecodeNifti(bytes.NewReader(truncatedHeader([3]int16{4, 4, 4}, 63)))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("got %v, want unexpected EOF", err)
	}

	vol, err := DecodeNifti(bytes.NewReader(truncatedHeader([3]int16{4, 4, 4}, 64)))
	if err != nil {
		t.Fatalf("DecodeNifti: %v", err)
	}
	if len(vol.Data) != 64 {
		t.Errorf("decoded %d voxels, want 64", len(vol.Data))
	}
}

func TestDecodeRejectsOversizedDims(t *testing.T) {
	_, err := DecodeNifti(bytes.NewReader(truncatedHeader([3]int16{32767, 32767, 32767}, 16)))
	if !errors.Is(err, ErrNotNifti) {
		t.Errorf("got %v, want ErrNotNifti", err)
	}
}

func TestEncodeRejectsWideMask(t *testing.T) {
	dims := models.Dims{X: 40000, Y: 1, Z: 1}
	m := &models.Mask{Labels: make([]uint8, dims.Len()), Dims: dims, Geometry: models.DefaultGeometry()}
	var buf bytes.Buffer
	if err := EncodeLabelMap(&buf, m, ""); err == nil {
		t.Fatal("expected an error for dims above 32767")
	}
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes of a corrupt header", buf.Len())
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	src, err := Open(dir, SliceOptions{SliceGap: 3})
	if err != nil {
		t.Fatal(err)
	}
	if s, ok := src.(*SliceDirSource); !ok || s.SliceGap != 3 {
		t.Errorf("directory opened as %T", src)
	}

	nii := filepath.Join(dir, "scan.NII.GZ")
	if err := os.WriteFile(nii, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if src, err := Open(nii, SliceOptions{}); err != nil {
		t.Fatal(err)
	} else if _, ok := src.(*NiftiSource); !ok {
		t.Errorf("nifti opened as %T", src)
	}

	txt := filepath.Join(dir, "scan.txt")
	if err := os.WriteFile(txt, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(txt, SliceOptions{}); err == nil {
		t.Error("expected an error for an unknown extension")
	}
	if _, err := Open(filepath.Join(dir, "missing.nii"), SliceOptions{}); err == nil {
		t.Error("expected an error for a missing path")
	}
}

func TestFromArray(t *testing.T) {
	dims := models.Dims{X: 2, Y: 2, Z: 2}
	vol, err := FromArray("phantom", make([]float32, 8), dims, [3]float64{1, 1, 2})
	if err != nil {
		t.Fatal(err)
	}
	got, err := ArraySource{Volume: vol}.Sample(context.Background())
	if err != nil || got != vol {
		t.Fatalf("ArraySource.Sample = %v, %v", got, err)
	}

	if _, err := FromArray("bad", make([]float32, 7), dims, [3]float64{1, 1, 1}); !errors.Is(err, models.ErrEmptyVolume) {
		t.Errorf("length mismatch: got %v", err)
	}
	if _, err := FromArray("bad", make([]float32, 8), dims, [3]float64{1, 0, 1}); !errors.Is(err, models.ErrEmptyVolume) {
		t.Errorf("zero spacing: got %v", err)
	}
}

func TestPhysical(t *testing.T) {
	g := models.Geometry{
		Spacing:   [3]float64{0.5, 2, 3},
		Origin:    [3]float64{10, 0, -5},
		Direction: [9]float64{-1, 0, 0, 0, 1, 0, 0, 0, 1},
	}
	p := Physical(g, 2, 1, 1)
	want := [3]float64{9, 2, -2}
	for i := range p {
		if math.Abs(p[i]-want[i]) > 1e-12 {
			t.Fatalf("Physical = %v, want %v", p, want)
		}
	}
	sameGeometry(t, GeometryFromAffine(Affine(g)), g)
}
