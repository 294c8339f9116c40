// Package mif provides reading and writing of MRtrix-style image (.mif) and
// track (.tck) containers. Both formats consist of a plain-text header
// followed by a little-endian binary payload within the same file.
//
// Only the subset of the format consumed by the fixel analysis pipeline is
// supported: Float32LE and UInt32LE datatypes, and the default
// first-axis-fastest memory layout.
package mif

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"fixelcfe/internal/models"
)

const imageMagic = "mrtrix image"

// Supported datatype identifiers.
const (
	Float32LE = "Float32LE"
	UInt32LE  = "UInt32LE"
)

// Image is an n-dimensional image with a voxel-to-scanner transform and
// arbitrary key-value metadata.
type Image struct {
	// Dim holds the image dimensions, first axis fastest in memory.
	Dim []int

	// Vox holds the voxel size along each spatial axis in mm.
	Vox []float64

	// Datatype is either Float32LE or UInt32LE.
	Datatype string

	// Transform holds the three rows of the voxel-to-scanner affine:
	// scanner = R * diag(vox) * voxel + t, with Transform = [R | t].
	Transform [3][4]float64

	// Keyval holds additional header metadata, preserved on write.
	Keyval map[string]string

	// Float holds the payload when Datatype is Float32LE.
	Float []float32

	// Uint holds the payload when Datatype is UInt32LE.
	Uint []uint32
}

var identityTransform = [3][4]float64{
	{1, 0, 0, 0},
	{0, 1, 0, 0},
	{0, 0, 1, 0},
}

// NewFloatImage creates a zero-filled Float32LE image with the given
// dimensions, unit voxel sizes and an identity transform.
func NewFloatImage(dim []int) *Image {
	im := newImage(dim)
	im.Datatype = Float32LE
	im.Float = make([]float32, im.NumElements())
	return im
}

// NewUintImage creates a zero-filled UInt32LE image with the given
// dimensions, unit voxel sizes and an identity transform.
func NewUintImage(dim []int) *Image {
	im := newImage(dim)
	im.Datatype = UInt32LE
	im.Uint = make([]uint32, im.NumElements())
	return im
}

func newImage(dim []int) *Image {
	im := &Image{
		Dim:       append([]int(nil), dim...),
		Vox:       make([]float64, len(dim)),
		Transform: identityTransform,
		Keyval:    make(map[string]string),
	}
	for i := range im.Vox {
		im.Vox[i] = 1.0
	}
	return im
}

// NumElements returns the total number of values in the image.
func (im *Image) NumElements() int {
	n := 1
	for _, d := range im.Dim {
		n *= d
	}
	return n
}

// Offset returns the flattened payload index of the given voxel coordinate,
// first axis fastest.
func (im *Image) Offset(idx ...int) int {
	if len(idx) != len(im.Dim) {
		panic(fmt.Sprintf("mif: coordinate has %d axes, image has %d", len(idx), len(im.Dim)))
	}
	off := 0
	stride := 1
	for axis, i := range idx {
		off += i * stride
		stride *= im.Dim[axis]
	}
	return off
}

// ReadImage reads a .mif image from disk.
func ReadImage(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image %q: %w: %v", path, models.ErrFileIO, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	magic, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading image %q: %w: %v", path, models.ErrFileIO, err)
	}
	if strings.TrimSpace(magic) != imageMagic {
		return nil, fmt.Errorf("%q is not a mif image: %w", path, models.ErrInputInvalid)
	}

	im := &Image{Keyval: make(map[string]string), Transform: identityTransform}
	var dataOffset int64 = -1
	transformRow := 0

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("image %q: header truncated: %w", path, models.ErrInputInvalid)
		}
		line = strings.TrimRight(line, "\n")
		if line == "END" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("image %q: malformed header line %q: %w", path, line, models.ErrInputInvalid)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "dim":
			im.Dim, err = parseInts(value)
		case "vox":
			im.Vox, err = parseFloats(value)
		case "layout":
			// Only the default first-axis-fastest layout is produced by this
			// package; anything else is rejected on read.
			if err := checkDefaultLayout(value); err != nil {
				return nil, fmt.Errorf("image %q: %w", path, err)
			}
		case "datatype":
			if value != Float32LE && value != UInt32LE {
				return nil, fmt.Errorf("image %q: unsupported datatype %q: %w", path, value, models.ErrInputInvalid)
			}
			im.Datatype = value
		case "transform":
			var row []float64
			row, err = parseFloats(value)
			if err == nil && len(row) != 4 {
				err = fmt.Errorf("expected 4 values, got %d", len(row))
			}
			if err == nil {
				if transformRow > 2 {
					err = fmt.Errorf("more than 3 transform rows")
				} else {
					copy(im.Transform[transformRow][:], row)
					transformRow++
				}
			}
		case "file":
			fields := strings.Fields(value)
			if len(fields) != 2 || fields[0] != "." {
				return nil, fmt.Errorf("image %q: unsupported file specification %q: %w", path, value, models.ErrInputInvalid)
			}
			dataOffset, err = strconv.ParseInt(fields[1], 10, 64)
		default:
			im.Keyval[key] = value
		}
		if err != nil {
			return nil, fmt.Errorf("image %q: invalid header field %q: %w", path, key, models.ErrInputInvalid)
		}
	}

	if len(im.Dim) == 0 || im.Datatype == "" || dataOffset < 0 {
		return nil, fmt.Errorf("image %q: incomplete header: %w", path, models.ErrInputInvalid)
	}
	if len(im.Vox) == 0 {
		im.Vox = make([]float64, len(im.Dim))
		for i := range im.Vox {
			im.Vox[i] = 1.0
		}
	}

	if _, err := f.Seek(dataOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("image %q: %w: %v", path, models.ErrFileIO, err)
	}
	data := bufio.NewReader(f)
	n := im.NumElements()
	switch im.Datatype {
	case Float32LE:
		im.Float = make([]float32, n)
		err = binary.Read(data, binary.LittleEndian, im.Float)
	case UInt32LE:
		im.Uint = make([]uint32, n)
		err = binary.Read(data, binary.LittleEndian, im.Uint)
	}
	if err != nil {
		return nil, fmt.Errorf("image %q: reading payload: %w: %v", path, models.ErrFileIO, err)
	}
	return im, nil
}

// Write writes the image to disk as a .mif file.
func (im *Image) Write(path string) error {
	var b strings.Builder
	b.WriteString(imageMagic + "\n")
	b.WriteString("dim: " + joinInts(im.Dim) + "\n")
	b.WriteString("vox: " + joinFloats(im.Vox) + "\n")
	b.WriteString("layout: " + defaultLayout(len(im.Dim)) + "\n")
	b.WriteString("datatype: " + im.Datatype + "\n")
	for row := 0; row < 3; row++ {
		b.WriteString("transform: " + joinFloats(im.Transform[row][:]) + "\n")
	}
	// Sorted for deterministic output.
	keys := make([]string, 0, len(im.Keyval))
	for k := range im.Keyval {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k + ": " + im.Keyval[k] + "\n")
	}

	header := b.String()
	offset := resolveOffset(len(header))

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating image %q: %w: %v", path, models.ErrFileIO, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%sfile: . %d\nEND\n", header, offset)
	pad := offset - headerLength(len(header), offset)
	for i := 0; i < pad; i++ {
		w.WriteByte('\n')
	}
	switch im.Datatype {
	case Float32LE:
		err = binary.Write(w, binary.LittleEndian, im.Float)
	case UInt32LE:
		err = binary.Write(w, binary.LittleEndian, im.Uint)
	default:
		return fmt.Errorf("image %q: unsupported datatype %q: %w", path, im.Datatype, models.ErrInputInvalid)
	}
	if err != nil {
		return fmt.Errorf("writing image %q: %w: %v", path, models.ErrFileIO, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing image %q: %w: %v", path, models.ErrFileIO, err)
	}
	return nil
}

// headerLength is the byte length of the header once the file line and END
// marker are appended for a candidate offset.
func headerLength(base int, offset int) int {
	return base + len("file: . \nEND\n") + len(strconv.Itoa(offset))
}

// resolveOffset finds the smallest payload offset consistent with the header
// that announces it (the offset's own digits are part of the header).
func resolveOffset(base int) int {
	offset := headerLength(base, 0)
	for headerLength(base, offset) > offset {
		offset = headerLength(base, offset)
	}
	return offset
}

func checkDefaultLayout(value string) error {
	parts := strings.Split(value, ",")
	for i, p := range parts {
		if strings.TrimSpace(p) != "+"+strconv.Itoa(i) {
			return fmt.Errorf("unsupported layout %q: %w", value, models.ErrInputInvalid)
		}
	}
	return nil
}

func defaultLayout(ndim int) string {
	parts := make([]string, ndim)
	for i := range parts {
		parts[i] = "+" + strconv.Itoa(i)
	}
	return strings.Join(parts, ",")
}

func parseInts(s string) ([]int, error) {
	fields := strings.Split(s, ",")
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Split(s, ",")
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}

func joinFloats(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

// VoxelToScanner maps an integer voxel coordinate to scanner space (mm).
func (im *Image) VoxelToScanner(x, y, z int) [3]float64 {
	v := [3]float64{float64(x) * im.Vox[0], float64(y) * im.Vox[1], float64(z) * im.Vox[2]}
	var out [3]float64
	for r := 0; r < 3; r++ {
		out[r] = im.Transform[r][0]*v[0] + im.Transform[r][1]*v[1] + im.Transform[r][2]*v[2] + im.Transform[r][3]
	}
	return out
}

// ScannerToVoxel maps a scanner-space position to a continuous voxel
// coordinate. Only rigid transforms with orthonormal rotation parts are
// supported, which holds for every image this pipeline produces or consumes.
func (im *Image) ScannerToVoxel(p [3]float64) [3]float64 {
	var d [3]float64
	for r := 0; r < 3; r++ {
		d[r] = p[r] - im.Transform[r][3]
	}
	var out [3]float64
	for c := 0; c < 3; c++ {
		// Transpose of the rotation part inverts it.
		out[c] = (im.Transform[0][c]*d[0] + im.Transform[1][c]*d[1] + im.Transform[2][c]*d[2]) / im.Vox[c]
	}
	return out
}

// IsFiniteTriplet reports whether all three components are finite.
func IsFiniteTriplet(p [3]float32) bool {
	for _, v := range p {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}
