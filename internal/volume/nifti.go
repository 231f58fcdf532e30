package volume

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	niftiHeaderSize = 348
	niftiVoxOffset  = 352

	niftiIntentVector = 1007
	niftiUnitsMM      = 2
)

// ErrNotNIfTI is returned when a stream is not a single-file NIfTI-1 image.
var ErrNotNIfTI = errors.New("volume: not a NIfTI-1 stream")

// niftiHeader mirrors the 348 byte NIfTI-1 header.
type niftiHeader struct {
	SizeofHdr     int32
	DataType      [10]byte
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

var niftiCodes = map[int16]DataType{
	2:   Uint8,
	4:   Int16,
	8:   Int32,
	16:  Float32,
	64:  Float64,
	256: Int8,
	512: Uint16,
	768: Uint32,
}

func niftiCode(t DataType) int16 {
	for code, dt := range niftiCodes {
		if dt == t {
			return code
		}
	}
	return 16
}

// DecodeNIfTI reads a single-file (n+1) NIfTI-1 image. Vector images
// (dim[5] > 1) are converted to the interleaved component layout.
func DecodeNIfTI(r io.Reader) (*Image, error) {
	br := bufio.NewReader(r)
	raw := make([]byte, niftiHeaderSize)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotNIfTI, err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw)) != niftiHeaderSize {
		if int32(binary.BigEndian.Uint32(raw)) != niftiHeaderSize {
			return nil, ErrNotNIfTI
		}
		order = binary.BigEndian
	}
	var h niftiHeader
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("nifti header: %w", err)
	}
	if h.Magic != [4]byte{'n', '+', '1', 0} {
		return nil, fmt.Errorf("%w: magic %q (detached headers unsupported)", ErrNotNIfTI, h.Magic[:3])
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return nil, fmt.Errorf("nifti: dim[0]=%d out of range", h.Dim[0])
	}
	typ, ok := niftiCodes[h.Datatype]
	if !ok {
		return nil, fmt.Errorf("nifti: unsupported datatype %d", h.Datatype)
	}

	dim := func(i int) int {
		if i > int(h.Dim[0]) || h.Dim[i] < 1 {
			return 1
		}
		return int(h.Dim[i])
	}
	if dim(4) != 1 {
		return nil, fmt.Errorf("nifti: time series (dim[4]=%d) unsupported", dim(4))
	}
	shape := [3]int{dim(1), dim(2), dim(3)}
	spacing := [3]float64{float64(h.Pixdim[1]), float64(h.Pixdim[2]), float64(h.Pixdim[3])}
	comps := dim(5)

	offset := int(h.VoxOffset)
	if offset < niftiVoxOffset {
		offset = niftiVoxOffset
	}
	if _, err := br.Discard(offset - niftiHeaderSize); err != nil {
		return nil, fmt.Errorf("nifti: seek to data: %w", err)
	}

	im := New(shape, spacing, comps, typ)
	planar, err := readSamples(br, order, typ, len(im.Data))
	if err != nil {
		return nil, fmt.Errorf("nifti data: %w", err)
	}
	if comps == 1 {
		im.Data = planar
	} else {
		n := im.Voxels()
		for v := 0; v < n; v++ {
			for c := 0; c < comps; c++ {
				im.Data[v*comps+c] = planar[c*n+v]
			}
		}
	}

	if h.SclSlope != 0 && (h.SclSlope != 1 || h.SclInter != 0) {
		for i, v := range im.Data {
			im.Data[i] = v*float64(h.SclSlope) + float64(h.SclInter)
		}
		im.Type = Float32
	}
	return im, nil
}

// EncodeNIfTI writes im as a little-endian single-file NIfTI-1 image.
func EncodeNIfTI(w io.Writer, im *Image) error {
	if err := im.Validate(); err != nil {
		return err
	}
	h := niftiHeader{
		SizeofHdr: niftiHeaderSize,
		Regular:   'r',
		Datatype:  niftiCode(im.Type),
		Bitpix:    int16(im.Type.Bits()),
		VoxOffset: niftiVoxOffset,
		SclSlope:  1,
		XyztUnits: niftiUnitsMM,
		QformCode: 0,
		SformCode: 1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim[0] = 3
	if im.Components > 1 {
		h.Dim[0] = 5
		h.Dim[4] = 1
		h.Dim[5] = int16(im.Components)
		h.IntentCode = niftiIntentVector
	}
	for i := 0; i < 3; i++ {
		h.Dim[i+1] = int16(im.Shape[i])
		h.Pixdim[i+1] = float32(im.Spacing[i])
	}
	for i := 4; i < 8; i++ {
		if h.Dim[i] == 0 {
			h.Dim[i] = 1
		}
		h.Pixdim[i] = 1
	}
	h.Pixdim[0] = 1
	h.SrowX = [4]float32{float32(im.Spacing[0]), 0, 0, 0}
	h.SrowY = [4]float32{0, float32(im.Spacing[1]), 0, 0}
	h.SrowZ = [4]float32{0, 0, float32(im.Spacing[2]), 0}

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	// empty extension block
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	data := im.Data
	if im.Components > 1 {
		n := im.Voxels()
		data = make([]float64, len(im.Data))
		for v := 0; v < n; v++ {
			for c := 0; c < im.Components; c++ {
				data[c*n+v] = im.Data[v*im.Components+c]
			}
		}
	}
	return writeSamples(w, binary.LittleEndian, im.Type, data)
}
