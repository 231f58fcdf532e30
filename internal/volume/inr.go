package volume

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	inrMagic      = "#INRIMAGE-4#{"
	inrTerminator = "##}\n"
	inrBlock      = 256
)

// ErrNotINR is returned when a stream does not start with an INRIMAGE-4 header.
var ErrNotINR = errors.New("volume: not an INRIMAGE-4 stream")

// IsINR reports whether head starts with the INRIMAGE magic.
func IsINR(head []byte) bool {
	return bytes.HasPrefix(head, []byte("#INRIMAGE"))
}

// DecodeINR reads an INRIMAGE-4 image.
func DecodeINR(r io.Reader) (*Image, error) {
	br := bufio.NewReader(r)
	header := make([]byte, 0, inrBlock)
	block := make([]byte, inrBlock)
	for {
		if _, err := io.ReadFull(br, block); err != nil {
			if len(header) == 0 {
				return nil, fmt.Errorf("%w: %v", ErrNotINR, err)
			}
			return nil, fmt.Errorf("inr header: %w", err)
		}
		header = append(header, block...)
		if len(header) == inrBlock && !bytes.HasPrefix(header, []byte(inrMagic)) {
			return nil, ErrNotINR
		}
		if bytes.Contains(header, []byte(inrTerminator)) {
			break
		}
		if len(header) > 64*inrBlock {
			return nil, fmt.Errorf("inr header: terminator not found")
		}
	}

	fields := map[string]string{}
	for _, line := range strings.Split(string(header), "\n") {
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}

	atoi := func(key string, def int) (int, error) {
		s, ok := fields[key]
		if !ok {
			return def, nil
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("inr %s=%q: %w", key, s, err)
		}
		return v, nil
	}
	atof := func(key string) (float64, error) {
		s, ok := fields[key]
		if !ok {
			return 1, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("inr %s=%q: %w", key, s, err)
		}
		return v, nil
	}

	var shape [3]int
	var spacing [3]float64
	var err error
	for i, k := range []string{"XDIM", "YDIM", "ZDIM"} {
		if shape[i], err = atoi(k, 1); err != nil {
			return nil, err
		}
	}
	for i, k := range []string{"VX", "VY", "VZ"} {
		if spacing[i], err = atof(k); err != nil {
			return nil, err
		}
	}
	comps, err := atoi("VDIM", 1)
	if err != nil {
		return nil, err
	}

	pixsize := 0
	if s, ok := fields["PIXSIZE"]; ok {
		s = strings.TrimSpace(strings.TrimSuffix(s, "bits"))
		if pixsize, err = strconv.Atoi(s); err != nil {
			return nil, fmt.Errorf("inr PIXSIZE=%q: %w", fields["PIXSIZE"], err)
		}
	}
	typ, err := inrType(fields["TYPE"], pixsize)
	if err != nil {
		return nil, err
	}

	var order binary.ByteOrder = binary.LittleEndian
	switch strings.ToLower(fields["CPU"]) {
	case "sun", "sgi":
		order = binary.BigEndian
	}

	im := New(shape, spacing, comps, typ)
	data, err := readSamples(br, order, typ, len(im.Data))
	if err != nil {
		return nil, fmt.Errorf("inr data: %w", err)
	}
	im.Data = data
	return im, nil
}

func inrType(kind string, bits int) (DataType, error) {
	switch strings.ToLower(kind) {
	case "unsigned fixed":
		switch bits {
		case 8:
			return Uint8, nil
		case 16:
			return Uint16, nil
		case 32:
			return Uint32, nil
		}
	case "signed fixed":
		switch bits {
		case 8:
			return Int8, nil
		case 16:
			return Int16, nil
		case 32:
			return Int32, nil
		}
	case "float":
		switch bits {
		case 32:
			return Float32, nil
		case 64:
			return Float64, nil
		}
	}
	return 0, fmt.Errorf("inr: unsupported TYPE=%q PIXSIZE=%d", kind, bits)
}

// EncodeINR writes im as a little-endian INRIMAGE-4 stream.
func EncodeINR(w io.Writer, im *Image) error {
	if err := im.Validate(); err != nil {
		return err
	}
	kind := "unsigned fixed"
	switch {
	case im.Type.IsFloat():
		kind = "float"
	case im.Type.IsSigned():
		kind = "signed fixed"
	}

	var hdr strings.Builder
	hdr.WriteString(inrMagic + "\n")
	fmt.Fprintf(&hdr, "XDIM=%d\nYDIM=%d\nZDIM=%d\nVDIM=%d\n", im.Shape[0], im.Shape[1], im.Shape[2], im.Components)
	fmt.Fprintf(&hdr, "TYPE=%s\nPIXSIZE=%d bits\nSCALE=2**0\nCPU=decm\n", kind, im.Type.Bits())
	fmt.Fprintf(&hdr, "VX=%s\nVY=%s\nVZ=%s\n", formatFloat(im.Spacing[0]), formatFloat(im.Spacing[1]), formatFloat(im.Spacing[2]))

	size := hdr.Len() + len(inrTerminator)
	if rem := size % inrBlock; rem != 0 {
		hdr.WriteString(strings.Repeat("\n", inrBlock-rem))
	}
	hdr.WriteString(inrTerminator)

	if _, err := io.WriteString(w, hdr.String()); err != nil {
		return err
	}
	return writeSamples(w, binary.LittleEndian, im.Type, im.Data)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
