package volume

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Format identifies a volume file encoding.
type Format string

const (
	FormatINR   Format = "inr"
	FormatNIfTI Format = "nii"
	FormatTIFF  Format = "tif"
)

// Ext returns the canonical extension (without gzip suffix) for a format.
func (f Format) Ext() string { return "." + string(f) }

var extFormats = map[string]Format{
	".inr":  FormatINR,
	".nii":  FormatNIfTI,
	".tif":  FormatTIFF,
	".tiff": FormatTIFF,
}

// SplitExt splits path into its stem and its full volume extension, keeping
// compound suffixes such as ".inr.gz" together.
func SplitExt(path string) (stem, ext string) {
	base := filepath.Base(path)
	lower := strings.ToLower(base)
	if strings.HasSuffix(lower, ".gz") {
		inner := strings.TrimSuffix(base, base[len(base)-3:])
		innerExt := filepath.Ext(inner)
		if _, ok := extFormats[strings.ToLower(innerExt)]; ok {
			return strings.TrimSuffix(inner, innerExt), innerExt + base[len(base)-3:]
		}
	}
	ext = filepath.Ext(base)
	return strings.TrimSuffix(base, ext), ext
}

// FormatOf returns the format implied by path and whether it is gzipped.
func FormatOf(path string) (Format, bool, error) {
	_, ext := SplitExt(path)
	lower := strings.ToLower(ext)
	gz := strings.HasSuffix(lower, ".gz")
	lower = strings.TrimSuffix(lower, ".gz")
	f, ok := extFormats[lower]
	if !ok {
		return "", false, fmt.Errorf("volume: unsupported extension %q", ext)
	}
	if gz && f == FormatTIFF {
		return "", false, fmt.Errorf("volume: gzipped TIFF unsupported")
	}
	return f, gz, nil
}

// IsVolume reports whether path has a supported volume extension.
func IsVolume(path string) bool {
	_, _, err := FormatOf(path)
	return err == nil
}

// Decode reads an image of the given format from r.
func Decode(r io.Reader, f Format, gz bool) (*Image, error) {
	if gz {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	switch f {
	case FormatINR:
		return DecodeINR(r)
	case FormatNIfTI:
		return DecodeNIfTI(r)
	case FormatTIFF:
		return DecodeTIFF(r)
	default:
		return nil, fmt.Errorf("volume: unknown format %q", f)
	}
}

// Encode writes im to w in the given format.
func Encode(w io.Writer, im *Image, f Format, gz bool) error {
	if gz {
		zw := gzip.NewWriter(w)
		if err := Encode(zw, im, f, false); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	}
	switch f {
	case FormatINR:
		return EncodeINR(w, im)
	case FormatNIfTI:
		return EncodeNIfTI(w, im)
	case FormatTIFF:
		return EncodeTIFF(w, im)
	default:
		return fmt.Errorf("volume: unknown format %q", f)
	}
}

// Read loads the image at path, choosing the codec from its extension.
func Read(path string) (*Image, error) {
	f, gz, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	im, err := Decode(file, f, gz)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return im, nil
}

// Marshal encodes im in the format implied by path.
func Marshal(path string, im *Image) ([]byte, error) {
	f, gz, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := Encode(&buf, im, f, gz); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
