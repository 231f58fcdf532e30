package volume

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"gopkg.in/gographics/imagick.v3/imagick"
)

var (
	magickOnce    sync.Once
	magickStarted atomic.Bool
)

func initMagick() {
	magickOnce.Do(func() {
		imagick.Initialize()
		magickStarted.Store(true)
	})
}

// Terminate releases ImageMagick resources if a TIFF volume was handled.
// Call once at process exit.
func Terminate() {
	if magickStarted.Load() {
		imagick.Terminate()
	}
}

// DecodeTIFF reads a multi-page grayscale TIFF stack; each page is one z slice.
func DecodeTIFF(r io.Reader) (*Image, error) {
	initMagick()
	blob, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	mw := imagick.NewMagickWand()
	defer mw.Destroy()
	if err := mw.ReadImageBlob(blob); err != nil {
		return nil, fmt.Errorf("tiff: %w", err)
	}

	pages := int(mw.GetNumberImages())
	if pages == 0 {
		return nil, fmt.Errorf("tiff: no pages")
	}
	mw.SetIteratorIndex(0)
	width, height := int(mw.GetImageWidth()), int(mw.GetImageHeight())

	typ, scale := Uint8, 255.0
	if mw.GetImageDepth() > 8 {
		typ, scale = Uint16, 65535.0
	}
	xres, yres, _ := mw.GetImageResolution()

	im := New([3]int{width, height, pages}, [3]float64{spacingFromResolution(xres), spacingFromResolution(yres), 1}, 1, typ)
	for z := 0; z < pages; z++ {
		mw.SetIteratorIndex(z)
		if int(mw.GetImageWidth()) != width || int(mw.GetImageHeight()) != height {
			return nil, fmt.Errorf("tiff: page %d is %dx%d, want %dx%d", z, mw.GetImageWidth(), mw.GetImageHeight(), width, height)
		}
		px, err := mw.ExportImagePixels(0, 0, uint(width), uint(height), "I", imagick.PIXEL_DOUBLE)
		if err != nil {
			return nil, fmt.Errorf("tiff: export page %d: %w", z, err)
		}
		vals, ok := px.([]float64)
		if !ok {
			return nil, fmt.Errorf("tiff: unexpected pixel buffer %T", px)
		}
		copy(im.Data[z*width*height:], scaleAll(vals, scale))
	}
	return im, nil
}

// EncodeTIFF writes im as a multi-page grayscale TIFF. Only scalar images are
// supported; values are stored as 8 or 16 bit unsigned integers.
func EncodeTIFF(w io.Writer, im *Image) error {
	initMagick()
	if err := im.Validate(); err != nil {
		return err
	}
	if im.Components != 1 {
		return fmt.Errorf("tiff: %d-component images unsupported", im.Components)
	}
	depth, scale := uint(16), 65535.0
	if im.Type == Uint8 || im.Type == Int8 {
		depth, scale = 8, 255.0
	}

	out := imagick.NewMagickWand()
	defer out.Destroy()

	plane := im.Shape[0] * im.Shape[1]
	for z := 0; z < im.Shape[2]; z++ {
		slice := make([]float64, plane)
		for i, v := range im.Data[z*plane : (z+1)*plane] {
			q := v / scale
			if q < 0 {
				q = 0
			} else if q > 1 {
				q = 1
			}
			slice[i] = q
		}
		page := imagick.NewMagickWand()
		if err := page.ConstituteImage(uint(im.Shape[0]), uint(im.Shape[1]), "I", imagick.PIXEL_DOUBLE, slice); err != nil {
			page.Destroy()
			return fmt.Errorf("tiff: page %d: %w", z, err)
		}
		if err := page.SetImageDepth(depth); err != nil {
			page.Destroy()
			return err
		}
		if err := page.SetImageFormat("TIFF"); err != nil {
			page.Destroy()
			return err
		}
		if err := out.AddImage(page); err != nil {
			page.Destroy()
			return err
		}
		page.Destroy()
	}
	out.ResetIterator()
	blob := out.GetImagesBlob()
	if len(blob) == 0 {
		return fmt.Errorf("tiff: encoder produced no data")
	}
	_, err := w.Write(blob)
	return err
}

func scaleAll(vals []float64, scale float64) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = v * scale
	}
	return out
}

// spacingFromResolution converts pixels per unit to voxel size. 72 is the
// ImageMagick default and is treated as unset.
func spacingFromResolution(res float64) float64 {
	if res <= 0 || res == 72 {
		return 1
	}
	return 1 / res
}
