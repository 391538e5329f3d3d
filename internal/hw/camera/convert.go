package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

// ToRGB returns the frame as packed RGB24 at exactly the target
// resolution, decoding JPEG and nearest-neighbour scaling as needed.
// When the frame already matches, its data is returned as is.
func ToRGB(f Frame, target Resolution) ([]byte, error) {
	if f.Format == FormatRGB24 && f.Width == target.Width && f.Height == target.Height {
		if len(f.Data) != target.RGBSize() {
			return nil, fmt.Errorf("camera: RGB frame is %d bytes, want %d", len(f.Data), target.RGBSize())
		}
		return f.Data, nil
	}

	var img image.Image
	switch f.Format {
	case FormatJPEG:
		decoded, err := jpeg.Decode(bytes.NewReader(f.Data))
		if err != nil {
			return nil, fmt.Errorf("camera: decode jpeg frame: %w", err)
		}
		img = decoded
	case FormatRGB24:
		src := Resolution{Width: f.Width, Height: f.Height}
		if len(f.Data) != src.RGBSize() {
			return nil, fmt.Errorf("camera: RGB frame is %d bytes for %s", len(f.Data), src)
		}
		return scaleRGB(f.Data, src, target), nil
	default:
		return nil, fmt.Errorf("camera: unknown pixel format %d", f.Format)
	}

	out := make([]byte, target.RGBSize())
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return out, nil
	}
	for y := 0; y < target.Height; y++ {
		sy := b.Min.Y + y*b.Dy()/target.Height
		for x := 0; x < target.Width; x++ {
			sx := b.Min.X + x*b.Dx()/target.Width
			r, g, bl, _ := img.At(sx, sy).RGBA()
			o := (y*target.Width + x) * BytesPerPixel
			out[o] = byte(r >> 8)
			out[o+1] = byte(g >> 8)
			out[o+2] = byte(bl >> 8)
		}
	}
	return out, nil
}

func scaleRGB(src []byte, from, to Resolution) []byte {
	out := make([]byte, to.RGBSize())
	if from.Width == 0 || from.Height == 0 {
		return out
	}
	for y := 0; y < to.Height; y++ {
		sy := y * from.Height / to.Height
		for x := 0; x < to.Width; x++ {
			sx := x * from.Width / to.Width
			copy(out[(y*to.Width+x)*BytesPerPixel:], src[(sy*from.Width+sx)*BytesPerPixel:(sy*from.Width+sx+1)*BytesPerPixel])
		}
	}
	return out
}

// RGBImage wraps packed RGB24 data as an image.RGBA.
func RGBImage(data []byte, res Resolution) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, res.Width, res.Height))
	RGBToRGBA(img.Pix, data)
	return img
}

// RGBToRGBA expands packed RGB24 into dst (RGBA, opaque alpha).
// dst must hold len(src)/3*4 bytes.
func RGBToRGBA(dst, src []byte) {
	for i, j := 0, 0; i+2 < len(src) && j+3 < len(dst); i, j = i+3, j+4 {
		dst[j] = src[i]
		dst[j+1] = src[i+1]
		dst[j+2] = src[i+2]
		dst[j+3] = 0xff
	}
}

// EncodeJPEG returns the frame as JPEG bytes. JPEG frames are returned as
// they are; RGB frames are encoded with the given quality (1-100).
func EncodeJPEG(f Frame, quality int) ([]byte, error) {
	if f.Format == FormatJPEG {
		return f.Data, nil
	}
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	res := Resolution{Width: f.Width, Height: f.Height}
	if len(f.Data) != res.RGBSize() {
		return nil, fmt.Errorf("camera: RGB frame is %d bytes for %s", len(f.Data), res)
	}
	var buf bytes.Buffer
	buf.Grow(256 * 1024)
	if err := jpeg.Encode(&buf, RGBImage(f.Data, res), &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("camera: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
