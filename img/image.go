// Package img contains routines for manipulating sets of images.
package img

import (
	"image"
	"image/color"
)

var RGBModel = color.ModelFunc(rgbModel)

// RGB color is stored as a float for each channel with values in range 0-1
type RGB struct {
	R, G, B float32
}

func (c RGB) RGBA() (r, g, b, a uint32) {
	return clampu(c.R, 0, 1), clampu(c.G, 0, 1), clampu(c.B, 0, 1), 0xffff
}

func rgbModel(c color.Color) color.Color {
	if _, ok := c.(RGB); ok {
		return c
	}
	r, g, b, _ := c.RGBA()
	return RGB{R: float32(r) / 0xffff, G: float32(g) / 0xffff, B: float32(b) / 0xffff}
}

// Image type stores the pixel data as float32 values with each colour channel stored as a separate plane.
// Within a plane the x index varies fastest, so the pixels match a [width, height, channels] array.
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []float32
}

// NewImage allocates a new blank image
func NewImage(width, height, channels int) *Image {
	return &Image{Width: width, Height: height, Channels: channels, Pix: make([]float32, width*height*channels)}
}

// NewImageLike returns a blank image with the same dimensions as src
func NewImageLike(src *Image) *Image {
	return NewImage(src.Width, src.Height, src.Channels)
}

// Clone returns a deep copy of the image
func (m *Image) Clone() *Image {
	dst := NewImageLike(m)
	copy(dst.Pix, m.Pix)
	return dst
}

func (m *Image) ColorModel() color.Model {
	return RGBModel
}

func (m *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

// RGBAt returns the colour at the given point, single channel images are returned as gray.
func (m *Image) RGBAt(x, y int) RGB {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return RGB{}
	}
	ix := x + y*m.Width
	if m.Channels < 3 {
		v := m.Pix[ix]
		return RGB{R: v, G: v, B: v}
	}
	plane := m.Width * m.Height
	return RGB{R: m.Pix[ix], G: m.Pix[ix+plane], B: m.Pix[ix+2*plane]}
}

func (m *Image) At(x, y int) color.Color {
	return m.RGBAt(x, y)
}

func (m *Image) Set(x, y int, c color.Color) {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return
	}
	rgb := rgbModel(c).(RGB)
	ix := x + y*m.Width
	if m.Channels < 3 {
		m.Pix[ix] = 0.299*rgb.R + 0.587*rgb.G + 0.114*rgb.B
		return
	}
	plane := m.Width * m.Height
	m.Pix[ix] = rgb.R
	m.Pix[ix+plane] = rgb.G
	m.Pix[ix+2*plane] = rgb.B
}

// Pixels returns the data for one colour channel, or all of the data if ch is out of range.
func (m *Image) Pixels(ch int) []float32 {
	if ch >= 0 && ch < m.Channels {
		return m.Pix[ch*m.Width*m.Height : (ch+1)*m.Width*m.Height]
	}
	return m.Pix
}

// Scale multiplies each pixel value by the given factor
func (m *Image) Scale(factor float32) {
	for i := range m.Pix {
		m.Pix[i] *= factor
	}
}

// Highlight returns a copy of the image with a red border if on is set.
func Highlight(in *Image, on bool) *Image {
	if !on {
		return in
	}
	dst := NewImage(in.Width, in.Height, 3)
	for y := 0; y < in.Height; y++ {
		for x := 0; x < in.Width; x++ {
			if x == 0 || y == 0 || x == in.Width-1 || y == in.Height-1 {
				dst.Set(x, y, RGB{R: 1})
			} else {
				dst.Set(x, y, in.RGBAt(x, y))
			}
		}
	}
	return dst
}

func clamp(x, x0, x1 float32) float32 {
	if x < x0 {
		return x0
	}
	if x > x1 {
		return x1
	}
	return x
}

func clampu(x, x0, x1 float32) uint32 {
	return uint32(clamp(x, x0, x1) * 0xffff)
}
