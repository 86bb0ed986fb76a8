package img

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"

	"github.com/jnb666/cifar10cnn/stats"
)

// Image data set which implements the nnet.Data interface
type Data struct {
	DataHead
	Images []*Image
}

type DataHead struct {
	Class  []string
	Dims   []int
	Labels []int32
	Scaled bool
}

// Create a new image set, all images should have the same dimensions
func NewData(classes []string, labels []int32, images []*Image) *Data {
	var dims []int
	if len(images) > 0 {
		src := images[0]
		dims = []int{src.Width, src.Height, src.Channels}
	}
	return &Data{
		DataHead: DataHead{Class: classes, Dims: dims, Labels: labels},
		Images:   images,
	}
}

// Len function returns number of images
func (d *Data) Len() int { return len(d.Labels) }

// Classes functions number of differerent label values
func (d *Data) Classes() []string { return d.Class }

// Shape returns width, height, channels
func (d *Data) Shape() []int { return d.Dims }

// Label returns classification for given images
func (d *Data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

// Input copies the pixel data for the given images to buf
func (d *Data) Input(index []int, buf []float32) {
	nfeat := d.nfeat()
	for i, ix := range index {
		copy(buf[i*nfeat:(i+1)*nfeat], d.Images[ix].Pix)
	}
}

// Image returns given image number, if channel is set then just show this colour channel
func (d *Data) Image(ix int, channel string) *Image {
	src := d.Images[ix]
	ch, haveChannel := map[string]int{"r": 0, "g": 1, "b": 2}[channel]
	if !haveChannel || ch >= src.Channels {
		return src
	}
	dst := NewImageLike(src)
	for i := 0; i < src.Channels; i++ {
		copy(dst.Pixels(i), src.Pixels(ch))
	}
	return dst
}

// Slice returns images from start to end
func (d *Data) Slice(start, end int) *Data {
	data := *d
	data.Labels = append([]int32{}, d.Labels[start:end]...)
	data.Images = append([]*Image{}, d.Images[start:end]...)
	return &data
}

// Subset returns a new data set with the given images. Image data is shared with the original.
func (d *Data) Subset(index []int) *Data {
	data := *d
	data.Labels = make([]int32, len(index))
	data.Images = make([]*Image, len(index))
	for i, ix := range index {
		data.Labels[i] = d.Labels[ix]
		data.Images[i] = d.Images[ix]
	}
	return &data
}

// Scale multiplies all of the pixel values by factor, e.g. 1/255 to map byte values to [0,1].
func (d *Data) Scale(factor float32) {
	for _, img := range d.Images {
		img.Scale(factor)
	}
	d.Scaled = true
}

// Split shuffles the data using a random source with the given seed and separates it into two disjoint sets.
// The second set has ceil(frac*Len()) images.
func (d *Data) Split(frac float64, seed int64) (train, valid *Data, err error) {
	if frac <= 0 || frac >= 1 {
		return nil, nil, fmt.Errorf("split fraction %g must be between 0 and 1", frac)
	}
	n := d.Len()
	nValid := int(math.Ceil(frac * float64(n)))
	if nValid >= n {
		return nil, nil, fmt.Errorf("cannot split %d images with fraction %g", n, frac)
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	return d.Subset(perm[nValid:]), d.Subset(perm[:nValid]), nil
}

// ClassCounts returns the number of images with each label
func (d *Data) ClassCounts() []int {
	counts := make([]int, len(d.Class))
	for _, label := range d.Labels {
		counts[label]++
	}
	return counts
}

// Check labels are valid and all images have the same shape
func (d *Data) Validate() error {
	if d.Len() == 0 {
		return errors.New("data set is empty")
	}
	if len(d.Images) != len(d.Labels) {
		return fmt.Errorf("have %d images and %d labels", len(d.Images), len(d.Labels))
	}
	nfeat := d.nfeat()
	for i, img := range d.Images {
		if len(img.Pix) != nfeat {
			return fmt.Errorf("image %d has %d values - expecting %d", i, len(img.Pix), nfeat)
		}
		if d.Labels[i] < 0 || int(d.Labels[i]) >= len(d.Class) {
			return fmt.Errorf("image %d has invalid label %d", i, d.Labels[i])
		}
	}
	return nil
}

func (d *Data) nfeat() int {
	n := 1
	for _, d := range d.Dims {
		n *= d
	}
	return n
}

// Encode data to binary file
func (d *Data) Encode(w io.Writer) error {
	enc := gob.NewEncoder(w)
	if err := enc.Encode(&d.DataHead); err != nil {
		return fmt.Errorf("error encoding header: %w", err)
	}
	for i, img := range d.Images {
		if err := enc.Encode(img); err != nil {
			return fmt.Errorf("error encoding image %d: %w", i, err)
		}
	}
	return nil
}

// Decode data from binary file
func (d *Data) Decode(r io.Reader) error {
	d.DataHead = DataHead{}
	dec := gob.NewDecoder(r)
	if err := dec.Decode(&d.DataHead); err != nil {
		return fmt.Errorf("error decoding header: %w", err)
	}
	d.Images = make([]*Image, d.Len())
	for i := range d.Images {
		if err := dec.Decode(&d.Images[i]); err != nil {
			return fmt.Errorf("error decoding image %d: %w", i, err)
		}
	}
	return nil
}

// Save data set in gob format
func (d *Data) Save(filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return err
	}
	if err = d.Encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load data set from gob format file
func LoadData(filePath string) (*Data, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d := new(Data)
	if err = d.Decode(f); err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	return d, nil
}

// Calculate mean and stddev for each channel from set of images
func GetStats(imgList ...[]*Image) (mean, std []float32) {
	channels := imgList[0][0].Channels
	stat := make([]*stats.Average, channels)
	for i := range stat {
		stat[i] = new(stats.Average)
	}
	for _, images := range imgList {
		for _, img := range images {
			for ch, s := range stat {
				for _, val := range img.Pixels(ch) {
					s.Add(float64(val))
				}
			}
		}
	}
	mean = make([]float32, channels)
	std = make([]float32, channels)
	for i, s := range stat {
		mean[i] = float32(s.Mean)
		std[i] = float32(s.StdDev)
	}
	return mean, std
}

// Range returns the minimum and maximum pixel values
func (d *Data) Range() (min, max float32) {
	min, max = float32(math.Inf(1)), float32(math.Inf(-1))
	for _, img := range d.Images {
		for _, v := range img.Pix {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
	}
	return min, max
}
