package img

import "math/rand"

// Synthetic generates n images of size 32x32x3 with raw pixel values in 0-255 and labels assigned in turn
// from each class. Each class has its own colour and a bright stripe at a class dependent row, plus noise,
// so a small network can learn to separate them.
func Synthetic(n int, classes []string, seed int64) *Data {
	rng := rand.New(rand.NewSource(seed))
	nclass := len(classes)
	labels := make([]int32, n)
	images := make([]*Image, n)
	for i := range images {
		label := i % nclass
		labels[i] = int32(label)
		img := NewImage(imageWidth, imageHeight, 3)
		base := [3]float32{
			float32(40 + 200*(label%3)/2),
			float32(40 + 200*((label/3)%3)/2),
			float32(40 + 200*(label%2)),
		}
		stripe := (label * imageHeight) / nclass
		for ch := 0; ch < 3; ch++ {
			plane := img.Pixels(ch)
			for y := 0; y < imageHeight; y++ {
				for x := 0; x < imageWidth; x++ {
					val := base[ch] + float32(rng.NormFloat64()*12)
					if y >= stripe && y < stripe+3 {
						val = 255 - val/4
					}
					plane[x+y*imageWidth] = clamp(val, 0, 255)
				}
			}
		}
		images[i] = img
	}
	return NewData(classes, labels, images)
}
