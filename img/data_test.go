package img

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestScale(t *testing.T) {
	d := Synthetic(20, CIFAR10Classes, 1)
	if err := d.Validate(); err != nil {
		t.Fatal(err)
	}
	min, max := d.Range()
	t.Logf("raw range %.1f - %.1f", min, max)
	if max <= 1 {
		t.Error("expecting raw values > 1")
	}
	d.Scale(1.0 / 255)
	min, max = d.Range()
	t.Logf("scaled range %.3f - %.3f", min, max)
	if min < 0 || max > 1 {
		t.Error("scaled values out of range")
	}
	mean, std := GetStats(d.Images)
	t.Logf("mean=%.3f std=%.3f", mean, std)
	if len(mean) != 3 || len(std) != 3 {
		t.Error("expecting stats for 3 channels")
	}
}

func TestSplit(t *testing.T) {
	d := Synthetic(103, CIFAR10Classes, 1)
	train, valid, err := d.Split(0.2, 42)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("train=%d valid=%d", train.Len(), valid.Len())
	if valid.Len() != 21 || train.Len() != 82 {
		t.Error("invalid split sizes")
	}
	seen := map[*Image]bool{}
	for i, img := range train.Images {
		seen[img] = true
		if d.Labels[indexOf(d, img)] != train.Labels[i] {
			t.Fatal("train labels not aligned")
		}
	}
	for i, img := range valid.Images {
		if seen[img] {
			t.Fatal("image in both train and validation sets")
		}
		if d.Labels[indexOf(d, img)] != valid.Labels[i] {
			t.Fatal("validation labels not aligned")
		}
	}
	// same seed gives the same split
	_, valid2, _ := d.Split(0.2, 42)
	if !reflect.DeepEqual(valid.Labels, valid2.Labels) || valid.Images[0] != valid2.Images[0] {
		t.Error("split is not deterministic")
	}
	if _, _, err := d.Split(1.5, 42); err == nil {
		t.Error("expecting error for invalid fraction")
	}
	if _, _, err := d.Slice(0, 1).Split(0.2, 42); err == nil {
		t.Error("expecting error splitting single image")
	}
}

func indexOf(d *Data, img *Image) int {
	for i, m := range d.Images {
		if m == img {
			return i
		}
	}
	return -1
}

func TestEncode(t *testing.T) {
	d := Synthetic(10, CIFAR10Classes, 2)
	file := filepath.Join(t.TempDir(), "test.dat")
	if err := d.Save(file); err != nil {
		t.Fatal(err)
	}
	d2, err := LoadData(file)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(d.DataHead, d2.DataHead) || !reflect.DeepEqual(d.Images[9], d2.Images[9]) {
		t.Error("decoded data does not match")
	}
	if counts := d2.ClassCounts(); !reflect.DeepEqual(counts, []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}) {
		t.Error("got class counts", counts)
	}
}

func TestImage(t *testing.T) {
	m := NewImage(4, 2, 3)
	m.Set(3, 1, RGB{R: 1, G: 0.5, B: 0.25})
	if c := m.RGBAt(3, 1); c != (RGB{R: 1, G: 0.5, B: 0.25}) {
		t.Error("got", c)
	}
	if m.Pixels(1)[7] != 0.5 {
		t.Error("green plane not set", m.Pixels(1))
	}
	h := Highlight(m, true)
	if c := h.RGBAt(0, 0); c != (RGB{R: 1}) {
		t.Error("expecting red border, got", c)
	}
	if Highlight(m, false) != m {
		t.Error("expecting image unchanged")
	}
}

// write a fake batch file in the binary format
func writeBatch(t *testing.T, tw *tar.Writer, name string, n int) {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		buf.WriteByte(byte(i % 10))
		for j := 0; j < imageSize*3; j++ {
			buf.WriteByte(byte(j % 256))
		}
	}
	hdr := &tar.Header{Name: CIFAR10Dir + "/" + name, Mode: 0644, Size: int64(buf.Len()), Typeflag: tar.TypeReg}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(buf.Bytes()); err != nil {
		t.Fatal(err)
	}
}

func TestReadCIFAR10(t *testing.T) {
	var archive bytes.Buffer
	gz := gzip.NewWriter(&archive)
	tw := tar.NewWriter(gz)
	for i := 1; i <= 5; i++ {
		writeBatch(t, tw, fmt.Sprintf("data_batch_%d.bin", i), 4)
	}
	writeBatch(t, tw, "test_batch.bin", 3)
	tw.Close()
	gz.Close()

	dir := t.TempDir()
	if err := Extract(&archive, dir); err != nil {
		t.Fatal(err)
	}
	train, test, err := LoadCIFAR10(dir)
	if err != nil {
		t.Fatal(err)
	}
	if train.Len() != 20 || test.Len() != 3 {
		t.Fatal("got", train.Len(), test.Len(), "images")
	}
	if !reflect.DeepEqual(train.Shape(), []int{32, 32, 3}) || !reflect.DeepEqual(train.Classes(), CIFAR10Classes) {
		t.Error("invalid header", train.DataHead.Dims, train.Class)
	}
	if px := test.Images[2].Pixels(1)[1]; px != float32((imageSize+1)%256) {
		t.Error("got pixel", px)
	}
	// second load is from the cache
	if _, err := os.Stat(filepath.Join(dir, "cifar10_test.dat")); err != nil {
		t.Fatal(err)
	}
	_, test2, err := LoadCIFAR10(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(test.Labels, test2.Labels) {
		t.Error("cached labels differ")
	}
}
