package img

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const (
	imageWidth  = 32
	imageHeight = 32
	imageSize   = imageWidth * imageHeight
	imageBytes  = imageSize*3 + 1

	// Public archive with the binary version of the data set
	CIFAR10URL = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	// Directory created when the archive is extracted
	CIFAR10Dir = "cifar-10-batches-bin"
)

// Class names in label order, used if batches.meta.txt is not available
var CIFAR10Classes = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

// Gob cache file names under the data directory
var cacheFiles = map[string]string{"train": "cifar10_train.dat", "test": "cifar10_test.dat"}

// LoadCIFAR10 returns the 50000 training and 10000 test images with raw pixel values in range 0-255.
// Decoded data is cached under dataDir in gob format. If the binary batch files are not found then
// the archive is downloaded and extracted first.
func LoadCIFAR10(dataDir string) (train, test *Data, err error) {
	trainFile := filepath.Join(dataDir, cacheFiles["train"])
	testFile := filepath.Join(dataDir, cacheFiles["test"])
	if fileExists(trainFile) && fileExists(testFile) {
		fmt.Printf("loading data from %s\n", dataDir)
		if train, err = LoadData(trainFile); err != nil {
			return nil, nil, err
		}
		if test, err = LoadData(testFile); err != nil {
			return nil, nil, err
		}
		return train, test, nil
	}
	batchDir := filepath.Join(dataDir, CIFAR10Dir)
	if !fileExists(filepath.Join(batchDir, "test_batch.bin")) {
		if err = Download(CIFAR10URL, dataDir); err != nil {
			return nil, nil, err
		}
	}
	if train, test, err = ReadCIFAR10(batchDir); err != nil {
		return nil, nil, err
	}
	if err = train.Save(trainFile); err != nil {
		return nil, nil, err
	}
	if err = test.Save(testFile); err != nil {
		return nil, nil, err
	}
	return train, test, nil
}

// ReadCIFAR10 decodes the binary batch files from the given directory.
func ReadCIFAR10(dir string) (train, test *Data, err error) {
	classes, err := readClasses(filepath.Join(dir, "batches.meta.txt"))
	if err != nil {
		return nil, nil, err
	}
	train = NewData(classes, nil, nil)
	for i := 1; i <= 5; i++ {
		d, err := loadBatch(filepath.Join(dir, fmt.Sprintf("data_batch_%d.bin", i)), classes)
		if err != nil {
			return nil, nil, err
		}
		train.Labels = append(train.Labels, d.Labels...)
		train.Images = append(train.Images, d.Images...)
		train.Dims = d.Dims
	}
	test, err = loadBatch(filepath.Join(dir, "test_batch.bin"), classes)
	if err != nil {
		return nil, nil, err
	}
	return train, test, nil
}

// load batch of cifar-10 images and labels in binary format
func loadBatch(pathName string, classes []string) (*Data, error) {
	f, err := os.Open(pathName)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	labels := make([]int32, 0, 10000)
	images := make([]*Image, 0, 10000)
	buf := make([]uint8, imageBytes)
	for {
		_, err := io.ReadFull(r, buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading from %s: %w", pathName, err)
		}
		if int(buf[0]) >= len(classes) {
			return nil, fmt.Errorf("%s: invalid label %d for image %d", pathName, buf[0], len(labels))
		}
		labels = append(labels, int32(buf[0]))
		img := NewImage(imageWidth, imageHeight, 3)
		for j, val := range buf[1:] {
			img.Pix[j] = float32(val)
		}
		images = append(images, img)
	}
	fmt.Printf("read %d images from %s\n", len(labels), filepath.Base(pathName))
	return NewData(classes, labels, images), nil
}

// load class descriptions from file
func readClasses(pathName string) ([]string, error) {
	f, err := os.Open(pathName)
	if os.IsNotExist(err) {
		return CIFAR10Classes, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	classes := []string{}
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, s.Err()
}

// Download fetches a gzipped tar archive and extracts it under dir.
func Download(url, dir string) error {
	fmt.Println("downloading", url)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s failed: %s", url, resp.Status)
	}
	return Extract(resp.Body, dir)
}

// Extract the regular files and directories from a gzipped tar stream into dir.
func Extract(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("error reading archive: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading archive: %w", err)
		}
		name := filepath.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("invalid path in archive: %s", hdr.Name)
		}
		target := filepath.Join(dir, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := writeFile(target, tr); err != nil {
				return err
			}
		}
	}
}

func writeFile(name string, r io.Reader) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if _, err = io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func fileExists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}
