// Package plots generates the charts for a training run as PNG or SVG images using gonum/plot.
package plots

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"os"
	"strconv"

	"github.com/jnb666/cifar10cnn/img"
	"github.com/jnb666/cifar10cnn/nnet"
	"github.com/jnb666/cifar10cnn/report"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// Default image sizes
var (
	Width      = 10 * vg.Inch
	Height     = 6 * vg.Inch
	HistWidth  = 12 * vg.Inch
	HistHeight = 4 * vg.Inch
	TileSize   = 2 * vg.Inch
	MatrixSize = 8 * vg.Inch
)

// New returns a plot with a grid, small tick labels and the legend at the top.
func New(title string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.Title.TextStyle.Font.Size = vg.Points(14)
	p.X.Padding, p.Y.Padding = 0, 0
	p.X.Tick.Label.Font.Size = vg.Points(10)
	p.Y.Tick.Label.Font.Size = vg.Points(10)
	p.Legend.Top = true
	p.Legend.TextStyle.Font.Size = vg.Points(12)
	p.Add(plotter.NewGrid())
	return p
}

// ClassDistribution is a horizontal bar chart with the number of images in each class.
func ClassDistribution(classes []string, counts []int) (*plot.Plot, error) {
	if len(classes) != len(counts) {
		return nil, fmt.Errorf("have %d classes and %d counts", len(classes), len(counts))
	}
	p := New("Class distribution")
	p.X.Label.Text = "count"
	vals := make(plotter.Values, len(counts))
	for i, n := range counts {
		vals[i] = float64(n)
	}
	bars, err := plotter.NewBarChart(vals, vg.Points(20))
	if err != nil {
		return nil, err
	}
	bars.Horizontal = true
	bars.Color = plotutil.Color(0)
	bars.LineStyle.Width = 0
	p.Add(bars)
	p.NominalY(classes...)
	return p, nil
}

// Loss plots the training and validation loss for each epoch.
func Loss(h nnet.History) (*plot.Plot, error) {
	p := New("Model loss")
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"
	return p, addLines(p, []string{"train", "validation"}, h.Loss, h.ValLoss)
}

// Accuracy plots the training and validation accuracy for each epoch.
func Accuracy(h nnet.History) (*plot.Plot, error) {
	p := New("Model accuracy")
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "accuracy"
	return p, addLines(p, []string{"train", "validation"}, h.Accuracy, h.ValAccuracy)
}

func addLines(p *plot.Plot, names []string, series ...[]float64) error {
	for i, vals := range series {
		pts := make(plotter.XYs, len(vals))
		for j, v := range vals {
			pts[j].X = float64(j + 1)
			pts[j].Y = v
		}
		line, points, err := plotter.NewLinePoints(pts)
		if err != nil {
			return err
		}
		line.Width = 2
		line.Color = plotutil.Color(i)
		points.GlyphStyle.Color = plotutil.Color(i)
		points.GlyphStyle.Shape = plotutil.Shape(i)
		p.Add(line, points)
		p.Legend.Add(names[i], line, points)
	}
	return nil
}

// ConfusionMatrix draws a heat map of the matrix with the count shown in each cell. True classes
// are on the y axis from top to bottom and predicted classes on the x axis.
func ConfusionMatrix(m *report.Matrix) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Confusion matrix"
	p.Title.TextStyle.Font.Size = vg.Points(14)
	p.X.Label.Text = "predicted"
	p.Y.Label.Text = "true"
	grid := matrixGrid{m}
	p.Add(plotter.NewHeatMap(grid, palette.Heat(32, 1)))
	n := len(m.Classes)
	labels := plotter.XYLabels{}
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			labels.XYs = append(labels.XYs, plotter.XY{X: float64(c), Y: float64(r)})
			labels.Labels = append(labels.Labels, strconv.Itoa(int(grid.Z(c, r))))
		}
	}
	text, err := plotter.NewLabels(labels)
	if err != nil {
		return nil, err
	}
	for i := range text.TextStyle {
		text.TextStyle[i].XAlign = draw.XCenter
		text.TextStyle[i].YAlign = draw.YCenter
		text.TextStyle[i].Color = color.Gray{Y: 40}
	}
	p.Add(text)
	yNames := make([]string, n)
	for i, name := range m.Classes {
		yNames[n-1-i] = name
	}
	p.NominalX(m.Classes...)
	p.NominalY(yNames...)
	return p, nil
}

// confusion matrix with the first row at the top
type matrixGrid struct {
	*report.Matrix
}

func (g matrixGrid) Dims() (c, r int) { return len(g.Classes), len(g.Classes) }

func (g matrixGrid) Z(c, r int) float64 { return float64(g.Counts[len(g.Classes)-1-r][c]) }

func (g matrixGrid) X(c int) float64 { return float64(c) }

func (g matrixGrid) Y(r int) float64 { return float64(r) }

// ImageGrid lays out the images in a grid with the caption above each one. Pixel values should be in [0,1].
func ImageGrid(images []*img.Image, captions []string, rows, cols int) ([][]*plot.Plot, error) {
	if len(images) > rows*cols {
		return nil, fmt.Errorf("%d images will not fit in a %dx%d grid", len(images), rows, cols)
	}
	grid := make([][]*plot.Plot, rows)
	for r := range grid {
		grid[r] = make([]*plot.Plot, cols)
		for c := range grid[r] {
			p := plot.New()
			p.HideAxes()
			if i := r*cols + c; i < len(images) {
				m := images[i]
				p.Add(plotter.NewImage(m, 0, 0, float64(m.Width), float64(m.Height)))
				if i < len(captions) {
					p.Title.Text = captions[i]
					p.Title.TextStyle.Font.Size = vg.Points(9)
				}
			}
			grid[r][c] = p
		}
	}
	return grid, nil
}

// TrainingHistory has the loss and accuracy plots side by side.
func TrainingHistory(h nnet.History) ([][]*plot.Plot, error) {
	loss, err := Loss(h)
	if err != nil {
		return nil, err
	}
	acc, err := Accuracy(h)
	if err != nil {
		return nil, err
	}
	return [][]*plot.Plot{{loss, acc}}, nil
}

// GridSize returns the canvas size for a grid of images with TileSize square tiles.
func GridSize(grid [][]*plot.Plot) (width, height vg.Length) {
	if len(grid) == 0 {
		return 0, 0
	}
	return TileSize * vg.Length(len(grid[0])), TileSize * vg.Length(len(grid))
}

// Save writes the plot to a file, the format is taken from the file extension.
func Save(p *plot.Plot, width, height vg.Length, filePath string) error {
	if err := p.Save(width, height, filePath); err != nil {
		return fmt.Errorf("error saving plot to %s: %w", filePath, err)
	}
	return nil
}

// SaveGrid renders a grid of plots to a PNG file.
func SaveGrid(grid [][]*plot.Plot, width, height vg.Length, filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return err
	}
	if err = WriteGrid(f, grid, width, height); err != nil {
		f.Close()
		return fmt.Errorf("error saving plot to %s: %w", filePath, err)
	}
	return f.Close()
}

// WriteGrid renders a grid of plots in PNG format.
func WriteGrid(w io.Writer, grid [][]*plot.Plot, width, height vg.Length) error {
	if len(grid) == 0 || len(grid[0]) == 0 {
		return fmt.Errorf("empty plot grid")
	}
	rows, cols := len(grid), len(grid[0])
	cv := vgimg.New(width, height)
	dc := draw.New(cv)
	tiles := draw.Tiles{Rows: rows, Cols: cols, PadX: vg.Millimeter, PadY: vg.Millimeter}
	canvases := plot.Align(grid, tiles, dc)
	for r := range grid {
		for c := range grid[r] {
			if grid[r][c] != nil {
				grid[r][c].Draw(canvases[r][c])
			}
		}
	}
	_, err := vgimg.PngCanvas{Canvas: cv}.WriteTo(w)
	return err
}

// SVG renders the plot as an SVG document with the given size in pixels, SVG user units are points.
func SVG(p *plot.Plot, width, height int) ([]byte, error) {
	writer, err := p.WriterTo(vg.Points(float64(width)), vg.Points(float64(height)), "svg")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err = writer.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
