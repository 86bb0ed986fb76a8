package nnet

import (
	"os"
	"strconv"
	"strings"
)

// History holds the metrics for each epoch of a training run
type History struct {
	Loss        []float64
	Accuracy    []float64
	ValLoss     []float64
	ValAccuracy []float64
}

// NewHistory collects the per epoch values from the training stats
func NewHistory(stats []Stats) History {
	h := History{}
	for _, s := range stats {
		h.Loss = append(h.Loss, s.Loss)
		h.Accuracy = append(h.Accuracy, s.Accuracy)
		h.ValLoss = append(h.ValLoss, s.ValLoss)
		h.ValAccuracy = append(h.ValAccuracy, s.ValAccuracy)
	}
	return h
}

// Epochs returns the number of epochs recorded
func (h History) Epochs() int {
	return len(h.Loss)
}

// String formats the history as a dictionary literal, e.g.
// {'loss': [1.5, 1.2], 'accuracy': [0.45, 0.58], 'val_loss': [1.3, 1.1], 'val_accuracy': [0.52, 0.61]}
func (h History) String() string {
	keys := []string{"loss", "accuracy", "val_loss", "val_accuracy"}
	vals := [][]float64{h.Loss, h.Accuracy, h.ValLoss, h.ValAccuracy}
	s := make([]string, len(keys))
	for i, key := range keys {
		s[i] = "'" + key + "': " + formatList(vals[i])
	}
	return "{" + strings.Join(s, ", ") + "}"
}

// WriteFile saves the history in text format
func (h History) WriteFile(filePath string) error {
	return os.WriteFile(filePath, []byte(h.String()), 0644)
}

func formatList(vals []float64) string {
	s := make([]string, len(vals))
	for i, v := range vals {
		s[i] = formatFloat(v)
	}
	return "[" + strings.Join(s, ", ") + "]"
}

// shortest representation which parses back to the same value, always with a decimal point or exponent
func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eIN") {
		s += ".0"
	}
	return s
}
