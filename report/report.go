// Package report has routines to summarise the predictions of a classifier on a labelled test set.
package report

import (
	"fmt"
	"strings"
)

// Matrix is a confusion matrix: Counts[i][j] is the number of samples with true class i predicted as class j.
type Matrix struct {
	Classes []string
	Counts  [][]int
}

// ConfusionMatrix tallies the predictions against the true labels.
func ConfusionMatrix(classes []string, labels, pred []int32) (*Matrix, error) {
	if len(labels) != len(pred) {
		return nil, fmt.Errorf("have %d labels and %d predictions", len(labels), len(pred))
	}
	n := len(classes)
	m := &Matrix{Classes: classes, Counts: make([][]int, n)}
	for i := range m.Counts {
		m.Counts[i] = make([]int, n)
	}
	for i, label := range labels {
		if label < 0 || int(label) >= n || pred[i] < 0 || int(pred[i]) >= n {
			return nil, fmt.Errorf("sample %d: class out of range: label=%d pred=%d", i, label, pred[i])
		}
		m.Counts[label][pred[i]]++
	}
	return m, nil
}

// Support returns the number of samples of each true class, i.e. the row sums.
func (m *Matrix) Support() []int {
	s := make([]int, len(m.Counts))
	for i, row := range m.Counts {
		for _, v := range row {
			s[i] += v
		}
	}
	return s
}

// Predicted returns the number of predictions of each class, i.e. the column sums.
func (m *Matrix) Predicted() []int {
	s := make([]int, len(m.Counts))
	for _, row := range m.Counts {
		for j, v := range row {
			s[j] += v
		}
	}
	return s
}

// Total number of samples
func (m *Matrix) Total() (n int) {
	for _, v := range m.Support() {
		n += v
	}
	return n
}

// Accuracy is the fraction of samples on the diagonal
func (m *Matrix) Accuracy() float64 {
	total := m.Total()
	if total == 0 {
		return 0
	}
	correct := 0
	for i := range m.Counts {
		correct += m.Counts[i][i]
	}
	return float64(correct) / float64(total)
}

// Max value in any cell
func (m *Matrix) Max() (max int) {
	for _, row := range m.Counts {
		for _, v := range row {
			if v > max {
				max = v
			}
		}
	}
	return max
}

// String formats the matrix as a table with true classes as rows and predicted classes as columns.
func (m *Matrix) String() string {
	width := 5
	for _, name := range m.Classes {
		width = max(width, len(name))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%*s", width, "")
	for j := range m.Classes {
		fmt.Fprintf(&b, " %5d", j)
	}
	b.WriteByte('\n')
	for i, row := range m.Counts {
		fmt.Fprintf(&b, "%*s", width, m.Classes[i])
		for _, v := range row {
			fmt.Fprintf(&b, " %5d", v)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Score has the precision, recall and F1 score for one class or an average over classes.
type Score struct {
	Name      string
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// Report is a per class summary of the classifier performance
type Report struct {
	Scores      []Score
	Accuracy    float64
	MacroAvg    Score
	WeightedAvg Score
	Digits      int
}

// ClassificationReport computes the scores for each class from the confusion matrix. Precision or
// recall is set to zero if it is undefined because there are no predicted or no true samples.
func ClassificationReport(m *Matrix) Report {
	r := Report{Accuracy: m.Accuracy(), Digits: 2}
	support, predicted := m.Support(), m.Predicted()
	total := m.Total()
	r.MacroAvg = Score{Name: "macro avg", Support: total}
	r.WeightedAvg = Score{Name: "weighted avg", Support: total}
	n := float64(len(m.Classes))
	for i, name := range m.Classes {
		s := Score{Name: name, Support: support[i]}
		tp := float64(m.Counts[i][i])
		s.Precision = ratio(tp, float64(predicted[i]))
		s.Recall = ratio(tp, float64(support[i]))
		s.F1 = ratio(2*s.Precision*s.Recall, s.Precision+s.Recall)
		r.Scores = append(r.Scores, s)
		r.MacroAvg.Precision += s.Precision / n
		r.MacroAvg.Recall += s.Recall / n
		r.MacroAvg.F1 += s.F1 / n
		if total > 0 {
			w := float64(s.Support) / float64(total)
			r.WeightedAvg.Precision += s.Precision * w
			r.WeightedAvg.Recall += s.Recall * w
			r.WeightedAvg.F1 += s.F1 * w
		}
	}
	return r
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// String formats the report as a text table:
//
//	              precision    recall  f1-score   support
//
//	    airplane       0.75      0.80      0.77      1000
//	...
//	    accuracy                           0.72     10000
//	   macro avg       0.72      0.72      0.72     10000
//	weighted avg       0.72      0.72      0.72     10000
func (r Report) String() string {
	width := len(r.WeightedAvg.Name)
	for _, s := range r.Scores {
		width = max(width, len(s.Name))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%*s  %9s %9s %9s %9s\n\n", width, "", "precision", "recall", "f1-score", "support")
	row := func(s Score) {
		fmt.Fprintf(&b, "%*s  %9.*f %9.*f %9.*f %9d\n", width, s.Name,
			r.Digits, s.Precision, r.Digits, s.Recall, r.Digits, s.F1, s.Support)
	}
	for _, s := range r.Scores {
		row(s)
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "%*s  %9s %9s %9.*f %9d\n", width, "accuracy", "", "", r.Digits, r.Accuracy, r.MacroAvg.Support)
	row(r.MacroAvg)
	row(r.WeightedAvg)
	return b.String()
}

// Misclassified returns the indexes of the samples where the prediction differs from the label.
func Misclassified(labels, pred []int32) []int {
	var index []int
	for i, label := range labels {
		if i < len(pred) && pred[i] != label {
			index = append(index, i)
		}
	}
	return index
}
