package stats

import (
	"math"
	"testing"
)

func TestAverage(t *testing.T) {
	var s Average
	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		s.Add(x)
	}
	t.Log(s.String())
	if s.Mean != 5 || s.Min != 2 || s.Max != 9 || s.Count != 8 {
		t.Error("invalid stats", s.String())
	}
	if math.Abs(s.StdDev-math.Sqrt(32.0/7.0)) > 1e-9 {
		t.Error("got stddev", s.StdDev)
	}
	if html := string(s.HTML()); html != "5.00&PlusMinus;2.14" {
		t.Error("got html", html)
	}
	s.Clear()
	if s.Count != 0 {
		t.Error("clear failed")
	}
}

func TestEMA(t *testing.T) {
	var e EMA
	e = EMA(e.Add(10, 3))
	if e != 10 {
		t.Error("first value should be returned unchanged, got", e)
	}
	e = EMA(e.Add(20, 3))
	if e != 15 {
		t.Error("got", e, "expect", 15)
	}
}
