package observer

import "math"

// Summary is a running min/max/mean/variance over float samples.
type Summary struct {
	N        int     `msgpack:"n" json:"n" yaml:"n"`
	Min      float64 `msgpack:"min" json:"min" yaml:"min"`
	Max      float64 `msgpack:"max" json:"max" yaml:"max"`
	Avg      float64 `msgpack:"avg" json:"avg" yaml:"avg"`
	Variance float64 `msgpack:"variance" json:"variance" yaml:"variance"`
	StdDev   float64 `msgpack:"stddev" json:"stddev" yaml:"stddev"`

	m2 float64
}

func (s *Summary) Add(x float64) {
	s.N++
	if s.N == 1 || x < s.Min {
		s.Min = x
	}
	if s.N == 1 || x > s.Max {
		s.Max = x
	}

	delta := x - s.Avg
	s.Avg += delta / float64(s.N)
	s.m2 += delta * (x - s.Avg)

	s.Variance = s.m2 / float64(s.N)
	s.StdDev = math.Sqrt(s.Variance)
}
