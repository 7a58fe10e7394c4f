package biometric

import (
	"errors"
	"fmt"
	"math"
)

// DefaultThreshold 欧氏距离小于该值视为同一人
const DefaultThreshold = 0.45

var ErrDescriptorLength = errors.New("face descriptor length mismatch")

// Descriptor 人脸特征向量
type Descriptor []float64

// Match 一次比对结果
type Match struct {
	Matched  bool    `json:"match"`
	Distance float64 `json:"distance"`
}

// Matcher 人脸比对能力
type Matcher interface {
	Compare(stored, live Descriptor) (Match, error)
}

// EuclideanMatcher 按欧氏距离比对，距离严格小于阈值为匹配
type EuclideanMatcher struct {
	Threshold float64
}

func NewEuclideanMatcher(threshold float64) *EuclideanMatcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &EuclideanMatcher{Threshold: threshold}
}

func (m *EuclideanMatcher) Compare(stored, live Descriptor) (Match, error) {
	d, err := Distance(stored, live)
	if err != nil {
		return Match{}, err
	}
	return Match{Matched: d < m.Threshold, Distance: d}, nil
}

func Distance(a, b Descriptor) (float64, error) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDescriptorLength, len(a), len(b))
	}
	var sum float64
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum), nil
}

// Candidate 1:N检索的候选模板
type Candidate struct {
	ID         string
	Descriptor Descriptor
}

// BestMatch 在候选模板中找距离最小且匹配的一项，没有匹配时ok为false
func BestMatch(m Matcher, live Descriptor, candidates []Candidate) (id string, best Match, ok bool) {
	best.Distance = math.Inf(1)
	for _, c := range candidates {
		res, err := m.Compare(c.Descriptor, live)
		if err != nil || !res.Matched {
			continue
		}
		if res.Distance < best.Distance {
			id, best, ok = c.ID, res, true
		}
	}
	return id, best, ok
}
