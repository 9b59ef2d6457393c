package visualdiff

import (
	"bytes"
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestAssess_MissingSides(t *testing.T) {
	tests := []struct {
		name string
		from []byte
		to   []byte
	}{
		{"both nil", nil, nil},
		{"from nil", nil, []byte{1, 2, 3}},
		{"to nil", []byte{1, 2, 3}, nil},
		{"from empty", []byte{}, []byte{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Assess(tt.from, tt.to)
			if got.Status != StatusMissing {
				t.Errorf("Status = %v, want missing", got.Status)
			}
			if got.Severity != SeverityHigh {
				t.Errorf("Severity = %v, want high", got.Severity)
			}
			if got.RegressionScore != 1 {
				t.Errorf("RegressionScore = %v, want 1", got.RegressionScore)
			}
			if got.Signal != SignalRegression {
				t.Errorf("Signal = %v, want regression", got.Signal)
			}
		})
	}
}

func TestAssess_Identical(t *testing.T) {
	buf := bytes.Repeat([]byte{0x42}, 4096)

	got := Assess(buf, buf)
	if got.Status != StatusUnchanged {
		t.Fatalf("Status = %v, want unchanged", got.Status)
	}
	if got.ChangedByteRatio == nil || *got.ChangedByteRatio != 0 {
		t.Errorf("ChangedByteRatio = %v, want 0", got.ChangedByteRatio)
	}
	if got.Severity != SeverityLow {
		t.Errorf("Severity = %v, want low", got.Severity)
	}
	if got.RegressionScore != 0 {
		t.Errorf("RegressionScore = %v, want 0", got.RegressionScore)
	}
	if got.Signal != SignalNone {
		t.Errorf("Signal = %v, want none", got.Signal)
	}
}

// Two fully-disjoint buffers: every byte differs, so the ratio is exactly
// 1.0 and the pair must be graded as a regression.
func TestAssess_FullyChanged(t *testing.T) {
	a := bytes.Repeat([]byte{0x00}, 1000)
	b := bytes.Repeat([]byte{0xFF}, 1000)

	got := Assess(a, b)
	if got.Status != StatusChanged {
		t.Fatalf("Status = %v, want changed", got.Status)
	}
	if got.ChangedByteRatio == nil || !almostEqual(*got.ChangedByteRatio, 1.0) {
		t.Errorf("ChangedByteRatio = %v, want 1.0", got.ChangedByteRatio)
	}
	if got.Severity != SeverityHigh {
		t.Errorf("Severity = %v, want high", got.Severity)
	}
	if got.RegressionScore < highSeverityFloor {
		t.Errorf("RegressionScore = %v, want >= %v", got.RegressionScore, highSeverityFloor)
	}
	if got.Signal != SignalRegression {
		t.Errorf("Signal = %v, want regression", got.Signal)
	}
}

func TestChangedByteRatio(t *testing.T) {
	tests := []struct {
		name string
		from []byte
		to   []byte
		want float64
	}{
		{"equal", []byte{1, 2, 3, 4}, []byte{1, 2, 3, 4}, 0},
		{"one differs", []byte{1, 2, 3, 4}, []byte{1, 2, 9, 4}, 0.25},
		{"length delta only", []byte{1, 2, 3, 4}, []byte{1, 2}, 0.5},
		{"all differ", []byte{0, 0}, []byte{1, 1}, 1},
		{"delta plus overlap", []byte{1, 2, 3, 4}, []byte{9, 2}, 0.75},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ChangedByteRatio(tt.from, tt.to)
			if !almostEqual(got, tt.want) {
				t.Errorf("ChangedByteRatio() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPerceptualDiffScore_Bounds(t *testing.T) {
	a := bytes.Repeat([]byte{0x00}, 1000)
	b := bytes.Repeat([]byte{0xFF}, 1000)

	score := PerceptualDiffScore(a, b)
	// Mean-byte delta is 1.0 in every bucket, no length penalty: 0.8*1 + 0.2*0.
	if !almostEqual(score, 0.8) {
		t.Errorf("PerceptualDiffScore() = %v, want 0.8", score)
	}

	if s := PerceptualDiffScore(a, a); !almostEqual(s, 0) {
		t.Errorf("PerceptualDiffScore(identical) = %v, want 0", s)
	}
}

func TestClassifySeverity(t *testing.T) {
	low := 0.01
	medium := 0.05
	high := 0.2

	tests := []struct {
		name   string
		status Status
		ratio  *float64
		want   Severity
	}{
		{"missing", StatusMissing, nil, SeverityHigh},
		{"unchanged", StatusUnchanged, nil, SeverityLow},
		{"changed nil ratio", StatusChanged, nil, SeverityMedium},
		{"changed below medium", StatusChanged, &low, SeverityLow},
		{"changed medium", StatusChanged, &medium, SeverityMedium},
		{"changed high", StatusChanged, &high, SeverityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifySeverity(tt.status, tt.ratio); got != tt.want {
				t.Errorf("ClassifySeverity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegressionScore(t *testing.T) {
	small := 0.1
	big := 0.9

	tests := []struct {
		name       string
		status     Status
		severity   Severity
		ratio      *float64
		perceptual *float64
		want       float64
	}{
		{"missing", StatusMissing, SeverityHigh, nil, nil, 1},
		{"unchanged", StatusUnchanged, SeverityLow, nil, nil, 0},
		{"floor wins high", StatusChanged, SeverityHigh, &small, &small, highSeverityFloor},
		{"floor wins medium", StatusChanged, SeverityMedium, &small, &small, mediumSeverityFloor},
		{"blend wins", StatusChanged, SeverityLow, &big, &big, 0.9},
		{"ratio substitutes perceptual", StatusChanged, SeverityLow, &big, nil, 0.9},
		{"both missing uses half", StatusChanged, SeverityLow, nil, nil, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RegressionScore(tt.status, tt.severity, tt.ratio, tt.perceptual)
			if !almostEqual(got, tt.want) {
				t.Errorf("RegressionScore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifySignal(t *testing.T) {
	tests := []struct {
		score float64
		want  Signal
	}{
		{0, SignalNone},
		{0.34, SignalNone},
		{0.35, SignalInvestigate},
		{0.69, SignalInvestigate},
		{0.70, SignalRegression},
		{1, SignalRegression},
	}

	for _, tt := range tests {
		if got := ClassifySignal(tt.score); got != tt.want {
			t.Errorf("ClassifySignal(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}
