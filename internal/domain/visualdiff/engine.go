// Package visualdiff compares consecutive screenshots and turns the raw
// byte difference into a severity and a regression signal. The engine is
// pure: it never touches the filesystem and never decodes image formats —
// comparison is byte-level plus a coarse perceptual signature, which is
// enough to flag "the page changed a lot" without understanding pixels.
package visualdiff

import (
	"github.com/cespare/xxhash/v2"
)

// Status describes the relationship between two screenshots.
type Status string

const (
	// StatusChanged means both screenshots exist and differ.
	StatusChanged Status = "changed"
	// StatusUnchanged means both screenshots exist and are byte-identical.
	StatusUnchanged Status = "unchanged"
	// StatusMissing means at least one screenshot is absent.
	StatusMissing Status = "missing"
)

// Severity grades how large a change is.
type Severity string

const (
	// SeverityLow is an unchanged or barely-changed pair.
	SeverityLow Severity = "low"
	// SeverityMedium is a visible change.
	SeverityMedium Severity = "medium"
	// SeverityHigh is a large change or a missing screenshot.
	SeverityHigh Severity = "high"
)

// Signal is the regression verdict derived from the regression score.
type Signal string

const (
	// SignalNone means the pair looks healthy.
	SignalNone Signal = "none"
	// SignalInvestigate means the change is large enough to look at.
	SignalInvestigate Signal = "investigate"
	// SignalRegression means the change is almost certainly a regression.
	SignalRegression Signal = "regression"
)

// Comparison thresholds. The ratio thresholds grade severity; the score
// thresholds grade the regression signal.
const (
	// MediumRatioThreshold is the changed-byte ratio above which a change
	// is at least medium severity.
	MediumRatioThreshold = 0.02
	// HighRatioThreshold is the changed-byte ratio above which a change
	// is high severity.
	HighRatioThreshold = 0.15
	// InvestigateScoreThreshold is the regression score above which the
	// signal is investigate.
	InvestigateScoreThreshold = 0.35
	// RegressionScoreThreshold is the regression score above which the
	// signal is regression.
	RegressionScoreThreshold = 0.70
	// signatureBuckets is the number of equal-count buckets in the
	// perceptual signature.
	signatureBuckets = 64
)

// Severity floors for the regression score: a high-severity change never
// scores below 0.75 regardless of the blended ratio.
const (
	highSeverityFloor   = 0.75
	mediumSeverityFloor = 0.40
	lowSeverityFloor    = 0.15
)

// Assessment is the full result of comparing two screenshots.
type Assessment struct {
	// Status is changed, unchanged, or missing.
	Status Status `json:"status"`
	// ChangedByteRatio is the fraction of differing bytes (nil when missing).
	ChangedByteRatio *float64 `json:"changedByteRatio,omitempty"`
	// PerceptualDiffScore is the signature distance in [0,1] (nil when missing).
	PerceptualDiffScore *float64 `json:"perceptualDiffScore,omitempty"`
	// Severity grades the change.
	Severity Severity `json:"severity"`
	// RegressionScore is the blended score in [0,1].
	RegressionScore float64 `json:"regressionScore"`
	// Signal is the verdict derived from the score.
	Signal Signal `json:"regressionSignal"`
}

// Assess compares two screenshot byte buffers. Either side may be nil,
// in which case the pair is missing and graded as a regression.
func Assess(from, to []byte) Assessment {
	if len(from) == 0 || len(to) == 0 {
		return Assessment{
			Status:          StatusMissing,
			Severity:        SeverityHigh,
			RegressionScore: 1,
			Signal:          SignalRegression,
		}
	}

	if len(from) == len(to) && xxhash.Sum64(from) == xxhash.Sum64(to) {
		zero := 0.0
		return Assessment{
			Status:              StatusUnchanged,
			ChangedByteRatio:    &zero,
			PerceptualDiffScore: &zero,
			Severity:            SeverityLow,
			RegressionScore:     0,
			Signal:              SignalNone,
		}
	}

	ratio := ChangedByteRatio(from, to)
	perceptual := PerceptualDiffScore(from, to)
	severity := ClassifySeverity(StatusChanged, &ratio)
	score := RegressionScore(StatusChanged, severity, &ratio, &perceptual)

	return Assessment{
		Status:              StatusChanged,
		ChangedByteRatio:    &ratio,
		PerceptualDiffScore: &perceptual,
		Severity:            severity,
		RegressionScore:     score,
		Signal:              ClassifySignal(score),
	}
}

// ChangedByteRatio computes the fraction of bytes that differ:
// the length delta plus differing bytes within the overlap, over the
// larger length.
func ChangedByteRatio(from, to []byte) float64 {
	longer := len(from)
	if len(to) > longer {
		longer = len(to)
	}
	if longer == 0 {
		return 0
	}

	overlap := len(from)
	if len(to) < overlap {
		overlap = len(to)
	}

	changed := longer - overlap
	for i := 0; i < overlap; i++ {
		if from[i] != to[i] {
			changed++
		}
	}

	return float64(changed) / float64(longer)
}

// PerceptualDiffScore computes a coarse signature distance: each buffer is
// split into 64 equal-count buckets whose value is the mean byte over 255,
// the per-bucket deltas are averaged, and a length penalty is mixed in.
// The result is clamped to [0,1].
func PerceptualDiffScore(from, to []byte) float64 {
	fromSig := signature(from)
	toSig := signature(to)

	var delta float64
	for i := 0; i < signatureBuckets; i++ {
		d := fromSig[i] - toSig[i]
		if d < 0 {
			d = -d
		}
		delta += d
	}
	delta /= signatureBuckets

	longer := len(from)
	if len(to) > longer {
		longer = len(to)
	}
	var lengthPenalty float64
	if longer > 0 {
		diff := len(from) - len(to)
		if diff < 0 {
			diff = -diff
		}
		lengthPenalty = float64(diff) / float64(longer)
	}

	score := 0.8*delta + 0.2*lengthPenalty
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// signature buckets the buffer into 64 equal-count mean-byte values in [0,1].
func signature(buf []byte) [signatureBuckets]float64 {
	var sig [signatureBuckets]float64
	if len(buf) == 0 {
		return sig
	}

	bucketSize := len(buf) / signatureBuckets
	if bucketSize == 0 {
		bucketSize = 1
	}

	for i := 0; i < signatureBuckets; i++ {
		start := i * bucketSize
		if start >= len(buf) {
			break
		}
		end := start + bucketSize
		if i == signatureBuckets-1 || end > len(buf) {
			end = len(buf)
		}

		var sum int
		for _, b := range buf[start:end] {
			sum += int(b)
		}
		sig[i] = float64(sum) / float64(end-start) / 255
	}

	return sig
}

// ClassifySeverity grades a comparison. Missing pairs are always high,
// unchanged pairs always low; changed pairs are thresholded by the ratio
// and default to medium when the ratio is unknown.
func ClassifySeverity(status Status, ratio *float64) Severity {
	switch status {
	case StatusMissing:
		return SeverityHigh
	case StatusUnchanged:
		return SeverityLow
	}

	if ratio == nil {
		return SeverityMedium
	}
	switch {
	case *ratio >= HighRatioThreshold:
		return SeverityHigh
	case *ratio >= MediumRatioThreshold:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// RegressionScore blends the byte ratio and perceptual score, floored by
// severity. Missing pairs score 1, unchanged pairs 0. A missing ratio or
// perceptual value substitutes the other; when both are missing the blend
// input is 0.5.
func RegressionScore(status Status, severity Severity, ratio, perceptual *float64) float64 {
	switch status {
	case StatusMissing:
		return 1
	case StatusUnchanged:
		return 0
	}

	r, p := 0.5, 0.5
	switch {
	case ratio != nil && perceptual != nil:
		r, p = *ratio, *perceptual
	case ratio != nil:
		r, p = *ratio, *ratio
	case perceptual != nil:
		r, p = *perceptual, *perceptual
	}

	blended := 0.45*r + 0.55*p

	floor := lowSeverityFloor
	switch severity {
	case SeverityHigh:
		floor = highSeverityFloor
	case SeverityMedium:
		floor = mediumSeverityFloor
	}

	if blended < floor {
		blended = floor
	}
	if blended > 1 {
		blended = 1
	}
	return blended
}

// ClassifySignal maps a regression score to its verdict.
func ClassifySignal(score float64) Signal {
	switch {
	case score >= RegressionScoreThreshold:
		return SignalRegression
	case score >= InvestigateScoreThreshold:
		return SignalInvestigate
	default:
		return SignalNone
	}
}
