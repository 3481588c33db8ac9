// Package scoring contains the pure scoring primitives of the analysis
// pipeline: image similarity, resource availability, and the composite
// overall score.
package scoring

// OverallScore combines the image and resource scores into one value.
// The product is used so that both dimensions must be simultaneously
// good; a failure in either dominates the result.
func OverallScore(imageScore, resourceScore float64) float64 {
	return imageScore * resourceScore
}

// Bucket is a presentation-level quality classification of a score.
type Bucket string

// Score buckets.
const (
	BucketPoor     Bucket = "poor"
	BucketMarginal Bucket = "marginal"
	BucketGood     Bucket = "good"
)

// Display colors per bucket.
var bucketColors = map[Bucket]string{
	BucketPoor:     "#d10003",
	BucketMarginal: "#b3a100",
	BucketGood:     "#1d803b",
}

// ScoreBucket maps a score to its display bucket.
func ScoreBucket(score float64) Bucket {
	switch {
	case score < 0.80:
		return BucketPoor
	case score < 0.95:
		return BucketMarginal
	default:
		return BucketGood
	}
}

// ScoreColor returns the display color for a score.
func ScoreColor(score float64) string {
	return bucketColors[ScoreBucket(score)]
}
