package dataset

import (
	"fmt"
	"math/rand"
)

// DefaultTrainRatio is the share of records kept for training.
const DefaultTrainRatio = 0.9

// Split shuffles records with rng and cuts them at ratio. The input slice is
// not modified.
func Split[T any](records []T, ratio float64, rng *rand.Rand) (train, val []T, err error) {
	if ratio <= 0 || ratio > 1 {
		return nil, nil, fmt.Errorf("ratio must be in (0, 1], got %v", ratio)
	}
	shuffled := append([]T(nil), records...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	cut := int(ratio * float64(len(shuffled)))
	return shuffled[:cut], shuffled[cut:], nil
}

// Shuffle returns records in a random order drawn from rng.
func Shuffle[T any](records []T, rng *rand.Rand) []T {
	out := append([]T(nil), records...)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
