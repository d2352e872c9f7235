package utils

import (
	"fmt"
	"math"
)

// dotProduct calculates the dot product of two sparse term vectors.
func dotProduct(vec1, vec2 map[string]float32) float32 {
	var product float32
	for term, w := range vec1 {
		product += w * vec2[term]
	}
	return product
}

// magnitude calculates the L2 norm of a sparse vector.
func magnitude(vec map[string]float32) float32 {
	var sumOfSquares float32
	for _, val := range vec {
		sumOfSquares += val * val
	}
	return float32(math.Sqrt(float64(sumOfSquares)))
}

// CosineSimilarity calculates the cosine similarity between two term vectors.
func CosineSimilarity(vec1, vec2 map[string]float32) (float32, error) {
	if len(vec1) == 0 || len(vec2) == 0 {
		return 0, fmt.Errorf("vectors cannot be empty")
	}

	mag1 := magnitude(vec1)
	mag2 := magnitude(vec2)
	if mag1 == 0 || mag2 == 0 {
		return 0, nil
	}
	return dotProduct(vec1, vec2) / (mag1 * mag2), nil
}

// TextSimilarity is the cosine similarity of the term vectors of a and b.
// Empty input is never similar to anything.
func TextSimilarity(a, b string) float32 {
	sim, err := CosineSimilarity(TermVector(a), TermVector(b))
	if err != nil {
		return 0
	}
	return sim
}

// Jaccard is the token-set overlap of a and b.
func Jaccard(a, b string) float64 {
	setA := make(map[string]struct{})
	for _, t := range Tokenize(a) {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{})
	for _, t := range Tokenize(b) {
		setB[t] = struct{}{}
	}
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}
