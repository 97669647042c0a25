// Package vecmath provides utilities for embedding vectors (cosine similarity,
// distance, and L2 normalization).
package vecmath

import "math"

// CosineSimilarity returns the cosine similarity of two vectors in [-1, 1].
// Mismatched dimensions or a zero vector yield 0 (treated as unrelated).
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CosineDistance returns 1 - cosine_similarity, so smaller is more similar.
// Mismatched dimensions or a zero vector yield the maximum distance 1.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 1.0
	}

	sim := CosineSimilarity(a, b)
	if sim == 0 {
		return 1.0
	}

	return 1.0 - sim
}

// NormalizeL2 normalizes a vector to unit length in place. A zero vector is
// left unchanged.
func NormalizeL2(vector []float32) {
	var sumSquares float64
	for _, v := range vector {
		sumSquares += float64(v) * float64(v)
	}

	if sumSquares == 0 {
		return
	}

	magnitude := math.Sqrt(sumSquares)
	for i := range vector {
		vector[i] = float32(float64(vector[i]) / magnitude)
	}
}
