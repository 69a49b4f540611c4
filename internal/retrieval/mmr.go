package retrieval

import "math"

// mmrLambda balances relevance against diversity in the reranker.
const mmrLambda = 0.7

// rerankMMR applies Maximal Marginal Relevance over the fused candidate
// list, keeping k results. Raw embeddings are not available here, so
// inter-result similarity is approximated by Euclidean distance in the
// (vectorScore, keywordScore) plane, normalized to [0, 1].
func rerankMMR(candidates []*ScoredLearning, k int) []*ScoredLearning {
	if len(candidates) <= k {
		return candidates
	}

	selected := make([]*ScoredLearning, 0, k)
	remaining := make([]*ScoredLearning, len(candidates))
	copy(remaining, candidates)

	// Candidates arrive sorted by score, so the head is the first pick.
	selected = append(selected, remaining[0])
	remaining = remaining[1:]

	for len(selected) < k && len(remaining) > 0 {
		bestIdx := 0
		bestMMR := math.Inf(-1)
		for i, c := range remaining {
			maxSim := 0.0
			for _, s := range selected {
				if sim := scoreSimilarity(c, s); sim > maxSim {
					maxSim = sim
				}
			}
			mmr := mmrLambda*c.Score - (1-mmrLambda)*maxSim
			if mmr > bestMMR {
				bestMMR = mmr
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

// scoreSimilarity maps the score-plane distance between two results into a
// similarity in [0, 1]. The maximum possible distance in the unit plane is
// sqrt(2).
func scoreSimilarity(a, b *ScoredLearning) float64 {
	dv := a.VectorScore - b.VectorScore
	dk := a.KeywordScore - b.KeywordScore
	return 1 - math.Sqrt(dv*dv+dk*dk)/math.Sqrt2
}
