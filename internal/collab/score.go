package collab

import (
	"context"
	"errors"
	"math"
)

type scoreRequest struct {
	Message string `json:"message"`
}

type scoreResponse struct {
	Score *float64 `json:"score"`
	Error string   `json:"error,omitempty"`
}

// Scorer wraps the external offensiveness-scoring collaborator.
type Scorer struct {
	opts Options
}

func NewScorer(opts Options) *Scorer {
	return &Scorer{opts: opts.normalized()}
}

func (s *Scorer) Score(ctx context.Context, text string) (float64, error) {
	var resp scoreResponse
	if err := s.opts.do(ctx, "score", scoreRequest{Message: text}, &resp); err != nil {
		return 0, err
	}
	if resp.Error != "" {
		return 0, errors.New("score: service error: " + resp.Error)
	}
	if resp.Score == nil {
		return 0, errors.New("score: response missing score")
	}
	score := *resp.Score
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, errors.New("score: response score is not a finite number")
	}
	return score, nil
}
