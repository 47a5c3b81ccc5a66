package rules

import (
	"fmt"

	"github.com/opensource-finance/loanwatch/internal/domain"
)

// DecisionResult is the outcome of the decision thresholds.
type DecisionResult struct {
	Confidence int
	Decision   domain.Decision
	Reason     string
}

// Decide turns a score into a confidence and a three-way decision.
// Confidence is round(100*score/maxScore) clamped to [0,100]. Restricted
// categories are never approved, and categories requiring approval are never
// approved automatically.
func Decide(score, maxScore float64, restricted, requiresApproval bool) DecisionResult {
	confidence := 0
	if maxScore > 0 {
		confidence = round(score / maxScore * 100)
	}
	confidence = max(0, min(confidence, 100))

	switch {
	case confidence >= domain.ApproveConfidence && !restricted && !requiresApproval:
		return DecisionResult{
			Confidence: confidence,
			Decision:   domain.DecisionAutoApprove,
			Reason:     fmt.Sprintf("automatic approval with %d%% confidence", confidence),
		}
	case confidence <= domain.RejectConfidence || restricted:
		return DecisionResult{
			Confidence: confidence,
			Decision:   domain.DecisionAutoReject,
			Reason:     fmt.Sprintf("automatic rejection with %d%% confidence", confidence),
		}
	default:
		return DecisionResult{
			Confidence: confidence,
			Decision:   domain.DecisionManualReview,
			Reason:     "criteria insufficient for automatic approval",
		}
	}
}
