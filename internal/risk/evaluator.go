package risk

const (
	scoreMax = 100
	scoreMin = 0

	// Inclusive hold band: 30 and 70 both hold.
	holdLowerBound = 30
	holdUpperBound = 70

	userFrequencyWeight = 8
	userFrequencyCap    = 40
	ipFrequencyWeight   = 4
	ipFrequencyCap      = 20

	amountSpikeRatio  = 5
	amountSpikeScore  = 30
	amountRaisedRatio = 2
	amountRaisedScore = 15

	flaggedUserScore = 40
)

var eventTypeWeights = map[string]int{
	"order.completed": 0,
	"promo.granted":   10,
	"order.refunded":  15,
}

// Score computes the bounded 0-100 risk score for a candidate event. It is
// a pure function of recent history plus the candidate.
func Score(history History, candidate Candidate) int {
	score := 0
	score += capInt(history.UserEventsLastHour*userFrequencyWeight, userFrequencyCap)
	score += capInt(history.IPEventsLastHour*ipFrequencyWeight, ipFrequencyCap)
	if history.AverageCreditPoints > 0 && candidate.Amount > 0 {
		switch {
		case candidate.Amount >= amountSpikeRatio*history.AverageCreditPoints:
			score += amountSpikeScore
		case candidate.Amount >= amountRaisedRatio*history.AverageCreditPoints:
			score += amountRaisedScore
		}
	}
	score += eventTypeWeights[candidate.EventType]
	if candidate.UserFlagged {
		score += flaggedUserScore
	}
	return clampScore(score)
}

// DecisionForScore applies the threshold policy: above 70 reversed, 30-70
// inclusive held for review, below 30 posted.
func DecisionForScore(score int) Decision {
	if score > holdUpperBound {
		return DecisionReversed
	}
	if score >= holdLowerBound {
		return DecisionHold
	}
	return DecisionPosted
}

// Assess scores a candidate and maps the score to a decision.
func Assess(history History, candidate Candidate) Assessment {
	score := Score(history, candidate)
	return Assessment{Score: score, Decision: DecisionForScore(score)}
}

func capInt(value int, ceiling int) int {
	if value > ceiling {
		return ceiling
	}
	return value
}

func clampScore(score int) int {
	if score > scoreMax {
		return scoreMax
	}
	if score < scoreMin {
		return scoreMin
	}
	return score
}
