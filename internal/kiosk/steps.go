package kiosk

import (
	"errors"
	"fmt"
)

// Step 终端当前所处的页面
type Step string

const (
	StepAuth             Step = "auth"
	StepElectionSelect   Step = "election-select"
	StepBallot           Step = "ballot"
	StepReview           Step = "review"
	StepElectionFinished Step = "election-finished"
	StepReviewFinal      Step = "review-final"
	StepSubmitting       Step = "submitting"
	StepComplete         Step = "complete"
	StepError            Step = "error"
)

// AllSteps 指标用
var AllSteps = []Step{
	StepAuth, StepElectionSelect, StepBallot, StepReview, StepElectionFinished,
	StepReviewFinal, StepSubmitting, StepComplete, StepError,
}

var ErrInvalidTransition = errors.New("invalid kiosk transition")

// transitions 唯一的状态转移定义。指向auth的边即重置；
// review -> ballot 是唯一的回退边，提交开始后不能取消。
var transitions = map[Step][]Step{
	StepAuth:             {StepElectionSelect, StepBallot, StepError},
	StepElectionSelect:   {StepBallot, StepAuth, StepError},
	StepBallot:           {StepReview, StepAuth, StepError},
	StepReview:           {StepBallot, StepElectionFinished, StepReviewFinal, StepAuth, StepError},
	StepElectionFinished: {StepElectionSelect, StepAuth, StepError},
	StepReviewFinal:      {StepSubmitting, StepAuth, StepError},
	StepSubmitting:       {StepComplete, StepError},
	StepComplete:         {StepAuth},
	StepError:            {StepAuth},
}

// CanTransition from -> to 是否允许
func CanTransition(from, to Step) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Step) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func stepNames() []string {
	out := make([]string, len(AllSteps))
	for i, s := range AllSteps {
		out[i] = string(s)
	}
	return out
}
