package kiosk

import (
	"context"
	"time"

	"github.com/lvdashuaibi/kioskvote/internal/model"
)

// ElectionStatus 选择页上的选举状态
type ElectionStatus string

const (
	ElectionOpen      ElectionStatus = "open"
	ElectionCompleted ElectionStatus = "completed"
	ElectionUpcoming  ElectionStatus = "upcoming"
	ElectionEnded     ElectionStatus = "ended"
)

type ElectionView struct {
	model.Election
	Status ElectionStatus `json:"status"`
}

type VoterView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	YearLevel int    `json:"yearLevel"`
}

// ElectionSelections 最终复核页按选举分组
type ElectionSelections struct {
	ElectionID string                     `json:"electionId"`
	Title      string                     `json:"title"`
	Selections []model.CandidateSelection `json:"selections"`
}

// View 前端渲染所需的完整快照
type View struct {
	Step             Step                       `json:"step"`
	AwaitingFace     bool                       `json:"awaitingFace"`
	Voter            *VoterView                 `json:"voter,omitempty"`
	Elections        []ElectionView             `json:"elections,omitempty"`
	SelectedElection *model.Election            `json:"selectedElection,omitempty"`
	Ballot           *model.Ballot              `json:"ballot,omitempty"`
	Selections       []model.CandidateSelection `json:"selections,omitempty"`
	PendingAbstain   string                     `json:"pendingAbstain,omitempty"`
	Review           []ElectionSelections       `json:"review,omitempty"`
	TimerStarted     bool                       `json:"timerStarted"`
	RemainingSeconds int                        `json:"remainingSeconds"`
	Warning          bool                       `json:"warning"`
	GraceUsed        int                        `json:"graceUsed"`
	Job              *model.SubmissionJob       `json:"job,omitempty"`
	Error            *Fault                     `json:"error,omitempty"`
	ResetInSeconds   int                        `json:"resetInSeconds,omitempty"`
}

// State 当前视图；完成页上会刷新提交任务的最新状态
func (c *Controller) State(ctx context.Context) View {
	c.mu.Lock()
	v := c.viewLocked()
	jobID := ""
	if c.job != nil {
		jobID = c.job.ID
	}
	c.mu.Unlock()

	if jobID != "" {
		if job, err := c.deps.Submitter.Job(ctx, jobID); err == nil {
			v.Job = job
		}
	}
	return v
}

func (c *Controller) viewLocked() View {
	now := c.clock.Now()
	v := View{
		Step:             c.step,
		AwaitingFace:     c.step == StepAuth && c.identity != nil,
		TimerStarted:     c.timer.Started(),
		RemainingSeconds: int(c.timer.Remaining().Seconds()),
		Warning:          c.timer.Warning(),
		GraceUsed:        c.timer.GraceUsed(),
		Error:            c.fault,
	}
	if c.job != nil {
		job := *c.job
		v.Job = &job
	}
	if c.voter != nil {
		v.Voter = &VoterView{ID: c.voter.ID, Name: c.voter.FullName(), YearLevel: c.voter.YearLevel}
	}

	for _, e := range c.catalog.Active {
		st := ElectionOpen
		if c.completed[e.ID] {
			st = ElectionCompleted
		}
		v.Elections = append(v.Elections, ElectionView{Election: e, Status: st})
	}
	for _, e := range c.catalog.Upcoming {
		v.Elections = append(v.Elections, ElectionView{Election: e, Status: ElectionUpcoming})
	}
	for _, e := range c.catalog.Expired {
		v.Elections = append(v.Elections, ElectionView{Election: e, Status: ElectionEnded})
	}

	if c.selected != nil {
		e := *c.selected
		v.SelectedElection = &e
	}
	if c.step == StepBallot && c.collector != nil {
		v.Ballot = c.collector.Ballot()
		v.Selections = c.collector.Selections()
		v.PendingAbstain = c.collector.PendingAbstain()
	}

	switch c.step {
	case StepReview:
		if c.reviewing != nil {
			v.Review = c.groupLocked(func(id string) bool { return id == c.reviewing.ID })
		}
	case StepReviewFinal, StepSubmitting:
		v.Review = c.groupLocked(func(string) bool { return true })
	case StepComplete:
		v.ResetInSeconds = secondsLeft(c.cfg.CompleteResetAfter - now.Sub(c.stepEntered))
	case StepError:
		v.ResetInSeconds = secondsLeft(c.cfg.ErrorResetAfter - now.Sub(c.stepEntered))
	}
	return v
}

func (c *Controller) groupLocked(keep func(electionID string) bool) []ElectionSelections {
	var out []ElectionSelections
	index := make(map[string]int)
	for _, s := range c.all {
		if !keep(s.ElectionID) {
			continue
		}
		i, ok := index[s.ElectionID]
		if !ok {
			i = len(out)
			index[s.ElectionID] = i
			title := s.ElectionID
			for _, e := range c.catalog.Active {
				if e.ID == s.ElectionID {
					title = e.Title
				}
			}
			out = append(out, ElectionSelections{ElectionID: s.ElectionID, Title: title})
		}
		out[i].Selections = append(out[i].Selections, s)
	}
	return out
}

func secondsLeft(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
