package ballot

import (
	"errors"
	"fmt"

	"github.com/lvdashuaibi/kioskvote/internal/model"
)

var (
	// ErrNoSelection 至少需要一个职位有选择
	ErrNoSelection       = errors.New("at least one selection is required")
	ErrUnknownPosition   = errors.New("position is not on this ballot")
	ErrUnknownCandidate  = errors.New("candidate is not running for this position")
	ErrAbstainNotPending = errors.New("no abstain confirmation is pending")
)

// Collector 单场选举的选票收集，每个职位至多一个选择
type Collector struct {
	ballot         *model.Ballot
	selections     map[string]model.CandidateSelection
	pendingAbstain string
}

// NewCollector initial中属于本场选举的选择会被预先载入，用于返回修改
func NewCollector(b *model.Ballot, initial []model.CandidateSelection) *Collector {
	c := &Collector{
		ballot:     b,
		selections: make(map[string]model.CandidateSelection),
	}
	for _, s := range initial {
		if s.ElectionID != b.ElectionID {
			continue
		}
		if _, ok := c.position(s.Position); ok {
			c.selections[s.Position] = s
		}
	}
	return c
}

func (c *Collector) Ballot() *model.Ballot { return c.ballot }

func (c *Collector) position(name string) (*model.PositionBallot, bool) {
	for i := range c.ballot.Positions {
		if c.ballot.Positions[i].Position == name {
			return &c.ballot.Positions[i], true
		}
	}
	return nil, false
}

// Choose 为职位选择候选人，覆盖之前的选择
func (c *Collector) Choose(position, candidateID string) error {
	if candidateID == model.AbstainID {
		return c.RequestAbstain(position)
	}
	p, ok := c.position(position)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPosition, position)
	}
	for _, cand := range p.Candidates {
		if cand.ID == candidateID {
			c.selections[position] = model.CandidateSelection{
				ElectionID:    c.ballot.ElectionID,
				Position:      position,
				CandidateID:   cand.ID,
				CandidateName: cand.Name,
				Slate:         cand.Slate,
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownCandidate, candidateID)
}

// RequestAbstain 弃权需要二次确认，这里只登记待确认的职位
func (c *Collector) RequestAbstain(position string) error {
	if _, ok := c.position(position); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPosition, position)
	}
	c.pendingAbstain = position
	return nil
}

func (c *Collector) PendingAbstain() string { return c.pendingAbstain }

// ConfirmAbstain 确认弃权
func (c *Collector) ConfirmAbstain() (model.CandidateSelection, error) {
	if c.pendingAbstain == "" {
		return model.CandidateSelection{}, ErrAbstainNotPending
	}
	s := model.AbstainSelection(c.ballot.ElectionID, c.pendingAbstain)
	c.selections[c.pendingAbstain] = s
	c.pendingAbstain = ""
	return s, nil
}

func (c *Collector) CancelAbstain() {
	c.pendingAbstain = ""
}

// Selections 按选票上的职位顺序返回当前选择
func (c *Collector) Selections() []model.CandidateSelection {
	out := make([]model.CandidateSelection, 0, len(c.selections))
	for _, p := range c.ballot.Positions {
		if s, ok := c.selections[p.Position]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Submit 允许部分填写，但至少要有一个选择
func (c *Collector) Submit() ([]model.CandidateSelection, error) {
	sel := c.Selections()
	if len(sel) == 0 {
		return nil, ErrNoSelection
	}
	return sel, nil
}
