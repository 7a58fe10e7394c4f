package ballot

import (
	"context"
	"errors"
	"testing"

	"github.com/lvdashuaibi/kioskvote/internal/model"
	"go.uber.org/zap"
)

func sampleCandidates() []model.Candidate {
	return []model.Candidate{
		{ID: "c3", ElectionID: "X", Position: "Vice President", PositionOrder: 2, Name: "Cora", DisplayOrder: 1},
		{ID: "c2", ElectionID: "X", Position: "President", PositionOrder: 1, Name: "Ben", Slate: "Blue", DisplayOrder: 2},
		{ID: "c1", ElectionID: "X", Position: "President", PositionOrder: 1, Name: "Ana", Slate: "Red", DisplayOrder: 1},
		{ID: "old", ElectionID: "X", Position: "President", PositionOrder: 1, Name: "Abstain", DisplayOrder: 9},
		{ID: "c9", ElectionID: "Y", Position: "President", Name: "Other"},
	}
}

func TestBuildBallot(t *testing.T) {
	b := BuildBallot("X", sampleCandidates())

	if len(b.Positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(b.Positions))
	}
	pres := b.Positions[0]
	if pres.Position != "President" || len(pres.Candidates) != 2 {
		t.Fatalf("unexpected first position %+v", pres)
	}
	if pres.Candidates[0].ID != "c1" || pres.Candidates[1].ID != "c2" {
		t.Fatalf("candidates not ordered by display order: %+v", pres.Candidates)
	}
	if b.Positions[1].Position != "Vice President" {
		t.Fatalf("unexpected second position %s", b.Positions[1].Position)
	}
}

func TestBuildBallotMergesInconsistentPositionOrder(t *testing.T) {
	cands := []model.Candidate{
		{ID: "t1", ElectionID: "X", Position: "Treasurer", PositionOrder: 3, Name: "Tom", DisplayOrder: 1},
		{ID: "p2", ElectionID: "X", Position: "President", PositionOrder: 5, Name: "Ben", DisplayOrder: 2},
		{ID: "s1", ElectionID: "X", Position: "Secretary", PositionOrder: 2, Name: "Sue"},
		{ID: "p1", ElectionID: "X", Position: "President", PositionOrder: 1, Name: "Ana", DisplayOrder: 1},
	}
	b := BuildBallot("X", cands)

	var names []string
	for _, p := range b.Positions {
		names = append(names, p.Position)
	}
	if len(names) != 3 || names[0] != "President" || names[1] != "Secretary" || names[2] != "Treasurer" {
		t.Fatalf("expected one group per position ordered by lowest order, got %v", names)
	}
	pres := b.Positions[0].Candidates
	if len(pres) != 2 || pres[0].ID != "p1" || pres[1].ID != "p2" {
		t.Fatalf("unexpected president candidates %+v", pres)
	}

	c := NewCollector(b, nil)
	if err := c.Choose("President", "p2"); err != nil {
		t.Fatalf("candidate with a different position_order must be selectable: %v", err)
	}
}

func TestAbstainRequiresConfirmation(t *testing.T) {
	c := NewCollector(BuildBallot("X", sampleCandidates()), nil)

	if err := c.Choose("President", model.AbstainID); err != nil {
		t.Fatalf("request abstain: %v", err)
	}
	if len(c.Selections()) != 0 {
		t.Fatalf("abstain must not be recorded before confirmation")
	}
	if c.PendingAbstain() != "President" {
		t.Fatalf("expected pending abstain for President")
	}

	s, err := c.ConfirmAbstain()
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	want := model.CandidateSelection{
		ElectionID:    "X",
		Position:      "President",
		CandidateID:   "ABSTAIN",
		CandidateName: "ABSTAIN",
		Slate:         "N/A",
	}
	if s != want {
		t.Fatalf("got %+v, want %+v", s, want)
	}

	vote := model.VoteFromSelection("v1", s)
	if vote.CandidateID != nil || !vote.IsAbstain || vote.ElectionID != "X" {
		t.Fatalf("unexpected abstain vote %+v", vote)
	}

	if _, err := c.ConfirmAbstain(); !errors.Is(err, ErrAbstainNotPending) {
		t.Fatalf("expected ErrAbstainNotPending, got %v", err)
	}
}

func TestCancelAbstainKeepsPreviousChoice(t *testing.T) {
	c := NewCollector(BuildBallot("X", sampleCandidates()), nil)
	c.Choose("President", "c1")
	c.RequestAbstain("President")
	c.CancelAbstain()

	sel := c.Selections()
	if len(sel) != 1 || sel[0].CandidateID != "c1" {
		t.Fatalf("cancel changed selection: %+v", sel)
	}
}

func TestChooseValidation(t *testing.T) {
	c := NewCollector(BuildBallot("X", sampleCandidates()), nil)

	if err := c.Choose("Treasurer", "c1"); !errors.Is(err, ErrUnknownPosition) {
		t.Fatalf("expected ErrUnknownPosition, got %v", err)
	}
	if err := c.Choose("President", "c3"); !errors.Is(err, ErrUnknownCandidate) {
		t.Fatalf("expected ErrUnknownCandidate, got %v", err)
	}
	if err := c.Choose("President", "old"); !errors.Is(err, ErrUnknownCandidate) {
		t.Fatalf("legacy abstain row must not be selectable, got %v", err)
	}
}

func TestSubmitPartialBallot(t *testing.T) {
	c := NewCollector(BuildBallot("X", sampleCandidates()), nil)
	if _, err := c.Submit(); !errors.Is(err, ErrNoSelection) {
		t.Fatalf("expected ErrNoSelection, got %v", err)
	}

	c.Choose("Vice President", "c3")
	sel, err := c.Submit()
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(sel) != 1 || sel[0].Position != "Vice President" || sel[0].CandidateName != "Cora" {
		t.Fatalf("unexpected selections %+v", sel)
	}
}

func TestCollectorPreloadsInitialSelections(t *testing.T) {
	initial := []model.CandidateSelection{
		{ElectionID: "X", Position: "President", CandidateID: "c2", CandidateName: "Ben"},
		{ElectionID: "Y", Position: "President", CandidateID: "c9"},
	}
	c := NewCollector(BuildBallot("X", sampleCandidates()), initial)
	sel := c.Selections()
	if len(sel) != 1 || sel[0].CandidateID != "c2" {
		t.Fatalf("expected only election X selection, got %+v", sel)
	}
}

type countingSource struct {
	calls int
}

func (s *countingSource) CandidatesForElection(_ context.Context, id string) ([]model.Candidate, error) {
	s.calls++
	return sampleCandidates(), nil
}

type mapCache struct {
	data map[string][]model.Candidate
}

func (m *mapCache) CachedCandidates(_ context.Context, id string) ([]model.Candidate, bool, error) {
	c, ok := m.data[id]
	return c, ok, nil
}

func (m *mapCache) CacheCandidates(_ context.Context, id string, c []model.Candidate) error {
	m.data[id] = c
	return nil
}

func TestLoaderUsesCache(t *testing.T) {
	src := &countingSource{}
	cache := &mapCache{data: map[string][]model.Candidate{}}
	l := NewLoader(src, cache, zap.NewNop())

	for i := 0; i < 3; i++ {
		b, err := l.Load(context.Background(), "X")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if len(b.Positions) != 2 {
			t.Fatalf("unexpected ballot %+v", b)
		}
	}
	if src.calls != 1 {
		t.Fatalf("expected one store read, got %d", src.calls)
	}
}
