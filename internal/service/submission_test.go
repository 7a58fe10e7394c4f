package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lvdashuaibi/kioskvote/internal/ledger"
	"github.com/lvdashuaibi/kioskvote/internal/model"
	"github.com/lvdashuaibi/kioskvote/internal/repository"
	"go.uber.org/zap"
)

type voteKey struct{ voter, election string }

type fakeVotes struct {
	mu       sync.Mutex
	receipts map[voteKey]model.BallotReceipt
	rows     []model.Vote
	fail     map[string]error
}

func newFakeVotes() *fakeVotes {
	return &fakeVotes{receipts: make(map[voteKey]model.BallotReceipt), fail: make(map[string]error)}
}

func (f *fakeVotes) RecordElection(_ context.Context, receipt model.BallotReceipt, votes []model.Vote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[receipt.ElectionID]; err != nil {
		return err
	}
	k := voteKey{receipt.VoterID, receipt.ElectionID}
	if _, ok := f.receipts[k]; ok {
		return repository.ErrAlreadyVoted
	}
	f.receipts[k] = receipt
	f.rows = append(f.rows, votes...)
	return nil
}

func (f *fakeVotes) count(voter, election string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.receipts {
		if k.voter == voter && k.election == election {
			n++
		}
	}
	return n
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*model.AnchorEvent
	err    error
}

func (p *fakePublisher) SendAnchorEvent(_ context.Context, e *model.AnchorEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

type fixture struct {
	svc    *SubmissionService
	votes  *fakeVotes
	jobs   *MemoryJobStore
	blocks *ledger.MemoryStore
}

func newFixture(t *testing.T, votes *fakeVotes, pub AnchorPublisher) *fixture {
	t.Helper()
	signer, err := ledger.NewSigner("")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	if votes == nil {
		votes = newFakeVotes()
	}
	blocks := &ledger.MemoryStore{}
	jobs := NewMemoryJobStore()
	now := func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	svc := NewSubmissionService(votes, jobs, ledger.New(blocks, now), signer, pub, "kiosk-1", now, nil, zap.NewNop())
	return &fixture{svc: svc, votes: votes, jobs: jobs, blocks: blocks}
}

func selection(election, position, candidate string) model.CandidateSelection {
	return model.CandidateSelection{
		ElectionID:    election,
		Position:      position,
		CandidateID:   candidate,
		CandidateName: "Name " + candidate,
		Slate:         "Slate",
	}
}

func TestSubmitAbstainRecordsNullCandidate(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, "v1", []model.CandidateSelection{
		model.AbstainSelection("X", "President"),
		selection("X", "Secretary", "c2"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.svc.Wait()

	if len(f.votes.rows) != 2 {
		t.Fatalf("expected 2 vote rows, got %d", len(f.votes.rows))
	}
	abstain := f.votes.rows[0]
	if abstain.ElectionID != "X" || abstain.CandidateID != nil || !abstain.IsAbstain {
		t.Fatalf("unexpected abstain row: %+v", abstain)
	}
	if f.votes.rows[1].CandidateID == nil || *f.votes.rows[1].CandidateID != "c2" {
		t.Fatalf("unexpected candidate row: %+v", f.votes.rows[1])
	}

	final, err := f.svc.Job(ctx, job.ID)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if final.Status != model.JobConfirmed || final.TxHash == "" {
		t.Fatalf("expected confirmed job with tx hash, got %+v", final)
	}
	if err := ledger.ValidateChain(f.blocks.Blocks()); err != nil {
		t.Fatalf("chain invalid: %v", err)
	}
}

func TestSubmitSwallowsDuplicateElection(t *testing.T) {
	votes := newFakeVotes()
	votes.receipts[voteKey{"v1", "X"}] = model.BallotReceipt{ID: "earlier"}
	f := newFixture(t, votes, nil)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, "v1", []model.CandidateSelection{
		selection("X", "President", "c1"),
		selection("Y", "Governor", "g1"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.svc.Wait()

	if len(job.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %+v", job.Outcomes)
	}
	if job.Outcomes[0].Status != model.OutcomeAlreadyVoted || job.Outcomes[1].Status != model.OutcomeRecorded {
		t.Fatalf("unexpected outcomes: %+v", job.Outcomes)
	}
	final, _ := f.svc.Job(ctx, job.ID)
	if final.Status != model.JobConfirmed {
		t.Fatalf("duplicate must not fail the job, got %s", final.Status)
	}
	if votes.count("v1", "X") != 1 {
		t.Fatalf("expected a single receipt for X")
	}
}

func TestSubmitAllDuplicatesConfirmsWithoutAnchor(t *testing.T) {
	votes := newFakeVotes()
	votes.receipts[voteKey{"v1", "X"}] = model.BallotReceipt{ID: "earlier"}
	f := newFixture(t, votes, nil)

	job, err := f.svc.Submit(context.Background(), "v1", []model.CandidateSelection{selection("X", "President", "c1")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != model.JobConfirmed || job.TxHash != "" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if len(f.blocks.Blocks()) != 0 {
		t.Fatalf("nothing should be anchored")
	}
}

func TestSubmitFailureMarksJobFailed(t *testing.T) {
	votes := newFakeVotes()
	votes.fail["Y"] = errors.New("connection reset")
	f := newFixture(t, votes, nil)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, "v1", []model.CandidateSelection{
		selection("X", "President", "c1"),
		selection("Y", "Governor", "g1"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.svc.Wait()

	final, _ := f.svc.Job(ctx, job.ID)
	if final.Status != model.JobFailed || final.Error == "" {
		t.Fatalf("expected failed job, got %+v", final)
	}
	if final.TxHash == "" {
		t.Fatalf("recorded elections should still be anchored")
	}
	if final.Outcomes[1].Status != model.OutcomeFailed {
		t.Fatalf("unexpected outcomes: %+v", final.Outcomes)
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	sel := []model.CandidateSelection{selection("X", "President", "c1")}

	first, err := f.svc.Submit(ctx, "v1", sel)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	f.svc.Wait()
	second, err := f.svc.Submit(ctx, "v1", sel)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	f.svc.Wait()

	if first.ID != second.ID {
		t.Fatalf("expected same job, got %s and %s", first.ID, second.ID)
	}
	if len(f.votes.rows) != 1 {
		t.Fatalf("expected 1 vote row, got %d", len(f.votes.rows))
	}
	if len(f.blocks.Blocks()) != 1 {
		t.Fatalf("expected 1 block, got %d", len(f.blocks.Blocks()))
	}
}

func TestConcurrentKiosksRecordOnce(t *testing.T) {
	votes := newFakeVotes()
	a := newFixture(t, votes, nil)
	b := newFixture(t, votes, nil)
	sel := []model.CandidateSelection{selection("X", "President", "c1")}

	var wg sync.WaitGroup
	for _, f := range []*fixture{a, b, a, b} {
		wg.Add(1)
		go func(f *fixture) {
			defer wg.Done()
			if _, err := f.svc.Submit(context.Background(), "v1", sel); err != nil {
				t.Errorf("submit: %v", err)
			}
		}(f)
	}
	wg.Wait()
	a.svc.Wait()
	b.svc.Wait()

	if votes.count("v1", "X") != 1 || len(votes.rows) != 1 {
		t.Fatalf("expected exactly one recorded ballot, got %d rows", len(votes.rows))
	}
}

func TestSubmitPublishesAnchorEvent(t *testing.T) {
	pub := &fakePublisher{}
	f := newFixture(t, nil, pub)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, "v1", []model.CandidateSelection{selection("X", "President", "c1")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.svc.Wait()
	if len(pub.events) != 1 {
		t.Fatalf("expected one anchor event, got %d", len(pub.events))
	}
	pending, _ := f.svc.Job(ctx, job.ID)
	if pending.Status != model.JobRecorded {
		t.Fatalf("job should wait for the consumer, got %s", pending.Status)
	}

	if err := f.svc.ProcessAnchorEvent(ctx, pub.events[0]); err != nil {
		t.Fatalf("process: %v", err)
	}
	// 重复投递不产生新区块
	if err := f.svc.ProcessAnchorEvent(ctx, pub.events[0]); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	final, _ := f.svc.Job(ctx, job.ID)
	if final.Status != model.JobConfirmed {
		t.Fatalf("expected confirmed, got %s", final.Status)
	}
	if len(f.blocks.Blocks()) != 1 {
		t.Fatalf("expected 1 block, got %d", len(f.blocks.Blocks()))
	}
}

func TestSubmitFallsBackWhenPublishFails(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	f := newFixture(t, nil, pub)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, "v1", []model.CandidateSelection{selection("X", "President", "c1")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.svc.Wait()
	final, _ := f.svc.Job(ctx, job.ID)
	if final.Status != model.JobConfirmed {
		t.Fatalf("expected local anchoring to confirm, got %s", final.Status)
	}
}

func TestMemoryJobStoreForwardOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()
	s.CreateJob(ctx, &model.SubmissionJob{ID: "j", Status: model.JobPending})

	steps := []struct {
		to   model.JobStatus
		want bool
	}{
		{model.JobRecorded, true},
		{model.JobPending, false},
		{model.JobAnchored, true},
		{model.JobRecorded, false},
		{model.JobConfirmed, true},
		{model.JobFailed, false},
	}
	for _, st := range steps {
		ok, err := s.AdvanceJob(ctx, "j", st.to, model.JobPatch{})
		if err != nil || ok != st.want {
			t.Fatalf("advance to %s: ok=%v err=%v, want %v", st.to, ok, err, st.want)
		}
	}
	if _, err := s.AdvanceJob(ctx, "missing", model.JobRecorded, model.JobPatch{}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitDedupeIsPerVoterAndForgotten(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	sel := []model.CandidateSelection{selection("X", "President", "c1")}

	first, err := f.svc.Submit(ctx, "v1", sel)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.svc.Wait()
	other, err := f.svc.Submit(ctx, "v1", []model.CandidateSelection{selection("Y", "President", "c9")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.svc.Wait()
	if other.ID == first.ID {
		t.Fatalf("different selections must create a new job")
	}
	if _, err := f.svc.Submit(ctx, "v2", sel); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.svc.Wait()
	if len(f.svc.submitted) != 2 {
		t.Fatalf("expected one entry per voter, got %d", len(f.svc.submitted))
	}

	f.svc.Forget("v1")
	f.svc.Forget("v2")
	if len(f.svc.submitted) != 0 {
		t.Fatalf("expected entries dropped, got %d", len(f.svc.submitted))
	}

	again, err := f.svc.Submit(ctx, "v1", sel)
	if err != nil {
		t.Fatalf("submit after forget: %v", err)
	}
	f.svc.Wait()
	if again.ID == first.ID {
		t.Fatalf("expected a fresh job after forget")
	}
	if again.Status != model.JobConfirmed || again.Outcomes[0].Status != model.OutcomeAlreadyVoted {
		t.Fatalf("expected confirmed already_voted job, got %+v", again)
	}
	if f.votes.count("v1", "X") != 1 {
		t.Fatalf("vote must be recorded once")
	}
}
