package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/lvdashuaibi/kioskvote/internal/model"
	"github.com/lvdashuaibi/kioskvote/internal/repository"
)

// MemoryJobStore 内存任务存储，语义与Redis脚本一致
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]model.SubmissionJob
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]model.SubmissionJob)}
}

func (m *MemoryJobStore) CreateJob(_ context.Context, job *model.SubmissionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("任务 %s 已存在", job.ID)
	}
	j := *job
	j.Outcomes = append([]model.ElectionOutcome(nil), job.Outcomes...)
	m.jobs[job.ID] = j
	return nil
}

func (m *MemoryJobStore) AdvanceJob(_ context.Context, id string, to model.JobStatus, patch model.JobPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if j.Status.Terminal() || to.Rank() <= j.Status.Rank() {
		return false, nil
	}

	j.Status = to
	j.UpdatedAt = patch.At
	if patch.Outcomes != nil {
		j.Outcomes = append([]model.ElectionOutcome(nil), patch.Outcomes...)
	}
	if patch.TxHash != "" {
		j.TxHash = patch.TxHash
	}
	if patch.Error != "" {
		j.Error = patch.Error
	}
	m.jobs[id] = j
	return true, nil
}

func (m *MemoryJobStore) GetJob(_ context.Context, id string) (*model.SubmissionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	j.Outcomes = append([]model.ElectionOutcome(nil), j.Outcomes...)
	return &j, nil
}
