package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/studioforge/model-trainer/backend/models"
)

// MemoryStore is a Store kept in process memory. It backs tests and
// single-node development runs.
type MemoryStore struct {
	mtx        sync.RWMutex
	jobs       map[string]*models.TrainingJob
	byProvider map[string]string
	events     map[string][]models.JobEvent
	nextEvent  int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*models.TrainingJob),
		byProvider: make(map[string]string),
		events:     make(map[string][]models.JobEvent),
	}
}

func providerKey(provider models.Provider, providerJobID string) string {
	return string(provider) + "/" + providerJobID
}

func (s *MemoryStore) Create(_ context.Context, job *models.TrainingJob) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return NewErrJobAlreadyExists(job.ID)
	}
	if owner, ok := s.byProvider[providerKey(job.Provider, job.ProviderJobID)]; ok && job.ProviderJobID != "" {
		return NewErrProviderJobIDInUse(owner, job.Provider, job.ProviderJobID)
	}
	stored := job.Clone()
	if stored.Revision == 0 {
		stored.Revision = 1
	}
	s.jobs[job.ID] = stored
	if stored.ProviderJobID != "" {
		s.byProvider[providerKey(stored.Provider, stored.ProviderJobID)] = stored.ID
	}
	job.Revision = stored.Revision
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.TrainingJob, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, NewErrJobNotFound(id)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) GetByProviderJobID(_ context.Context, provider models.Provider, providerJobID string) (*models.TrainingJob, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	id, ok := s.byProvider[providerKey(provider, providerJobID)]
	if !ok {
		return nil, NewErrJobNotFound(providerJobID)
	}
	return s.jobs[id].Clone(), nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]*models.TrainingJob, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var out []*models.TrainingJob
	for _, job := range s.jobs {
		if !job.IsTerminal() {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateIf(_ context.Context, req UpdateRequest) (*models.TrainingJob, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	job, ok := s.jobs[req.JobID]
	if !ok {
		return nil, NewErrJobNotFound(req.JobID)
	}
	if err := req.Condition.Validate(job); err != nil {
		return nil, err
	}

	if id := req.Values.ProviderJobID; id != "" && id != job.ProviderJobID {
		if owner, ok := s.byProvider[providerKey(job.Provider, id)]; ok && owner != job.ID {
			return nil, NewErrProviderJobIDInUse(owner, job.Provider, id)
		}
	}

	updated := job.Clone()
	req.Values.applyTo(updated)
	updated.ResultArtifact = req.Values.ResultArtifact.Clone()
	updated.Revision++

	if job.ProviderJobID != updated.ProviderJobID {
		delete(s.byProvider, providerKey(job.Provider, job.ProviderJobID))
		if updated.ProviderJobID != "" {
			s.byProvider[providerKey(updated.Provider, updated.ProviderJobID)] = updated.ID
		}
	}
	s.jobs[req.JobID] = updated
	return updated.Clone(), nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *models.JobEvent) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.jobs[event.JobID]; !ok {
		return NewErrJobNotFound(event.JobID)
	}
	s.nextEvent++
	event.ID = s.nextEvent
	s.events[event.JobID] = append(s.events[event.JobID], *event)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, jobID string) ([]models.JobEvent, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if _, ok := s.jobs[jobID]; !ok {
		return nil, NewErrJobNotFound(jobID)
	}
	return append([]models.JobEvent(nil), s.events[jobID]...), nil
}

// compile time check whether the MemoryStore implements the Store interface
var _ Store = (*MemoryStore)(nil)
