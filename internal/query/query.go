// Package query is the Query Endpoint (C9): a thin read path over the
// State Store Gateway that projects a stored Record into its public View
// with the owner-aware jobs.Project.
package query

import (
	"context"

	"imageforge/internal/jobs"
	"imageforge/internal/store"
)

// Service is the Query Endpoint.
type Service struct {
	store *store.Store
}

// New builds a Service over st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// GetJobView fetches jobID and projects it for owner. It returns
// jobs.ErrNotFound unchanged so callers can map it to a 404.
func (s *Service) GetJobView(ctx context.Context, jobID, owner string) (jobs.View, error) {
	rec, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return jobs.View{}, err
	}
	return jobs.Project(rec, owner), nil
}
