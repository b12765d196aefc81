// Package memory is an in-process implementation of every store the
// campaign engine uses. It backs the tests and the worker's -memory mode.
package memory

import (
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rxfield/crm/internal/domain"
)

// Store holds all state behind one mutex. The typed views returned by
// Campaigns, Enrollments, Executions, CRM and Engagements share it, which
// keeps multi-table rules such as "claim only for active campaigns" atomic.
type Store struct {
	mu sync.Mutex

	campaigns   map[string]*domain.Campaign
	enrollments map[string]*domain.Enrollment
	executions  map[string]*domain.Execution
	leads       map[string]*domain.Lead
	tags        map[string]domain.Tag
	templates   map[string]*domain.Template
	engagements []domain.Engagement

	// insertion order of executions, tie-breaker for equal timestamps
	execSeq map[string]uint64
	seq     uint64

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		campaigns:   make(map[string]*domain.Campaign),
		enrollments: make(map[string]*domain.Enrollment),
		executions:  make(map[string]*domain.Execution),
		leads:       make(map[string]*domain.Lead),
		tags:        make(map[string]domain.Tag),
		templates:   make(map[string]*domain.Template),
		execSeq:     make(map[string]uint64),
		now:         time.Now,
	}
}

// SetClock replaces the time source used for timestamps the store sets.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) Campaigns() *Campaigns     { return &Campaigns{s} }
func (s *Store) Enrollments() *Enrollments { return &Enrollments{s} }
func (s *Store) Executions() *Executions   { return &Executions{s} }
func (s *Store) CRM() *CRM                 { return &CRM{s} }
func (s *Store) Engagements() *Engagements { return &Engagements{s} }

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func copyCampaign(c *domain.Campaign) domain.Campaign {
	cp := *c
	cp.Blocks = slices.Clone(c.Blocks)
	cp.Connections = slices.Clone(c.Connections)
	cp.Targeting.TagIDs = slices.Clone(c.Targeting.TagIDs)
	cp.Targeting.Statuses = slices.Clone(c.Targeting.Statuses)
	cp.Targeting.Sources = slices.Clone(c.Targeting.Sources)
	return cp
}

func copyEnrollment(e *domain.Enrollment) domain.Enrollment {
	cp := *e
	cp.PathTaken = slices.Clone(e.PathTaken)
	if cp.PathTaken == nil {
		cp.PathTaken = []string{}
	}
	return cp
}

func copyExecution(e *domain.Execution) domain.Execution {
	cp := *e
	if e.Result != nil {
		r := *e.Result
		cp.Result = &r
	}
	return cp
}

func copyLead(l *domain.Lead) domain.Lead {
	cp := *l
	cp.Tags = slices.Clone(l.Tags)
	return cp
}

func sortedValues[T any](m map[string]T, less func(a, b T) bool) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
