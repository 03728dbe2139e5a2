// Package catalog holds the read-only set of bookable resources.
package catalog

import (
	"fmt"
	"sort"
	"sync/atomic"

	"roombook/internal/model"
)

// Catalog is what the engine needs to know about resources.
type Catalog interface {
	Resource(id int64) (model.Resource, bool)
	Resources() []model.Resource
}

// Static is an in-memory catalog that can be swapped atomically on config reload.
type Static struct {
	byID atomic.Pointer[map[int64]model.Resource]
}

func NewStatic(resources []model.Resource) (*Static, error) {
	s := &Static{}
	if err := s.Replace(resources); err != nil {
		return nil, err
	}
	return s, nil
}

// Replace installs a new resource set. Duplicate or non-positive ids are rejected.
func (s *Static) Replace(resources []model.Resource) error {
	m := make(map[int64]model.Resource, len(resources))
	for _, r := range resources {
		if r.ID <= 0 {
			return fmt.Errorf("resource %q: id must be > 0", r.Name)
		}
		if _, dup := m[r.ID]; dup {
			return fmt.Errorf("resource id %d declared twice", r.ID)
		}
		m[r.ID] = r
	}
	s.byID.Store(&m)
	return nil
}

func (s *Static) Resource(id int64) (model.Resource, bool) {
	m := s.byID.Load()
	if m == nil {
		return model.Resource{}, false
	}
	r, ok := (*m)[id]
	return r, ok
}

func (s *Static) Resources() []model.Resource {
	m := s.byID.Load()
	if m == nil {
		return nil
	}
	out := make([]model.Resource, 0, len(*m))
	for _, r := range *m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Name returns the display name of id, falling back to "#<id>".
func Name(c Catalog, id int64) string {
	if c != nil {
		if r, ok := c.Resource(id); ok && r.Name != "" {
			return r.Name
		}
	}
	return fmt.Sprintf("#%d", id)
}
