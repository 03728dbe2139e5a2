package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"roombook/internal/model"
)

type memState struct {
	nextResID    int64
	nextIntentID int64
	reservations map[int64]model.Reservation
	jobs         map[model.JobKey]model.Job
	intents      []model.Intent
}

func (s *memState) clone() *memState {
	c := &memState{
		nextResID:    s.nextResID,
		nextIntentID: s.nextIntentID,
		reservations: make(map[int64]model.Reservation, len(s.reservations)),
		jobs:         make(map[model.JobKey]model.Job, len(s.jobs)),
		intents:      append([]model.Intent(nil), s.intents...),
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	return c
}

// Memory is a process-local Store. Update works on a copy that replaces the
// live state only on success, so a failed transaction leaves nothing behind.
type Memory struct {
	mu     sync.Mutex
	state  *memState
	closed bool
}

func NewMemory() *Memory {
	return &Memory{state: &memState{
		reservations: map[int64]model.Reservation{},
		jobs:         map[model.JobKey]model.Job{},
	}}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return model.Unavailable(fmt.Errorf("memory store closed"))
	}
	return nil
}

func (m *Memory) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	next := m.state.clone()
	if err := fn(&memTx{st: next}); err != nil {
		return err
	}
	m.state = next
	return nil
}

func (m *Memory) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	return fn(&memTx{st: m.state, readOnly: true})
}

func (m *Memory) ClaimDueJobs(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]model.Job, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 32
	}
	var due []model.Job
	for _, j := range m.state.jobs {
		switch {
		case j.Status == model.JobPending && !j.FireAt.After(now):
		case j.Status == model.JobProcessing && !j.LeaseExpiresAt.After(now):
		default:
			continue
		}
		due = append(due, j)
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].FireAt.Equal(due[k].FireAt) {
			return due[i].FireAt.Before(due[k].FireAt)
		}
		return due[i].ReservationID < due[k].ReservationID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = model.JobProcessing
		due[i].Attempts++
		due[i].LeaseOwner = owner
		due[i].LeaseExpiresAt = now.Add(lease)
		due[i].UpdatedAt = now
		m.state.jobs[due[i].Key()] = due[i]
	}
	return due, nil
}

func (m *Memory) MarkJob(ctx context.Context, key model.JobKey, owner string, status model.JobStatus, errText string, at time.Time) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	j, ok := m.state.jobs[key]
	if !ok || j.Status != model.JobProcessing || j.LeaseOwner != owner {
		return nil
	}
	m.state.jobs[key] = settle(j, status, errText, at)
	return nil
}

func settle(j model.Job, status model.JobStatus, errText string, at time.Time) model.Job {
	j.Status = status
	j.LastError = model.BoundError(errText)
	j.LeaseOwner = ""
	j.LeaseExpiresAt = time.Time{}
	j.UpdatedAt = at
	return j
}

func (m *Memory) NonTerminal(ctx context.Context, startBefore time.Time) ([]model.Reservation, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []model.Reservation
	for _, r := range m.state.reservations {
		if r.Status.Terminal() {
			continue
		}
		if !startBefore.IsZero() && !r.Start.Before(startBefore) {
			continue
		}
		out = append(out, r)
	}
	sortReservations(out)
	return out, nil
}

func (m *Memory) SweepOrphanJobs(ctx context.Context) (int, error) {
	if err := m.lock(ctx); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	n := 0
	for k, j := range m.state.jobs {
		if !j.Status.Open() {
			continue
		}
		r, ok := m.state.reservations[k.ReservationID]
		if ok && !r.Status.Terminal() {
			continue
		}
		delete(m.state.jobs, k)
		n++
	}
	return n, nil
}

func (m *Memory) PendingIntents(ctx context.Context, limit int) ([]model.Intent, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 64
	}
	var out []model.Intent
	for _, in := range m.state.intents {
		if in.Failed || !in.DeliveredAt.IsZero() {
			continue
		}
		out = append(out, in)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) updateIntent(ctx context.Context, id int64, fn func(in *model.Intent)) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	for i := range m.state.intents {
		if m.state.intents[i].ID == id {
			fn(&m.state.intents[i])
			return nil
		}
	}
	return nil
}

func (m *Memory) MarkIntentDelivered(ctx context.Context, id int64, at time.Time) error {
	return m.updateIntent(ctx, id, func(in *model.Intent) {
		in.DeliveredAt = at
		in.LastError = ""
	})
}

func (m *Memory) MarkIntentFailed(ctx context.Context, id int64, errText string, giveUp bool) error {
	return m.updateIntent(ctx, id, func(in *model.Intent) {
		in.Attempts++
		in.LastError = model.BoundError(errText)
		in.Failed = giveUp
	})
}

func (m *Memory) Prune(ctx context.Context, before time.Time) (PruneResult, error) {
	if err := m.lock(ctx); err != nil {
		return PruneResult{}, err
	}
	defer m.mu.Unlock()
	var pr PruneResult
	for k, j := range m.state.jobs {
		if !j.Status.Open() && j.UpdatedAt.Before(before) {
			delete(m.state.jobs, k)
			pr.Jobs++
		}
	}
	kept := m.state.intents[:0]
	for _, in := range m.state.intents {
		settled := in.Failed || !in.DeliveredAt.IsZero()
		if settled && in.CreatedAt.Before(before) {
			pr.Intents++
			continue
		}
		kept = append(kept, in)
	}
	m.state.intents = kept
	return pr, nil
}

func sortReservations(rs []model.Reservation) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].Start.Equal(rs[j].Start) {
			return rs[i].Start.Before(rs[j].Start)
		}
		return rs[i].ID < rs[j].ID
	})
}

type memTx struct {
	st       *memState
	readOnly bool
}

func (t *memTx) write() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *memTx) Get(_ context.Context, id int64) (model.Reservation, error) {
	r, ok := t.st.reservations[id]
	if !ok {
		return model.Reservation{}, fmt.Errorf("reservation %d: %w", id, model.ErrNotFound)
	}
	return r, nil
}

func (t *memTx) firstOverlap(resourceID int64, start, end time.Time, excludeID int64) *model.Reservation {
	var best *model.Reservation
	for _, r := range t.st.reservations {
		if r.ID == excludeID || r.ResourceID != resourceID || r.Status.Terminal() || !r.Overlaps(start, end) {
			continue
		}
		if best == nil || r.Start.Before(best.Start) {
			r := r
			best = &r
		}
	}
	return best
}

func (t *memTx) ReserveIfFree(_ context.Context, nr model.NewReservation) (model.Reservation, *model.Reservation, error) {
	if err := t.write(); err != nil {
		return model.Reservation{}, nil, err
	}
	if b := t.firstOverlap(nr.ResourceID, nr.Start, nr.End, 0); b != nil {
		return model.Reservation{}, b, nil
	}
	t.st.nextResID++
	r := model.Reservation{
		ID:         t.st.nextResID,
		ResourceID: nr.ResourceID,
		OwnerID:    nr.OwnerID,
		Start:      nr.Start,
		End:        nr.End,
		Status:     model.StatusPending,
		CreatedAt:  nr.CreatedAt,
	}
	t.st.reservations[r.ID] = r
	return r, nil, nil
}

func (t *memTx) TransitionStatus(ctx context.Context, id int64, from []model.Status, to model.Status, when time.Time) (model.Reservation, error) {
	if err := t.write(); err != nil {
		return model.Reservation{}, err
	}
	r, err := t.Get(ctx, id)
	if err != nil {
		return model.Reservation{}, err
	}
	if !containsStatus(from, r.Status) {
		return r, model.Precondition("reservation %d is %s", id, r.Status)
	}
	r.Status = to
	switch to {
	case model.StatusFinished:
		r.FinishedAt = when
	case model.StatusCancelled:
		r.CancelledAt = when
	}
	t.st.reservations[id] = r
	return r, nil
}

func (t *memTx) SetInterval(ctx context.Context, id int64, newEnd time.Time) (model.Reservation, error) {
	if err := t.write(); err != nil {
		return model.Reservation{}, err
	}
	r, err := t.Get(ctx, id)
	if err != nil {
		return model.Reservation{}, err
	}
	if r.Status != model.StatusActive {
		return r, model.Precondition("reservation %d is %s", id, r.Status)
	}
	if !newEnd.After(r.End) {
		return r, model.Invalid("new end %s is not after %s", newEnd.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	if b := t.firstOverlap(r.ResourceID, r.End, newEnd, id); b != nil {
		return r, &model.ConflictError{With: *b}
	}
	r.End = newEnd
	t.st.reservations[id] = r
	return r, nil
}

func (t *memTx) NextReservation(_ context.Context, resourceID int64, from time.Time, excludeID int64) (model.Reservation, bool, error) {
	var (
		best  model.Reservation
		found bool
	)
	for _, r := range t.st.reservations {
		if r.ID == excludeID || r.ResourceID != resourceID || r.Status.Terminal() || !r.End.After(from) {
			continue
		}
		if !found || r.Start.Before(best.Start) || (r.Start.Equal(best.Start) && r.ID < best.ID) {
			best, found = r, true
		}
	}
	return best, found, nil
}

func (t *memTx) LoadForResource(ctx context.Context, resourceID int64, from, to time.Time) ([]model.Reservation, error) {
	return t.List(ctx, Filter{ResourceID: resourceID, From: from, To: to, Statuses: model.Live})
}

func (t *memTx) List(_ context.Context, f Filter) ([]model.Reservation, error) {
	var out []model.Reservation
	for _, r := range t.st.reservations {
		if f.OwnerID != 0 && r.OwnerID != f.OwnerID {
			continue
		}
		if f.ResourceID != 0 && r.ResourceID != f.ResourceID {
			continue
		}
		if !f.To.IsZero() && !r.Start.Before(f.To) {
			continue
		}
		if !f.From.IsZero() && !r.End.After(f.From) {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, r.Status) {
			continue
		}
		out = append(out, r)
	}
	sortReservations(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *memTx) Jobs(_ context.Context, reservationID int64) ([]model.Job, error) {
	var out []model.Job
	for k, j := range t.st.jobs {
		if k.ReservationID == reservationID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].FireAt.Equal(out[k].FireAt) {
			return out[i].FireAt.Before(out[k].FireAt)
		}
		return out[i].Kind < out[k].Kind
	})
	return out, nil
}

func (t *memTx) Job(_ context.Context, key model.JobKey) (model.Job, error) {
	j, ok := t.st.jobs[key]
	if !ok {
		return model.Job{}, fmt.Errorf("job %s: %w", key, model.ErrNotFound)
	}
	return j, nil
}

func (t *memTx) UpsertJob(_ context.Context, j model.Job) error {
	if err := t.write(); err != nil {
		return err
	}
	j.LastError = model.BoundError(j.LastError)
	j.Payload = append([]byte(nil), j.Payload...)
	t.st.jobs[j.Key()] = j
	return nil
}

func (t *memTx) DeleteJob(_ context.Context, key model.JobKey) error {
	if err := t.write(); err != nil {
		return err
	}
	delete(t.st.jobs, key)
	return nil
}

func (t *memTx) MarkJob(_ context.Context, key model.JobKey, status model.JobStatus, errText string, at time.Time) error {
	if err := t.write(); err != nil {
		return err
	}
	j, ok := t.st.jobs[key]
	if !ok {
		return nil
	}
	t.st.jobs[key] = settle(j, status, errText, at)
	return nil
}

func (t *memTx) AppendIntent(_ context.Context, in model.Intent) (int64, error) {
	if err := t.write(); err != nil {
		return 0, err
	}
	t.st.nextIntentID++
	in.ID = t.st.nextIntentID
	in.Attempts, in.LastError, in.DeliveredAt, in.Failed = 0, "", time.Time{}, false
	t.st.intents = append(t.st.intents, in)
	return in.ID, nil
}
