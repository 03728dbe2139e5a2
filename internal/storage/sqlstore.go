package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"roombook/internal/model"
	logx "roombook/pkg/logx"
)

// dialect carries what differs between the SQL backends. Queries are written
// with '?' placeholders and rebound per dialect.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of '?'
	numbered bool
	txOpts   *sql.TxOptions
	claimOpt *sql.TxOptions
	// lockSuffix is appended to the due-job select.
	lockSuffix string
	// lockResource serializes writers per resource inside a transaction.
	lockResource func(ctx context.Context, tx *sql.Tx, resourceID int64) error
	// classify maps driver contention errors to model.ErrUnavailable.
	classify func(err error) error
}

type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) wrap(err error) error {
	if err == nil {
		return nil
	}
	if s.d.classify != nil {
		return s.d.classify(err)
	}
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.inTx(ctx, s.d.txOpts, false, fn)
}

func (s *sqlStore) View(ctx context.Context, fn func(tx Tx) error) error {
	opts := &sql.TxOptions{ReadOnly: true}
	if s.d.txOpts != nil {
		opts.Isolation = s.d.txOpts.Isolation
	}
	if s.d.name == "sqlite" {
		// a deferred sqlite transaction never takes the write lock
		opts = nil
	}
	return s.inTx(ctx, opts, true, fn)
}

func (s *sqlStore) inTx(ctx context.Context, opts *sql.TxOptions, readOnly bool, fn func(tx Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return s.wrap(err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(&sqlTx{s: s, tx: tx, readOnly: readOnly}); err != nil {
		_ = tx.Rollback()
		return s.wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return s.wrap(err)
	}
	return nil
}

// ---- row helpers ----

const reservationCols = `id, resource_id, owner_id, start_at, end_at, status, created_at, finished_at, cancelled_at`

const jobCols = `reservation_id, kind, fire_at, payload, status, attempts, last_error, lease_owner, lease_expires_at, scheduled_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMS(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMS(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return fromMS(v.Int64)
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func scanReservation(sc rowScanner) (model.Reservation, error) {
	var (
		r                   model.Reservation
		start, end, created int64
		status              string
		finished, cancelled sql.NullInt64
	)
	if err := sc.Scan(&r.ID, &r.ResourceID, &r.OwnerID, &start, &end, &status, &created, &finished, &cancelled); err != nil {
		return model.Reservation{}, err
	}
	r.Start, r.End, r.CreatedAt = fromMS(start), fromMS(end), fromMS(created)
	r.Status = model.Status(status)
	r.FinishedAt, r.CancelledAt = fromNullMS(finished), fromNullMS(cancelled)
	return r, nil
}

func scanJob(sc rowScanner) (model.Job, error) {
	var (
		j                      model.Job
		kind, status, payload  string
		fireAt, sched, updated int64
		lastErr, leaseOwner    sql.NullString
		leaseExp               sql.NullInt64
	)
	if err := sc.Scan(&j.ReservationID, &kind, &fireAt, &payload, &status, &j.Attempts, &lastErr, &leaseOwner, &leaseExp, &sched, &updated); err != nil {
		return model.Job{}, err
	}
	j.Kind, j.Status = model.JobKind(kind), model.JobStatus(status)
	j.FireAt, j.ScheduledAt, j.UpdatedAt = fromMS(fireAt), fromMS(sched), fromMS(updated)
	j.Payload = []byte(payload)
	j.LastError, j.LeaseOwner = lastErr.String, leaseOwner.String
	j.LeaseExpiresAt = fromNullMS(leaseExp)
	return j, nil
}

func collect[T any](rows *sql.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func statusArgs(set []model.Status) (string, []any) {
	ph := make([]string, len(set))
	args := make([]any, len(set))
	for i, st := range set {
		ph[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(ph, ","), args
}

// ---- store-level operations ----

func (s *sqlStore) ClaimDueJobs(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 32
	}
	var out []model.Job
	tx, err := s.db.BeginTx(ctx, s.d.claimOpt)
	if err != nil {
		return nil, s.wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, s.q(`SELECT reservation_id, kind FROM jobs
		WHERE (status = 'pending' AND fire_at <= ?) OR (status = 'processing' AND lease_expires_at <= ?)
		ORDER BY fire_at, reservation_id LIMIT ?`+s.d.lockSuffix), ms(now), ms(now), limit)
	if err != nil {
		return nil, s.wrap(err)
	}
	keys, err := collect(rows, func(sc rowScanner) (model.JobKey, error) {
		var k model.JobKey
		var kind string
		err := sc.Scan(&k.ReservationID, &kind)
		k.Kind = model.JobKind(kind)
		return k, err
	})
	if err != nil {
		return nil, s.wrap(err)
	}

	for _, k := range keys {
		row := tx.QueryRowContext(ctx, s.q(`UPDATE jobs
			SET status = 'processing', attempts = attempts + 1, lease_owner = ?, lease_expires_at = ?, updated_at = ?
			WHERE reservation_id = ? AND kind = ?
			RETURNING `+jobCols), owner, ms(now.Add(lease)), ms(now), k.ReservationID, string(k.Kind))
		j, err := scanJob(row)
		if err != nil {
			return nil, s.wrap(err)
		}
		out = append(out, j)
	}
	if err := tx.Commit(); err != nil {
		return nil, s.wrap(err)
	}
	return out, nil
}

func (s *sqlStore) MarkJob(ctx context.Context, key model.JobKey, owner string, status model.JobStatus, errText string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs
		SET status = ?, last_error = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE reservation_id = ? AND kind = ? AND status = 'processing' AND lease_owner = ?`),
		string(status), nullStr(model.BoundError(errText)), ms(at), key.ReservationID, string(key.Kind), owner)
	return s.wrap(err)
}

func (s *sqlStore) NonTerminal(ctx context.Context, startBefore time.Time) ([]model.Reservation, error) {
	query := `SELECT ` + reservationCols + ` FROM reservations WHERE status IN ('pending_confirmation','active')`
	var args []any
	if !startBefore.IsZero() {
		query += ` AND start_at < ?`
		args = append(args, ms(startBefore))
	}
	query += ` ORDER BY start_at, id`
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, s.wrap(err)
	}
	out, err := collect(rows, scanReservation)
	return out, s.wrap(err)
}

func (s *sqlStore) SweepOrphanJobs(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs
		WHERE status IN ('pending','processing')
		AND NOT EXISTS (
			SELECT 1 FROM reservations r
			WHERE r.id = jobs.reservation_id AND r.status IN ('pending_confirmation','active')
		)`)
	if err != nil {
		return 0, s.wrap(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqlStore) PendingIntents(ctx context.Context, limit int) ([]model.Intent, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, body, created_at, attempts, last_error FROM intents
		WHERE delivered_at IS NULL AND failed = ? ORDER BY id LIMIT ?`), false, limit)
	if err != nil {
		return nil, s.wrap(err)
	}
	out, err := collect(rows, func(sc rowScanner) (model.Intent, error) {
		var (
			id, created int64
			body        string
			attempts    int
			lastErr     sql.NullString
		)
		if err := sc.Scan(&id, &body, &created, &attempts, &lastErr); err != nil {
			return model.Intent{}, err
		}
		in, err := decodeIntent(body)
		if err != nil {
			return model.Intent{}, err
		}
		in.ID, in.CreatedAt, in.Attempts, in.LastError = id, fromMS(created), attempts, lastErr.String
		return in, nil
	})
	return out, s.wrap(err)
}

func (s *sqlStore) MarkIntentDelivered(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE intents SET delivered_at = ?, last_error = NULL WHERE id = ?`), ms(at), id)
	return s.wrap(err)
}

func (s *sqlStore) MarkIntentFailed(ctx context.Context, id int64, errText string, giveUp bool) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE intents SET attempts = attempts + 1, last_error = ?, failed = ? WHERE id = ?`),
		nullStr(model.BoundError(errText)), giveUp, id)
	return s.wrap(err)
}

func (s *sqlStore) Prune(ctx context.Context, before time.Time) (PruneResult, error) {
	var pr PruneResult
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM jobs WHERE status IN ('done','failed','cancelled') AND updated_at < ?`), ms(before))
	if err != nil {
		return pr, s.wrap(err)
	}
	n, _ := res.RowsAffected()
	pr.Jobs = int(n)

	res, err = s.db.ExecContext(ctx, s.q(`DELETE FROM intents WHERE (delivered_at IS NOT NULL OR failed = ?) AND created_at < ?`), true, ms(before))
	if err != nil {
		return pr, s.wrap(err)
	}
	n, _ = res.RowsAffected()
	pr.Intents = int(n)
	return pr, nil
}

// ---- transaction ----

type sqlTx struct {
	s        *sqlStore
	tx       *sql.Tx
	readOnly bool
}

func (t *sqlTx) write() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *sqlTx) Get(ctx context.Context, id int64) (model.Reservation, error) {
	row := t.tx.QueryRowContext(ctx, t.s.q(`SELECT `+reservationCols+` FROM reservations WHERE id = ?`), id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Reservation{}, fmt.Errorf("reservation %d: %w", id, model.ErrNotFound)
	}
	return r, err
}

func (t *sqlTx) firstOverlap(ctx context.Context, resourceID int64, start, end time.Time, excludeID int64) (*model.Reservation, error) {
	row := t.tx.QueryRowContext(ctx, t.s.q(`SELECT `+reservationCols+` FROM reservations
		WHERE resource_id = ? AND id <> ? AND status IN ('pending_confirmation','active')
		AND start_at < ? AND end_at > ?
		ORDER BY start_at LIMIT 1`), resourceID, excludeID, ms(end), ms(start))
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *sqlTx) lock(ctx context.Context, resourceID int64) error {
	if t.s.d.lockResource == nil {
		return nil
	}
	return t.s.d.lockResource(ctx, t.tx, resourceID)
}

func (t *sqlTx) ReserveIfFree(ctx context.Context, nr model.NewReservation) (model.Reservation, *model.Reservation, error) {
	if err := t.write(); err != nil {
		return model.Reservation{}, nil, err
	}
	if err := t.lock(ctx, nr.ResourceID); err != nil {
		return model.Reservation{}, nil, err
	}
	blocking, err := t.firstOverlap(ctx, nr.ResourceID, nr.Start, nr.End, 0)
	if err != nil || blocking != nil {
		return model.Reservation{}, blocking, err
	}
	row := t.tx.QueryRowContext(ctx, t.s.q(`INSERT INTO reservations(resource_id, owner_id, start_at, end_at, status, created_at)
		VALUES(?,?,?,?,?,?) RETURNING `+reservationCols),
		nr.ResourceID, nr.OwnerID, ms(nr.Start), ms(nr.End), string(model.StatusPending), ms(nr.CreatedAt))
	r, err := scanReservation(row)
	return r, nil, err
}

func (t *sqlTx) TransitionStatus(ctx context.Context, id int64, from []model.Status, to model.Status, when time.Time) (model.Reservation, error) {
	if err := t.write(); err != nil {
		return model.Reservation{}, err
	}
	cur, err := t.Get(ctx, id)
	if err != nil {
		return model.Reservation{}, err
	}
	if !containsStatus(from, cur.Status) {
		return cur, model.Precondition("reservation %d is %s", id, cur.Status)
	}
	var finished, cancelled sql.NullInt64
	switch to {
	case model.StatusFinished:
		finished = nullMS(when)
	case model.StatusCancelled:
		cancelled = nullMS(when)
	}
	row := t.tx.QueryRowContext(ctx, t.s.q(`UPDATE reservations
		SET status = ?, finished_at = COALESCE(?, finished_at), cancelled_at = COALESCE(?, cancelled_at)
		WHERE id = ? RETURNING `+reservationCols), string(to), finished, cancelled, id)
	return scanReservation(row)
}

func (t *sqlTx) SetInterval(ctx context.Context, id int64, newEnd time.Time) (model.Reservation, error) {
	if err := t.write(); err != nil {
		return model.Reservation{}, err
	}
	cur, err := t.Get(ctx, id)
	if err != nil {
		return model.Reservation{}, err
	}
	if cur.Status != model.StatusActive {
		return cur, model.Precondition("reservation %d is %s", id, cur.Status)
	}
	if !newEnd.After(cur.End) {
		return cur, model.Invalid("new end %s is not after %s", newEnd.Format(time.RFC3339), cur.End.Format(time.RFC3339))
	}
	if err := t.lock(ctx, cur.ResourceID); err != nil {
		return model.Reservation{}, err
	}
	blocking, err := t.firstOverlap(ctx, cur.ResourceID, cur.End, newEnd, id)
	if err != nil {
		return model.Reservation{}, err
	}
	if blocking != nil {
		return cur, &model.ConflictError{With: *blocking}
	}
	row := t.tx.QueryRowContext(ctx, t.s.q(`UPDATE reservations SET end_at = ? WHERE id = ? RETURNING `+reservationCols), ms(newEnd), id)
	return scanReservation(row)
}

func (t *sqlTx) NextReservation(ctx context.Context, resourceID int64, from time.Time, excludeID int64) (model.Reservation, bool, error) {
	row := t.tx.QueryRowContext(ctx, t.s.q(`SELECT `+reservationCols+` FROM reservations
		WHERE resource_id = ? AND id <> ? AND status IN ('pending_confirmation','active') AND end_at > ?
		ORDER BY start_at, id LIMIT 1`), resourceID, excludeID, ms(from))
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Reservation{}, false, nil
	}
	if err != nil {
		return model.Reservation{}, false, err
	}
	return r, true, nil
}

func (t *sqlTx) LoadForResource(ctx context.Context, resourceID int64, from, to time.Time) ([]model.Reservation, error) {
	return t.List(ctx, Filter{ResourceID: resourceID, From: from, To: to, Statuses: model.Live})
}

func (t *sqlTx) List(ctx context.Context, f Filter) ([]model.Reservation, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerID != 0 {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.ResourceID != 0 {
		where = append(where, "resource_id = ?")
		args = append(args, f.ResourceID)
	}
	if !f.To.IsZero() {
		where = append(where, "start_at < ?")
		args = append(args, ms(f.To))
	}
	if !f.From.IsZero() {
		where = append(where, "end_at > ?")
		args = append(args, ms(f.From))
	}
	if len(f.Statuses) > 0 {
		ph, sargs := statusArgs(f.Statuses)
		where = append(where, "status IN ("+ph+")")
		args = append(args, sargs...)
	}
	query := `SELECT ` + reservationCols + ` FROM reservations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY start_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := t.tx.QueryContext(ctx, t.s.q(query), args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanReservation)
}

func (t *sqlTx) Jobs(ctx context.Context, reservationID int64) ([]model.Job, error) {
	rows, err := t.tx.QueryContext(ctx, t.s.q(`SELECT `+jobCols+` FROM jobs WHERE reservation_id = ? ORDER BY fire_at, kind`), reservationID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanJob)
}

func (t *sqlTx) Job(ctx context.Context, key model.JobKey) (model.Job, error) {
	row := t.tx.QueryRowContext(ctx, t.s.q(`SELECT `+jobCols+` FROM jobs WHERE reservation_id = ? AND kind = ?`), key.ReservationID, string(key.Kind))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, fmt.Errorf("job %s: %w", key, model.ErrNotFound)
	}
	return j, err
}

func (t *sqlTx) UpsertJob(ctx context.Context, j model.Job) error {
	if err := t.write(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, t.s.q(`INSERT INTO jobs(`+jobCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(reservation_id, kind) DO UPDATE SET
			fire_at = excluded.fire_at, payload = excluded.payload, status = excluded.status,
			attempts = excluded.attempts, last_error = excluded.last_error,
			lease_owner = excluded.lease_owner, lease_expires_at = excluded.lease_expires_at,
			scheduled_at = excluded.scheduled_at, updated_at = excluded.updated_at`),
		j.ReservationID, string(j.Kind), ms(j.FireAt), string(j.Payload), string(j.Status), j.Attempts,
		nullStr(model.BoundError(j.LastError)), nullStr(j.LeaseOwner), nullMS(j.LeaseExpiresAt), ms(j.ScheduledAt), ms(j.UpdatedAt))
	return err
}

func (t *sqlTx) DeleteJob(ctx context.Context, key model.JobKey) error {
	if err := t.write(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, t.s.q(`DELETE FROM jobs WHERE reservation_id = ? AND kind = ?`), key.ReservationID, string(key.Kind))
	return err
}

func (t *sqlTx) MarkJob(ctx context.Context, key model.JobKey, status model.JobStatus, errText string, at time.Time) error {
	if err := t.write(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, t.s.q(`UPDATE jobs
		SET status = ?, last_error = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE reservation_id = ? AND kind = ?`),
		string(status), nullStr(model.BoundError(errText)), ms(at), key.ReservationID, string(key.Kind))
	return err
}

func (t *sqlTx) AppendIntent(ctx context.Context, in model.Intent) (int64, error) {
	if err := t.write(); err != nil {
		return 0, err
	}
	body, err := encodeIntent(in)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRowContext(ctx, t.s.q(`INSERT INTO intents(kind, reservation_id, body, created_at, attempts, failed)
		VALUES(?,?,?,?,0,?) RETURNING id`), string(in.Kind), in.ReservationID, body, ms(in.CreatedAt), false).Scan(&id)
	return id, err
}
