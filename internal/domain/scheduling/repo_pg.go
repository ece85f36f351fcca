package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/scheduler/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type txStarter interface {
	queryable
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) txStarter {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// =========== Template Repository ===========

type templateRepoPG struct{ pool *pgxpool.Pool }

func NewTemplateRepoPG(pool *pgxpool.Pool) TemplateRepository { return &templateRepoPG{pool: pool} }

const templateCols = `doctor_id, days, default_slot_duration, break_start, break_end,
	working_start, working_end, max_patients_per_slot, version_id, created_at, updated_at`

func scanTemplate(row pgx.Row) (*WeeklySchedule, error) {
	var (
		t                        WeeklySchedule
		days                     []byte
		breakStart, breakEnd     int
		workingStart, workingEnd int
	)
	err := row.Scan(&t.DoctorID, &days, &t.DefaultSlotDuration, &breakStart, &breakEnd,
		&workingStart, &workingEnd, &t.MaxPatientsPerSlot, &t.VersionID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(days, &t.Days); err != nil {
		return nil, fmt.Errorf("decode template days for %s: %w", t.DoctorID, err)
	}
	t.BreakTime = Window{Start: ClockTime(breakStart), End: ClockTime(breakEnd)}
	t.WorkingHours = Window{Start: ClockTime(workingStart), End: ClockTime(workingEnd)}
	return &t, nil
}

func (r *templateRepoPG) Get(ctx context.Context, doctorID uuid.UUID) (*WeeklySchedule, error) {
	t, err := scanTemplate(connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+templateCols+` FROM weekly_schedule WHERE doctor_id = $1`, doctorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	return t, classifyStoreError("get template", err)
}

func (r *templateRepoPG) Save(ctx context.Context, t *WeeklySchedule) error {
	days, err := json.Marshal(t.Days)
	if err != nil {
		return fmt.Errorf("encode template days: %w", err)
	}
	err = connFor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO weekly_schedule (doctor_id, days, default_slot_duration, break_start, break_end,
			working_start, working_end, max_patients_per_slot, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1)
		ON CONFLICT (doctor_id) DO UPDATE SET
			days = EXCLUDED.days,
			default_slot_duration = EXCLUDED.default_slot_duration,
			break_start = EXCLUDED.break_start, break_end = EXCLUDED.break_end,
			working_start = EXCLUDED.working_start, working_end = EXCLUDED.working_end,
			max_patients_per_slot = EXCLUDED.max_patients_per_slot,
			version_id = weekly_schedule.version_id + 1,
			updated_at = NOW()
		RETURNING version_id, created_at, updated_at`,
		t.DoctorID, days, t.DefaultSlotDuration, int(t.BreakTime.Start), int(t.BreakTime.End),
		int(t.WorkingHours.Start), int(t.WorkingHours.End), t.MaxPatientsPerSlot,
	).Scan(&t.VersionID, &t.CreatedAt, &t.UpdatedAt)
	return classifyStoreError("save template", err)
}

func (r *templateRepoPG) CreateIfAbsent(ctx context.Context, t *WeeklySchedule) (*WeeklySchedule, bool, error) {
	days, err := json.Marshal(t.Days)
	if err != nil {
		return nil, false, fmt.Errorf("encode template days: %w", err)
	}
	tag, err := connFor(ctx, r.pool).Exec(ctx, `
		INSERT INTO weekly_schedule (doctor_id, days, default_slot_duration, break_start, break_end,
			working_start, working_end, max_patients_per_slot, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1)
		ON CONFLICT (doctor_id) DO NOTHING`,
		t.DoctorID, days, t.DefaultSlotDuration, int(t.BreakTime.Start), int(t.BreakTime.End),
		int(t.WorkingHours.Start), int(t.WorkingHours.End), t.MaxPatientsPerSlot)
	if err != nil {
		return nil, false, classifyStoreError("create template", err)
	}
	stored, err := r.Get(ctx, t.DoctorID)
	if err != nil {
		return nil, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewAppointmentRepoPG returns a repository whose booking transactions wait
// at most lockTimeout for a contended slot lock.
func NewAppointmentRepoPG(pool *pgxpool.Pool, lockTimeout time.Duration) AppointmentRepository {
	return &appointmentRepoPG{pool: pool, lockTimeout: lockTimeout}
}

var apptCols = []interface{}{"id", "doctor_id", "patient_id", "slot_date", "start_time", "end_time",
	"status", "notes", "version_id", "created_at", "updated_at"}

const apptColsSQL = `id, doctor_id, patient_id, slot_date, start_time, end_time,
	status, notes, version_id, created_at, updated_at`

const activeStatusSQL = `status IN ('scheduled', 'rescheduled')`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a          Appointment
		date       time.Time
		start, end int
		status     string
	)
	err := row.Scan(&a.ID, &a.DoctorID, &a.PatientID, &date, &start, &end,
		&status, &a.Notes, &a.VersionID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Date = DateOf(date)
	a.StartTime = ClockTime(start)
	a.EndTime = ClockTime(end)
	a.Status = Status(status)
	return &a, nil
}

// inTx runs fn in a read-committed transaction with a bounded lock wait.
func (r *appointmentRepoPG) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := connFor(ctx, r.pool).BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classifyStoreError(op, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if r.lockTimeout > 0 {
		ms := r.lockTimeout.Milliseconds()
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)); err != nil {
			return classifyStoreError(op, err)
		}
	}
	if err := fn(tx); err != nil {
		return classifyStoreError(op, err)
	}
	return classifyStoreError(op, tx.Commit(ctx))
}

// lockSlot takes the row lock that serializes every writer of one slot.
// The upsert creates the lock row on first use and locks it either way.
func lockSlot(ctx context.Context, tx pgx.Tx, k SlotKey) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO slot_lock (doctor_id, slot_date, start_time) VALUES ($1, $2, $3)
		ON CONFLICT (doctor_id, slot_date, start_time) DO UPDATE SET locked_at = NOW()`,
		k.DoctorID, k.Date.Time(), int(k.StartTime))
	if err != nil {
		return err
	}
	var held bool
	return tx.QueryRow(ctx, `
		SELECT TRUE FROM slot_lock
		WHERE doctor_id = $1 AND slot_date = $2 AND start_time = $3
		FOR UPDATE`,
		k.DoctorID, k.Date.Time(), int(k.StartTime)).Scan(&held)
}

// checkSlot enforces the duplicate and capacity rules for patientID joining k,
// ignoring the appointment exclude.
func checkSlot(ctx context.Context, tx pgx.Tx, k SlotKey, patientID, exclude uuid.UUID, capacity int) error {
	var duplicate bool
	var active int
	err := tx.QueryRow(ctx, `
		SELECT
			COALESCE(BOOL_OR(patient_id = $4), FALSE),
			COUNT(*)
		FROM appointment
		WHERE doctor_id = $1 AND slot_date = $2 AND start_time = $3 AND id <> $5 AND `+activeStatusSQL,
		k.DoctorID, k.Date.Time(), int(k.StartTime), patientID, exclude).Scan(&duplicate, &active)
	if err != nil {
		return err
	}
	if duplicate {
		return ErrDuplicateBooking
	}
	if active >= capacity {
		return ErrSlotFull
	}
	return nil
}

func (r *appointmentRepoPG) Book(ctx context.Context, a *Appointment, capacity int) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return r.inTx(ctx, "book appointment", func(tx pgx.Tx) error {
		if err := lockSlot(ctx, tx, a.Slot()); err != nil {
			return err
		}
		if err := checkSlot(ctx, tx, a.Slot(), a.PatientID, a.ID, capacity); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			INSERT INTO appointment (id, doctor_id, patient_id, slot_date, start_time, end_time, status, notes, version_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1)
			RETURNING version_id, created_at, updated_at`,
			a.ID, a.DoctorID, a.PatientID, a.Date.Time(), int(a.StartTime), int(a.EndTime),
			string(a.Status), a.Notes,
		).Scan(&a.VersionID, &a.CreatedAt, &a.UpdatedAt)
	})
}

func (r *appointmentRepoPG) Move(ctx context.Context, id uuid.UUID, target SlotKey, end ClockTime, capacity int, guard AppointmentGuard) (*Appointment, error) {
	var moved *Appointment
	err := r.inTx(ctx, "move appointment", func(tx pgx.Tx) error {
		current, err := lockAppointment(ctx, tx, id)
		if err != nil {
			return err
		}
		if guard != nil {
			if err := guard(current); err != nil {
				return err
			}
		}
		if err := lockSlot(ctx, tx, target); err != nil {
			return err
		}
		if err := checkSlot(ctx, tx, target, current.PatientID, id, capacity); err != nil {
			return err
		}
		moved, err = scanAppointment(tx.QueryRow(ctx, `
			UPDATE appointment SET slot_date = $2, start_time = $3, end_time = $4, status = $5,
				version_id = version_id + 1, updated_at = NOW()
			WHERE id = $1
			RETURNING `+apptColsSQL,
			id, target.Date.Time(), int(target.StartTime), int(end), string(StatusRescheduled)))
		return err
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

func (r *appointmentRepoPG) Update(ctx context.Context, id uuid.UUID, mutate AppointmentGuard) (*Appointment, error) {
	var updated *Appointment
	err := r.inTx(ctx, "update appointment", func(tx pgx.Tx) error {
		current, err := lockAppointment(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := mutate(current); err != nil {
			return err
		}
		updated, err = scanAppointment(tx.QueryRow(ctx, `
			UPDATE appointment SET status = $2, notes = $3, version_id = version_id + 1, updated_at = NOW()
			WHERE id = $1
			RETURNING `+apptColsSQL,
			id, string(current.Status), current.Notes))
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func lockAppointment(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(tx.QueryRow(ctx,
		`SELECT `+apptColsSQL+` FROM appointment WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	return a, err
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+apptColsSQL+` FROM appointment WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	return a, classifyStoreError("get appointment", err)
}

func (r *appointmentRepoPG) ActiveCounts(ctx context.Context, doctorID uuid.UUID, date Date) (map[ClockTime]int, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx, `
		SELECT start_time, COUNT(*) FROM appointment
		WHERE doctor_id = $1 AND slot_date = $2 AND `+activeStatusSQL+`
		GROUP BY start_time`, doctorID, date.Time())
	if err != nil {
		return nil, classifyStoreError("count appointments", err)
	}
	defer rows.Close()
	counts := make(map[ClockTime]int)
	for rows.Next() {
		var start, n int
		if err := rows.Scan(&start, &n); err != nil {
			return nil, classifyStoreError("count appointments", err)
		}
		counts[ClockTime(start)] = n
	}
	return counts, classifyStoreError("count appointments", rows.Err())
}

func searchDataset(f AppointmentFilter) *goqu.SelectDataset {
	ds := goqu.Dialect("postgres").From("appointment").Prepared(true)
	if f.DoctorID != nil {
		ds = ds.Where(goqu.C("doctor_id").Eq(f.DoctorID.String()))
	}
	if f.PatientID != nil {
		ds = ds.Where(goqu.C("patient_id").Eq(f.PatientID.String()))
	}
	if f.Status != nil {
		ds = ds.Where(goqu.C("status").Eq(string(*f.Status)))
	}
	if f.From != nil {
		ds = ds.Where(goqu.C("slot_date").Gte(f.From.Time()))
	}
	if f.To != nil {
		ds = ds.Where(goqu.C("slot_date").Lte(f.To.Time()))
	}
	return ds
}

func (r *appointmentRepoPG) Search(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	ds := searchDataset(f)
	countSQL, countArgs, err := ds.Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}
	listSQL, listArgs, err := ds.Select(apptCols...).
		Order(goqu.C("slot_date").Asc(), goqu.C("start_time").Asc(), goqu.C("created_at").Asc()).
		Limit(uint(limit)).Offset(uint(offset)).
		ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build search query: %w", err)
	}

	conn := connFor(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, classifyStoreError("search appointments", err)
	}
	rows, err := conn.Query(ctx, listSQL, listArgs...)
	if err != nil {
		return nil, 0, classifyStoreError("search appointments", err)
	}
	defer rows.Close()
	items := []*Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, classifyStoreError("search appointments", err)
		}
		items = append(items, a)
	}
	return items, total, classifyStoreError("search appointments", rows.Err())
}

// =========== Doctor Directory ===========

type doctorDirectoryPG struct{ pool *pgxpool.Pool }

// NewDoctorDirectoryPG reads the doctor_profile table owned by the profile service.
func NewDoctorDirectoryPG(pool *pgxpool.Pool) DoctorDirectory { return &doctorDirectoryPG{pool: pool} }

func (r *doctorDirectoryPG) Lookup(ctx context.Context, doctorID uuid.UUID) (DoctorStatus, error) {
	var available bool
	err := connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT is_available FROM doctor_profile WHERE id = $1`, doctorID).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return DoctorStatus{}, nil
	}
	if err != nil {
		return DoctorStatus{}, classifyStoreError("lookup doctor", err)
	}
	return DoctorStatus{Exists: true, IsAvailable: available}, nil
}
