package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hospital/frontdesk/internal/platform/apperr"
	"github.com/hospital/frontdesk/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// Dates travel as text so the Go side keeps the YYYY-MM-DD string form.
const apptCols = `id, patient_id, patient_name, appt_date::text, appt_time, doctor, department,
	duration_minutes, appointment_type, procedure_id, procedure_name, session_day,
	session_description, status, fee, payment_status, payment_method, payment_amount,
	token, version_id, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.PatientName, &a.Date, &a.Time, &a.Doctor, &a.Department,
		&a.DurationMinutes, &a.AppointmentType, &a.ProcedureID, &a.ProcedureName, &a.SessionDay,
		&a.SessionDescription, &a.Status, &a.Fee, &a.PaymentStatus, &a.PaymentMethod, &a.PaymentAmount,
		&a.Token, &a.VersionID, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

func (r *repoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, patient_name, appt_date, appt_time, doctor, department,
			duration_minutes, appointment_type, procedure_id, procedure_name, session_day,
			session_description, status, fee, payment_status, payment_method, payment_amount, token)
		VALUES ($1,$2,$3,$4::text::date,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		RETURNING version_id, created_at, updated_at`,
		a.ID, a.PatientID, a.PatientName, a.Date, a.Time, a.Doctor, a.Department,
		a.DurationMinutes, a.AppointmentType, a.ProcedureID, a.ProcedureName, a.SessionDay,
		a.SessionDescription, a.Status, a.Fee, a.PaymentStatus, a.PaymentMethod, a.PaymentAmount, a.Token,
	).Scan(&a.VersionID, &a.CreatedAt, &a.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.Conflict("appointment.create", "appointment already exists")
	}
	if err != nil {
		return apperr.Persistence("appointment.create", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id string) (*Appointment, error) {
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errNotFound("appointment.get")
	}
	if err != nil {
		return nil, apperr.Persistence("appointment.get", fmt.Errorf("get appointment %s: %w", id, err))
	}
	return a, nil
}

func (r *repoPG) Update(ctx context.Context, a *Appointment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointments SET appt_date=$2::text::date, appt_time=$3, doctor=$4, department=$5,
			duration_minutes=$6, status=$7, fee=$8, payment_status=$9, payment_method=$10,
			payment_amount=$11, token=$12, version_id=version_id+1, updated_at=NOW()
		WHERE id = $1 AND version_id = $13
		RETURNING version_id, updated_at`,
		a.ID, a.Date, a.Time, a.Doctor, a.Department, a.DurationMinutes, a.Status, a.Fee,
		a.PaymentStatus, a.PaymentMethod, a.PaymentAmount, a.Token, a.VersionID,
	).Scan(&a.VersionID, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.missingOrStale(ctx, a.ID)
	}
	if err != nil {
		return apperr.Persistence("appointment.update", err)
	}
	return nil
}

// missingOrStale explains an UPDATE that matched no row.
func (r *repoPG) missingOrStale(ctx context.Context, id string) error {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return apperr.Persistence("appointment.update", err)
	}
	if !exists {
		return errNotFound("appointment.update")
	}
	return errStale("appointment.update")
}

func (r *repoPG) list(ctx context.Context, where string, args ...interface{}) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointments `+where, args...)
	if err != nil {
		return nil, apperr.Persistence("appointment.list", err)
	}
	defer rows.Close()

	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, apperr.Persistence("appointment.list", err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("appointment.list", err)
	}
	return items, nil
}

func (r *repoPG) List(ctx context.Context) ([]*Appointment, error) {
	return r.list(ctx, `ORDER BY created_at, id`)
}

func (r *repoPG) ListByProcedure(ctx context.Context, procedureID string) ([]*Appointment, error) {
	return r.list(ctx, `WHERE procedure_id = $1 ORDER BY session_day NULLS LAST, appt_date`, procedureID)
}

func (r *repoPG) NextToken(ctx context.Context, date string) (int, error) {
	var token int
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO token_sequences (seq_date, last_token) VALUES ($1::text::date, 1)
		ON CONFLICT (seq_date) DO UPDATE SET last_token = token_sequences.last_token + 1
		RETURNING last_token`, date).Scan(&token)
	if err != nil {
		return 0, apperr.Persistence("appointment.token", fmt.Errorf("next token for %s: %w", date, err))
	}
	return token, nil
}
