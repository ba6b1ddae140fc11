// Package ehr is the appointment data service backing the voice agent's
// tools: patients, providers, and appointments in an embedded SQLite
// database.
package ehr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const (
	StatusRequested = "requested"
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

var ErrNotFound = errors.New("ehr: not found")

type Patient struct {
	ID            string
	AccountNumber string
	FirstName     string
	LastName      string
	MobileNumber  string
	DateOfBirth   string
}

func (p Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

type Provider struct {
	ID        string
	FirstName string
	LastName  string
	Specialty string
	Role      string
}

type Appointment struct {
	ID              string
	PatientID       string
	ProviderID      string
	Type            string
	StartTime       time.Time
	DurationMinutes int
	Status          string
	Reason          string

	// Provider is joined in on reads.
	Provider Provider
}

// AppointmentUpdate carries the mutable appointment fields. Nil pointers
// leave the stored value unchanged.
type AppointmentUpdate struct {
	Status    *string
	StartTime *time.Time
	Reason    *string
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS patients (
			id TEXT PRIMARY KEY,
			account_number TEXT NOT NULL UNIQUE,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL,
			mobile_number TEXT NOT NULL UNIQUE,
			date_of_birth TEXT
		);
		CREATE TABLE IF NOT EXISTS providers (
			id TEXT PRIMARY KEY,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL,
			specialty TEXT,
			role TEXT
		);
		CREATE TABLE IF NOT EXISTS appointments (
			id TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL REFERENCES patients(id),
			provider_id TEXT NOT NULL REFERENCES providers(id),
			type TEXT,
			start_time TEXT NOT NULL,
			duration_minutes INTEGER NOT NULL DEFAULT 60,
			status TEXT NOT NULL DEFAULT 'requested',
			reason TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_appointments_patient ON appointments(patient_id);
	`)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// UpsertPatient inserts or replaces a patient keyed by mobile number.
func (s *Store) UpsertPatient(ctx context.Context, p Patient) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patients (id, account_number, first_name, last_name, mobile_number, date_of_birth)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(mobile_number) DO UPDATE SET
			account_number = excluded.account_number,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			date_of_birth = excluded.date_of_birth
	`, p.ID, p.AccountNumber, p.FirstName, p.LastName, p.MobileNumber, p.DateOfBirth)
	if err != nil {
		return fmt.Errorf("upsert patient: %w", err)
	}
	return nil
}

// UpsertProvider inserts or replaces a provider.
func (s *Store) UpsertProvider(ctx context.Context, p Provider) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO providers (id, first_name, last_name, specialty, role)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			specialty = excluded.specialty,
			role = excluded.role
	`, p.ID, p.FirstName, p.LastName, p.Specialty, p.Role)
	if err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return nil
}

// InsertAppointment stores a new appointment.
func (s *Store) InsertAppointment(ctx context.Context, a Appointment) error {
	if a.Status == "" {
		a.Status = StatusRequested
	}
	if a.DurationMinutes <= 0 {
		a.DurationMinutes = 60
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO appointments (id, patient_id, provider_id, type, start_time, duration_minutes, status, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.PatientID, a.ProviderID, a.Type, a.StartTime.UTC().Format(time.RFC3339),
		a.DurationMinutes, a.Status, a.Reason, now, now)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

// PatientByPhone looks up a patient by mobile number.
func (s *Store) PatientByPhone(ctx context.Context, mobileNumber string) (Patient, error) {
	return s.patientWhere(ctx, "mobile_number = ?", mobileNumber)
}

// PatientByAccount looks up a patient by account number.
func (s *Store) PatientByAccount(ctx context.Context, accountNumber string) (Patient, error) {
	return s.patientWhere(ctx, "account_number = ?", accountNumber)
}

func (s *Store) patientWhere(ctx context.Context, where string, arg any) (Patient, error) {
	var p Patient
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_number, first_name, last_name, mobile_number, COALESCE(date_of_birth, '')
		FROM patients WHERE `+where, arg).
		Scan(&p.ID, &p.AccountNumber, &p.FirstName, &p.LastName, &p.MobileNumber, &p.DateOfBirth)
	if errors.Is(err, sql.ErrNoRows) {
		return Patient{}, ErrNotFound
	}
	if err != nil {
		return Patient{}, fmt.Errorf("query patient: %w", err)
	}
	return p, nil
}

// UpcomingAppointments returns the patient's non-cancelled appointments
// starting within the window from now, soonest first, with provider details
// joined in.
func (s *Store) UpcomingAppointments(ctx context.Context, patientID string, window time.Duration) ([]Appointment, error) {
	now := time.Now().UTC()
	until := now.Add(window)
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.patient_id, a.provider_id, COALESCE(a.type, ''), a.start_time,
			a.duration_minutes, a.status, COALESCE(a.reason, ''),
			p.id, p.first_name, p.last_name, COALESCE(p.specialty, ''), COALESCE(p.role, '')
		FROM appointments a
		JOIN providers p ON p.id = a.provider_id
		WHERE a.patient_id = ?
			AND a.status != ?
			AND a.start_time >= ?
			AND a.start_time < ?
		ORDER BY a.start_time ASC
	`, patientID, StatusCancelled, now.Format(time.RFC3339), until.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("query upcoming appointments: %w", err)
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AppointmentByID returns one appointment with provider details.
func (s *Store) AppointmentByID(ctx context.Context, appointmentID string) (Appointment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT a.id, a.patient_id, a.provider_id, COALESCE(a.type, ''), a.start_time,
			a.duration_minutes, a.status, COALESCE(a.reason, ''),
			p.id, p.first_name, p.last_name, COALESCE(p.specialty, ''), COALESCE(p.role, '')
		FROM appointments a
		JOIN providers p ON p.id = a.provider_id
		WHERE a.id = ?
	`, appointmentID)
	a, err := scanAppointment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Appointment{}, ErrNotFound
	}
	if err != nil {
		return Appointment{}, err
	}
	return a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (Appointment, error) {
	var a Appointment
	var startTime string
	err := row.Scan(&a.ID, &a.PatientID, &a.ProviderID, &a.Type, &startTime,
		&a.DurationMinutes, &a.Status, &a.Reason,
		&a.Provider.ID, &a.Provider.FirstName, &a.Provider.LastName,
		&a.Provider.Specialty, &a.Provider.Role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Appointment{}, err
		}
		return Appointment{}, fmt.Errorf("scan appointment: %w", err)
	}
	a.StartTime, err = time.Parse(time.RFC3339, startTime)
	if err != nil {
		return Appointment{}, fmt.Errorf("parse start_time %q: %w", startTime, err)
	}
	return a, nil
}

// UpdateAppointment applies the given changes and bumps updated_at. It
// validates status transitions against the known set.
func (s *Store) UpdateAppointment(ctx context.Context, appointmentID string, update AppointmentUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339)}

	if update.Status != nil {
		switch *update.Status {
		case StatusRequested, StatusConfirmed, StatusCancelled:
		default:
			return fmt.Errorf("invalid appointment status %q", *update.Status)
		}
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.StartTime != nil {
		sets = append(sets, "start_time = ?")
		args = append(args, update.StartTime.UTC().Format(time.RFC3339))
	}
	if update.Reason != nil {
		sets = append(sets, "reason = ?")
		args = append(args, *update.Reason)
	}

	args = append(args, appointmentID)
	result, err := s.db.ExecContext(ctx,
		"UPDATE appointments SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
