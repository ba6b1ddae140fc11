package ehr

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Patients     []seedPatient     `yaml:"patients"`
	Providers    []seedProvider    `yaml:"providers"`
	Appointments []seedAppointment `yaml:"appointments"`
}

type seedPatient struct {
	ID            string `yaml:"id"`
	AccountNumber string `yaml:"account_number"`
	FirstName     string `yaml:"first_name"`
	LastName      string `yaml:"last_name"`
	MobileNumber  string `yaml:"mobile_number"`
	DateOfBirth   string `yaml:"date_of_birth"`
}

type seedProvider struct {
	ID        string `yaml:"id"`
	FirstName string `yaml:"first_name"`
	LastName  string `yaml:"last_name"`
	Specialty string `yaml:"specialty"`
	Role      string `yaml:"role"`
}

type seedAppointment struct {
	ID              string `yaml:"id"`
	PatientID       string `yaml:"patient_id"`
	ProviderID      string `yaml:"provider_id"`
	Type            string `yaml:"type"`
	StartTime       string `yaml:"start_time"`
	InDays          int    `yaml:"in_days"`
	DurationMinutes int    `yaml:"duration_minutes"`
	Status          string `yaml:"status"`
	Reason          string `yaml:"reason"`
}

// SeedFromFile loads demo data from a YAML file into the store. Appointment
// start times are given either absolute as RFC 3339 in start_time, or
// relative as in_days from now, which keeps demo fixtures from going stale.
func (s *Store) SeedFromFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	return s.seed(ctx, data)
}

func (s *Store) seed(ctx context.Context, data []byte) error {
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	for _, p := range file.Patients {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		err := s.UpsertPatient(ctx, Patient{
			ID:            p.ID,
			AccountNumber: p.AccountNumber,
			FirstName:     p.FirstName,
			LastName:      p.LastName,
			MobileNumber:  p.MobileNumber,
			DateOfBirth:   p.DateOfBirth,
		})
		if err != nil {
			return err
		}
	}

	for _, p := range file.Providers {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		err := s.UpsertProvider(ctx, Provider{
			ID:        p.ID,
			FirstName: p.FirstName,
			LastName:  p.LastName,
			Specialty: p.Specialty,
			Role:      p.Role,
		})
		if err != nil {
			return err
		}
	}

	for _, a := range file.Appointments {
		start, err := seedStartTime(a)
		if err != nil {
			return err
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		err = s.InsertAppointment(ctx, Appointment{
			ID:              a.ID,
			PatientID:       a.PatientID,
			ProviderID:      a.ProviderID,
			Type:            a.Type,
			StartTime:       start,
			DurationMinutes: a.DurationMinutes,
			Status:          a.Status,
			Reason:          a.Reason,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func seedStartTime(a seedAppointment) (time.Time, error) {
	if a.StartTime != "" {
		start, err := time.Parse(time.RFC3339, a.StartTime)
		if err != nil {
			return time.Time{}, fmt.Errorf("appointment %q: parse start_time: %w", a.ID, err)
		}
		return start, nil
	}
	if a.InDays > 0 {
		return time.Now().UTC().AddDate(0, 0, a.InDays), nil
	}
	return time.Time{}, fmt.Errorf("appointment %q: start_time or in_days is required", a.ID)
}
