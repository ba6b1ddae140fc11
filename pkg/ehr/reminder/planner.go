// Package reminder plans appointment reminder calls: given a patient phone
// number it gathers the patient's upcoming appointments and produces the
// agent behavior script plus the tool surface the agent may use during the
// call.
package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carelink/voicebridge/pkg/bridge/tools"
	"github.com/carelink/voicebridge/pkg/ehr"
)

// DefaultLookahead bounds how far out appointments are mentioned on a
// reminder call.
const DefaultLookahead = 30 * 24 * time.Hour

var ErrPatientNotFound = errors.New("reminder: patient not found")

// Plan is everything a relay session needs to run one reminder call.
type Plan struct {
	PatientID    string
	PatientName  string
	Instructions string
	Greeting     string
	Definitions  []tools.Definition
	Handlers     map[string]tools.Handler
	Appointments []ehr.Appointment
}

// Planner builds reminder call plans against the EHR store.
type Planner struct {
	store     *ehr.Store
	lookahead time.Duration
}

func NewPlanner(store *ehr.Store) *Planner {
	return &Planner{store: store, lookahead: DefaultLookahead}
}

// PlanCall looks the patient up by phone and assembles the call plan. A
// patient with no upcoming appointments still gets a plan; the script then
// offers to schedule instead of reminding.
func (p *Planner) PlanCall(ctx context.Context, phoneNumber string) (Plan, error) {
	patient, err := p.store.PatientByPhone(ctx, phoneNumber)
	if errors.Is(err, ehr.ErrNotFound) {
		return Plan{}, ErrPatientNotFound
	}
	if err != nil {
		return Plan{}, err
	}

	appointments, err := p.store.UpcomingAppointments(ctx, patient.ID, p.lookahead)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{
		PatientID:    patient.ID,
		PatientName:  patient.FullName(),
		Instructions: buildInstructions(patient, appointments),
		Greeting:     fmt.Sprintf("Hello, may I speak with %s?", patient.FullName()),
		Definitions:  Definitions(),
		Handlers:     p.handlers(),
		Appointments: appointments,
	}
	return plan, nil
}

func buildInstructions(patient ehr.Patient, appointments []ehr.Appointment) string {
	name := patient.FullName()
	if len(appointments) == 0 {
		return fmt.Sprintf(`You are a helpful medical office assistant calling %s.

We don't see any upcoming appointments scheduled for them. Ask whether they
would like to schedule one. Be warm, professional, and concise; this is a
voice call.`, name)
	}

	next := appointments[0]
	var b strings.Builder
	fmt.Fprintf(&b, "You are a helpful medical office assistant calling %s.\n\n", name)
	fmt.Fprintf(&b, "You are calling to remind them about their upcoming %s appointment.\n\n", appointmentType(next))
	b.WriteString("Appointment details:\n")
	for _, appt := range appointments {
		fmt.Fprintf(&b, "- %s: %s with %s (appointment ID %s)\n",
			appt.StartTime.Format("Monday, January 2 at 3:04 PM"),
			appointmentType(appt), providerName(appt.Provider), appt.ID)
	}
	b.WriteString(`
Your goal:
1. Confirm they received the reminder.
2. Ask if they can keep the appointment.
3. If they want to reschedule or cancel, gather their preference and use the
   matching tool.

Use confirm_appointment when the patient confirms, request_reschedule when
they want a different time, request_cancellation when they want to cancel,
and get_appointment_details if they ask for specifics.

Be warm, professional, and concise; this is a voice call.`)
	return b.String()
}

func appointmentType(a ehr.Appointment) string {
	if strings.TrimSpace(a.Type) == "" {
		return "appointment"
	}
	return a.Type
}

func providerName(p ehr.Provider) string {
	if p.Role == "physician" {
		return "Dr. " + p.LastName
	}
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Definitions returns the reminder call tool surface.
func Definitions() []tools.Definition {
	return []tools.Definition{
		{
			Name:        "confirm_appointment",
			Description: "Mark an appointment as confirmed after the patient agrees to attend.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"appointment_id": {"type": "string", "description": "ID of the appointment to confirm"}
				},
				"required": ["appointment_id"]
			}`),
		},
		{
			Name:        "request_reschedule",
			Description: "Record that the patient wants to reschedule. Pass new_time when the patient names a specific date and time.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"appointment_id": {"type": "string", "description": "ID of the appointment to reschedule"},
					"new_time": {"type": "string", "description": "Requested new time, RFC 3339"}
				},
				"required": ["appointment_id"]
			}`),
		},
		{
			Name:        "request_cancellation",
			Description: "Cancel an appointment at the patient's request.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"appointment_id": {"type": "string", "description": "ID of the appointment to cancel"},
					"reason": {"type": "string", "description": "Why the patient is cancelling"}
				},
				"required": ["appointment_id"]
			}`),
		},
		{
			Name:        "get_appointment_details",
			Description: "Fetch full details of one appointment, including the provider.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"appointment_id": {"type": "string", "description": "Appointment ID"}
				},
				"required": ["appointment_id"]
			}`),
		},
	}
}

func (p *Planner) handlers() map[string]tools.Handler {
	return map[string]tools.Handler{
		"confirm_appointment":     p.confirmAppointment,
		"request_reschedule":      p.requestReschedule,
		"request_cancellation":    p.requestCancellation,
		"get_appointment_details": p.appointmentDetails,
	}
}

func (p *Planner) confirmAppointment(ctx context.Context, input map[string]any) (any, error) {
	appointmentID, err := stringArg(input, "appointment_id")
	if err != nil {
		return nil, err
	}
	status := ehr.StatusConfirmed
	if err := p.store.UpdateAppointment(ctx, appointmentID, ehr.AppointmentUpdate{Status: &status}); err != nil {
		return nil, err
	}
	return map[string]string{
		"status":         "confirmed",
		"appointment_id": appointmentID,
		"message":        "The appointment is confirmed. We look forward to seeing you.",
	}, nil
}

func (p *Planner) requestReschedule(ctx context.Context, input map[string]any) (any, error) {
	appointmentID, err := stringArg(input, "appointment_id")
	if err != nil {
		return nil, err
	}

	rawTime, _ := input["new_time"].(string)
	if strings.TrimSpace(rawTime) == "" {
		return map[string]string{
			"status":  "reschedule_requested",
			"message": "I'd be happy to help you reschedule. What date and time works better for you?",
		}, nil
	}

	newTime, err := time.Parse(time.RFC3339, rawTime)
	if err != nil {
		return nil, fmt.Errorf("new_time must be RFC 3339: %w", err)
	}
	status := ehr.StatusRequested
	update := ehr.AppointmentUpdate{Status: &status, StartTime: &newTime}
	if err := p.store.UpdateAppointment(ctx, appointmentID, update); err != nil {
		return nil, err
	}
	return map[string]string{
		"status":         "rescheduled",
		"appointment_id": appointmentID,
		"new_time":       newTime.Format(time.RFC3339),
		"message":        "The appointment has been moved. The office will confirm the new time.",
	}, nil
}

func (p *Planner) requestCancellation(ctx context.Context, input map[string]any) (any, error) {
	appointmentID, err := stringArg(input, "appointment_id")
	if err != nil {
		return nil, err
	}
	reason, _ := input["reason"].(string)
	if strings.TrimSpace(reason) == "" {
		reason = "Patient requested cancellation"
	}
	status := ehr.StatusCancelled
	update := ehr.AppointmentUpdate{Status: &status, Reason: &reason}
	if err := p.store.UpdateAppointment(ctx, appointmentID, update); err != nil {
		return nil, err
	}
	return map[string]string{
		"status":         "cancelled",
		"appointment_id": appointmentID,
		"message":        "The appointment has been cancelled.",
	}, nil
}

func (p *Planner) appointmentDetails(ctx context.Context, input map[string]any) (any, error) {
	appointmentID, err := stringArg(input, "appointment_id")
	if err != nil {
		return nil, err
	}
	appt, err := p.store.AppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":         "success",
		"appointment_id": appt.ID,
		"type":           appointmentType(appt),
		"start_time":     appt.StartTime.Format(time.RFC3339),
		"duration_min":   appt.DurationMinutes,
		"state":          appt.Status,
		"provider":       providerName(appt.Provider),
	}, nil
}

func stringArg(input map[string]any, key string) (string, error) {
	value, _ := input[key].(string)
	if strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return value, nil
}
