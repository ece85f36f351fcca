package scheduling

import (
	"context"

	"github.com/google/uuid"
)

type TemplateRepository interface {
	// Get returns ErrTemplateNotFound when the doctor has no template.
	Get(ctx context.Context, doctorID uuid.UUID) (*WeeklySchedule, error)
	// Save replaces the template in one write and bumps its version.
	Save(ctx context.Context, tmpl *WeeklySchedule) error
	// CreateIfAbsent stores tmpl unless a template exists; it returns the stored one.
	CreateIfAbsent(ctx context.Context, tmpl *WeeklySchedule) (*WeeklySchedule, bool, error)
}

// AppointmentGuard inspects the locked current state of an appointment before a
// write and aborts it by returning an error.
type AppointmentGuard func(current *Appointment) error

type AppointmentRepository interface {
	// Book checks the patient's duplicate hold and the slot's active count and
	// inserts appt in one atomic unit. Fails with ErrDuplicateBooking or ErrSlotFull.
	Book(ctx context.Context, appt *Appointment, capacity int) error
	// Move relocates an appointment to target under the target slot's capacity,
	// not counting the appointment itself, and marks it rescheduled.
	Move(ctx context.Context, id uuid.UUID, target SlotKey, end ClockTime, capacity int, guard AppointmentGuard) (*Appointment, error)
	// Update applies mutate to the locked appointment and persists status and notes.
	Update(ctx context.Context, id uuid.UUID, mutate AppointmentGuard) (*Appointment, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// ActiveCounts returns the number of active appointments per start time.
	ActiveCounts(ctx context.Context, doctorID uuid.UUID, date Date) (map[ClockTime]int, error)
	Search(ctx context.Context, filter AppointmentFilter, limit, offset int) ([]*Appointment, int, error)
}

// DoctorDirectory answers whether a doctor profile exists and accepts bookings.
type DoctorDirectory interface {
	Lookup(ctx context.Context, doctorID uuid.UUID) (DoctorStatus, error)
}

// EventPublisher delivers events without blocking the caller. Failures are
// the publisher's to handle.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, event any)
}

const StatusChannel = "appointments.status"
