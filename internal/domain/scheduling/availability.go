package scheduling

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ehr/scheduler/internal/platform/telemetry"
)

// GetAvailableSlots resolves the doctor's template for date against the
// committed appointments. Only slots with remaining capacity are returned,
// in ascending start order. Past dates and unavailable doctors yield none.
func (s *Service) GetAvailableSlots(ctx context.Context, doctorID uuid.UUID, date Date) (slots []EffectiveSlot, err error) {
	ctx, span := s.startSpan(ctx, "GetAvailableSlots",
		attribute.String("doctor_id", doctorID.String()),
		attribute.String("date", date.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	if date.IsZero() {
		return nil, newError(KindValidation, CodeInvalidDate, "date is required")
	}
	doctor, err := s.requireDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	tmpl, err := s.templates.Get(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	slots = []EffectiveSlot{}
	if !doctor.IsAvailable || date.Before(s.today()) {
		return slots, nil
	}
	day, ok := tmpl.Day(date.Weekday())
	if !ok || !day.IsWorkingDay || len(day.TimeSlots) == 0 {
		return slots, nil
	}

	counts, err := s.appointments.ActiveCounts(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	for _, ts := range day.TimeSlots {
		if !ts.IsAvailable {
			continue
		}
		remaining := tmpl.MaxPatientsPerSlot - counts[ts.StartTime]
		if remaining <= 0 {
			continue
		}
		slots = append(slots, EffectiveSlot{StartTime: ts.StartTime, EndTime: ts.EndTime, RemainingCapacity: remaining})
	}
	return slots, nil
}
