package scheduling

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

type RescheduleRequest struct {
	Date      Date      `json:"date"`
	StartTime ClockTime `json:"startTime"`
}

func (r *RescheduleRequest) UnmarshalJSON(b []byte) error {
	var raw struct {
		Date      Date       `json:"date"`
		StartTime *ClockTime `json:"startTime"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.StartTime == nil {
		return validationError("startTime is required")
	}
	r.Date, r.StartTime = raw.Date, *raw.StartTime
	return nil
}

// Reschedule moves an appointment to a new slot of the same doctor. On
// success the appointment is rescheduled in place; on any failure it is left
// exactly as it was.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, in RescheduleRequest, req Requester) (appt *Appointment, err error) {
	if in.Date.IsZero() {
		return nil, newError(KindValidation, CodeInvalidDate, "date is required")
	}

	started := s.now()
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	ctx, span := s.startSpan(ctx, "Reschedule",
		attribute.String("appointment_id", id.String()),
		attribute.String("date", in.Date.String()),
		attribute.String("time", in.StartTime.String()))

	current, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		s.finish(ctx, span, "reschedule", started, err)
		return nil, err
	}
	defer func() {
		s.finish(ctx, span, "reschedule", started, err)
		s.logOutcome("appointment rescheduled", current.DoctorID, in.Date, in.StartTime, err)
	}()

	today := s.today()
	// guard runs against the locked row inside the move, so a concurrent
	// cancel or reassignment is observed before anything is written.
	var old Status
	guard := func(cur *Appointment) error {
		if !canAccess(req, cur) {
			return ErrForbidden
		}
		if !cur.Status.Active() {
			return ErrInvalidTransition.WithMessage("cannot reschedule a %s appointment", cur.Status)
		}
		if cur.DoctorID != current.DoctorID {
			return ErrBookingConflict
		}
		if req.Role == RolePatient && cur.Date.Before(today) {
			return ErrInvalidTransition.WithMessage("cannot reschedule a past appointment")
		}
		old = cur.Status
		return nil
	}
	if err = guard(current); err != nil {
		return nil, err
	}

	slot, capacity, err := s.resolveSlot(ctx, current.DoctorID, in.Date, in.StartTime)
	if err != nil {
		return nil, err
	}
	target := SlotKey{DoctorID: current.DoctorID, Date: in.Date, StartTime: slot.StartTime}

	err = withRetry(func() error {
		var err error
		appt, err = s.appointments.Move(ctx, id, target, slot.EndTime, capacity, guard)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publishStatusChange(ctx, appt, old)
	return appt, nil
}
