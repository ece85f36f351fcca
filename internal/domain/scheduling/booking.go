package scheduling

import (
	"context"
	"encoding/json"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const MaxNotesLength = 500

type BookingRequest struct {
	DoctorID  uuid.UUID `json:"doctorId"`
	PatientID uuid.UUID `json:"patientId"`
	Date      Date      `json:"date"`
	StartTime ClockTime `json:"startTime"`
}

// UnmarshalJSON rejects a body without startTime instead of booking 00:00.
func (r *BookingRequest) UnmarshalJSON(b []byte) error {
	type plain BookingRequest
	var raw struct {
		plain
		StartTime *ClockTime `json:"startTime"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.StartTime == nil {
		return validationError("startTime is required")
	}
	*r = BookingRequest(raw.plain)
	r.StartTime = *raw.StartTime
	return nil
}

// -- Booking arbiter --

// CreateBooking allocates the requested slot to the patient. The capacity
// re-check and the insert happen in one atomic unit in the repository.
func (s *Service) CreateBooking(ctx context.Context, in BookingRequest, req Requester) (appt *Appointment, err error) {
	switch req.Role {
	case RolePatient:
		if in.PatientID == uuid.Nil {
			in.PatientID = req.UserID
		}
		if in.PatientID != req.UserID {
			return nil, ErrForbidden.WithMessage("patients may only book for themselves")
		}
	case RoleAdmin:
		if in.PatientID == uuid.Nil {
			return nil, validationError("patientId is required")
		}
	default:
		return nil, ErrForbidden
	}
	if in.DoctorID == uuid.Nil {
		return nil, validationError("doctorId is required")
	}
	if in.Date.IsZero() {
		return nil, newError(KindValidation, CodeInvalidDate, "date is required")
	}

	started := s.now()
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	ctx, span := s.startSpan(ctx, "CreateBooking",
		attribute.String("doctor_id", in.DoctorID.String()),
		attribute.String("date", in.Date.String()),
		attribute.String("time", in.StartTime.String()))
	defer func() {
		s.finish(ctx, span, "create", started, err)
		s.logOutcome("appointment booked", in.DoctorID, in.Date, in.StartTime, err)
	}()

	slot, capacity, err := s.resolveSlot(ctx, in.DoctorID, in.Date, in.StartTime)
	if err != nil {
		return nil, err
	}

	appt = &Appointment{
		ID:        uuid.New(),
		DoctorID:  in.DoctorID,
		PatientID: in.PatientID,
		Date:      in.Date,
		StartTime: slot.StartTime,
		EndTime:   slot.EndTime,
		Status:    StatusScheduled,
	}
	if err = withRetry(func() error { return s.appointments.Book(ctx, appt, capacity) }); err != nil {
		return nil, err
	}
	s.publishStatusChange(ctx, appt, "")
	return appt, nil
}

// resolveSlot checks that the doctor takes bookings on date and that start is
// one of the template's open slots. It returns the slot and its capacity.
func (s *Service) resolveSlot(ctx context.Context, doctorID uuid.UUID, date Date, start ClockTime) (TimeSlot, int, error) {
	doctor, err := s.requireDoctor(ctx, doctorID)
	if err != nil {
		return TimeSlot{}, 0, err
	}
	if !doctor.IsAvailable {
		return TimeSlot{}, 0, ErrDoctorUnavailable.WithMessage("doctor is not accepting appointments")
	}
	if date.Before(s.today()) {
		return TimeSlot{}, 0, ErrDoctorUnavailable.WithMessage("cannot book a date in the past")
	}
	tmpl, err := s.templates.Get(ctx, doctorID)
	if err != nil {
		return TimeSlot{}, 0, err
	}
	day, ok := tmpl.Day(date.Weekday())
	if !ok || !day.IsWorkingDay {
		return TimeSlot{}, 0, ErrDoctorUnavailable.WithMessage("doctor does not work on %s", date.Weekday())
	}
	slot, ok := day.Slot(start)
	if !ok {
		return TimeSlot{}, 0, ErrSlotNotFound.WithMessage("%s is not a slot on %s", start, date.Weekday())
	}
	if !slot.IsAvailable {
		return TimeSlot{}, 0, ErrSlotNotFound.WithMessage("slot %s is closed for booking", start)
	}
	return slot, tmpl.MaxPatientsPerSlot, nil
}

func (s *Service) logOutcome(msg string, doctorID uuid.UUID, date Date, start ClockTime, err error) {
	var ev *zerolog.Event
	switch {
	case err == nil:
		ev = s.logger.Info()
	case AsError(err).Kind == KindTransient:
		ev = s.logger.Error().Err(err).Str("code", AsError(err).Code)
		msg = "booking failed"
	default:
		ev = s.logger.Warn().Str("code", AsError(err).Code)
		msg = "booking rejected"
	}
	ev.Str("doctor_id", doctorID.String()).
		Str("date", date.String()).
		Str("time", start.String()).
		Msg(msg)
}

// -- Appointment queries --

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID, req Requester) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canAccess(req, a) {
		return nil, ErrForbidden
	}
	return a, nil
}

// ListAppointments narrows the filter to the caller's own appointments
// unless the caller is an admin.
func (s *Service) ListAppointments(ctx context.Context, f AppointmentFilter, limit, offset int, req Requester) ([]*Appointment, int, error) {
	self := req.UserID
	switch req.Role {
	case RoleAdmin:
	case RoleDoctor:
		f.DoctorID = &self
	case RolePatient:
		f.PatientID = &self
	default:
		return nil, 0, ErrForbidden
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, 0, validationError("date range end %s is before start %s", f.To, f.From)
	}
	return s.appointments.Search(ctx, f, limit, offset)
}

// -- Status transitions --

// UpdateStatus moves an appointment through its state machine. Doctors and
// admins may complete or cancel; patients may only cancel their own
// appointments that have not yet passed.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, to Status, req Requester) (appt *Appointment, err error) {
	if _, err := ParseStatus(string(to)); err != nil {
		return nil, err
	}
	if to == StatusRescheduled {
		return nil, ErrInvalidTransition.WithMessage("use the reschedule endpoint to move an appointment")
	}
	if req.Role == RolePatient && to != StatusCancelled {
		return nil, ErrForbidden.WithMessage("patients may only cancel appointments")
	}

	started := s.now()
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	ctx, span := s.startSpan(ctx, "UpdateStatus",
		attribute.String("appointment_id", id.String()),
		attribute.String("status", string(to)))
	defer func() { s.finish(ctx, span, "status", started, err) }()

	today := s.today()
	var old Status
	err = withRetry(func() error {
		var err error
		appt, err = s.appointments.Update(ctx, id, func(cur *Appointment) error {
			if !canAccess(req, cur) {
				return ErrForbidden
			}
			if !cur.Status.CanTransitionTo(to) {
				return ErrInvalidTransition.WithMessage("cannot change status from %s to %s", cur.Status, to)
			}
			if req.Role == RolePatient && cur.Date.Before(today) {
				return ErrInvalidTransition.WithMessage("cannot cancel a past appointment")
			}
			old = cur.Status
			cur.Status = to
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", id.String()).
		Str("old_status", string(old)).
		Str("new_status", string(to)).
		Msg("appointment status changed")
	s.publishStatusChange(ctx, appt, old)
	return appt, nil
}

// UpdateNotes replaces the appointment's notes. Doctor or admin only.
func (s *Service) UpdateNotes(ctx context.Context, id uuid.UUID, notes string, req Requester) (*Appointment, error) {
	if req.Role != RoleDoctor && req.Role != RoleAdmin {
		return nil, ErrForbidden
	}
	if utf8.RuneCountInString(notes) > MaxNotesLength {
		return nil, validationError("notes must be at most %d characters", MaxNotesLength)
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	var appt *Appointment
	err := withRetry(func() error {
		var err error
		appt, err = s.appointments.Update(ctx, id, func(cur *Appointment) error {
			if !canAccess(req, cur) {
				return ErrForbidden
			}
			cur.Notes = notes
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}
