package scheduling

import (
	"context"

	"github.com/google/uuid"
)

// -- Weekly template store --

func (s *Service) GetTemplate(ctx context.Context, doctorID uuid.UUID) (*WeeklySchedule, error) {
	if _, err := s.requireDoctor(ctx, doctorID); err != nil {
		return nil, err
	}
	return s.templates.Get(ctx, doctorID)
}

// CreateDefaultTemplate sets up a newly onboarded doctor with every day off.
// It returns the existing template when there already is one.
func (s *Service) CreateDefaultTemplate(ctx context.Context, doctorID uuid.UUID, req Requester) (*WeeklySchedule, bool, error) {
	if !canManageDoctor(req, doctorID) {
		return nil, false, ErrForbidden
	}
	if _, err := s.requireDoctor(ctx, doctorID); err != nil {
		return nil, false, err
	}
	tmpl, created, err := s.templates.CreateIfAbsent(ctx, DefaultTemplate(doctorID))
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Info().Str("doctor_id", doctorID.String()).Msg("default schedule created")
	}
	return tmpl, created, nil
}

// UpsertTemplate replaces the whole weekly template. Working days without
// slots get generated ones; non-working days are stored empty.
func (s *Service) UpsertTemplate(ctx context.Context, doctorID uuid.UUID, in TemplateInput, req Requester) (*WeeklySchedule, error) {
	if !canManageDoctor(req, doctorID) {
		return nil, ErrForbidden
	}
	if _, err := s.requireDoctor(ctx, doctorID); err != nil {
		return nil, err
	}

	base, err := s.templates.Get(ctx, doctorID)
	if err != nil {
		if AsError(err).Code != CodeTemplateNotFound {
			return nil, err
		}
		base = DefaultTemplate(doctorID)
	}

	next := &WeeklySchedule{
		DoctorID:            doctorID,
		DefaultSlotDuration: base.DefaultSlotDuration,
		BreakTime:           base.BreakTime,
		WorkingHours:        base.WorkingHours,
		MaxPatientsPerSlot:  base.MaxPatientsPerSlot,
	}
	if in.DefaultSlotDuration != nil {
		next.DefaultSlotDuration = *in.DefaultSlotDuration
	}
	if in.BreakTime != nil {
		next.BreakTime = *in.BreakTime
	}
	if in.WorkingHours != nil {
		next.WorkingHours = *in.WorkingHours
	}
	if in.MaxPatientsPerSlot != nil {
		next.MaxPatientsPerSlot = *in.MaxPatientsPerSlot
	}
	if err := validateSettings(next); err != nil {
		return nil, err
	}

	days, err := buildWeek(in.WeeklySchedule, next)
	if err != nil {
		return nil, err
	}
	next.Days = days

	if err := s.templates.Save(ctx, next); err != nil {
		return nil, err
	}
	s.logger.Info().Str("doctor_id", doctorID.String()).Int("version", next.VersionID).Msg("schedule updated")
	return next, nil
}

// ToggleDay switches one weekday on or off. Turning a day on without
// explicit slots keeps the slots it already had, or generates them.
func (s *Service) ToggleDay(ctx context.Context, doctorID uuid.UUID, day Day, in DayToggle, req Requester) (DaySchedule, error) {
	if !day.Valid() {
		return DaySchedule{}, newError(KindValidation, CodeInvalidDay, "invalid day")
	}
	if !canManageDoctor(req, doctorID) {
		return DaySchedule{}, ErrForbidden
	}
	if _, err := s.requireDoctor(ctx, doctorID); err != nil {
		return DaySchedule{}, err
	}
	tmpl, err := s.templates.Get(ctx, doctorID)
	if err != nil {
		return DaySchedule{}, err
	}

	current, _ := tmpl.Day(day)
	next := DaySchedule{Day: day, IsWorkingDay: in.IsWorkingDay, TimeSlots: []TimeSlot{}}
	switch {
	case !in.IsWorkingDay:
	case len(in.TimeSlots) > 0:
		if next.TimeSlots, err = normalizeSlots(day, in.TimeSlots, tmpl.DefaultSlotDuration, tmpl.BreakTime); err != nil {
			return DaySchedule{}, err
		}
	case current.IsWorkingDay && len(current.TimeSlots) > 0:
		next.TimeSlots = current.clone().TimeSlots
	default:
		if next.TimeSlots, err = GenerateSlots(tmpl.WorkingHours, tmpl.DefaultSlotDuration, tmpl.BreakTime); err != nil {
			return DaySchedule{}, err
		}
	}

	tmpl.setDay(next)
	if err := s.templates.Save(ctx, tmpl); err != nil {
		return DaySchedule{}, err
	}
	s.logger.Info().
		Str("doctor_id", doctorID.String()).
		Str("day", day.String()).
		Bool("working", next.IsWorkingDay).
		Int("slots", len(next.TimeSlots)).
		Msg("schedule day toggled")
	return next, nil
}

func validateSettings(t *WeeklySchedule) error {
	if err := validateDuration(t.DefaultSlotDuration); err != nil {
		return err
	}
	if t.MaxPatientsPerSlot < 1 {
		return validationError("maxPatientsPerSlot must be at least 1, got %d", t.MaxPatientsPerSlot)
	}
	if t.BreakTime.End < t.BreakTime.Start {
		return validationError("break end %s must not be before break start %s", t.BreakTime.End, t.BreakTime.Start)
	}
	if t.WorkingHours.End <= t.WorkingHours.Start {
		return validationError("working hours end %s must be after start %s", t.WorkingHours.End, t.WorkingHours.Start)
	}
	return nil
}

// buildWeek checks that every weekday appears exactly once and fills in the
// slots of each day. The result is in Monday-first order.
func buildWeek(in []DaySchedule, settings *WeeklySchedule) ([]DaySchedule, error) {
	if len(in) != len(AllDays) {
		return nil, validationError("weeklySchedule must contain all 7 days, got %d", len(in))
	}
	var byDay [7]*DaySchedule
	for i := range in {
		d := in[i].Day
		if !d.Valid() {
			return nil, newError(KindValidation, CodeInvalidDay, "invalid day in weeklySchedule")
		}
		if byDay[d] != nil {
			return nil, validationError("%s appears more than once", d)
		}
		byDay[d] = &in[i]
	}

	out := make([]DaySchedule, 0, len(AllDays))
	for _, d := range AllDays {
		ds := DaySchedule{Day: d, IsWorkingDay: byDay[d].IsWorkingDay, TimeSlots: []TimeSlot{}}
		if ds.IsWorkingDay {
			var err error
			if len(byDay[d].TimeSlots) == 0 {
				ds.TimeSlots, err = GenerateSlots(settings.WorkingHours, settings.DefaultSlotDuration, settings.BreakTime)
			} else {
				ds.TimeSlots, err = normalizeSlots(d, byDay[d].TimeSlots, settings.DefaultSlotDuration, settings.BreakTime)
			}
			if err != nil {
				return nil, err
			}
		}
		out = append(out, ds)
	}
	return out, nil
}
