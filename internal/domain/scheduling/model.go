package scheduling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// -- Weekly template --

type TimeSlot struct {
	StartTime   ClockTime `json:"startTime"`
	EndTime     ClockTime `json:"endTime"`
	IsAvailable bool      `json:"isAvailable"`
}

// UnmarshalJSON defaults isAvailable to true when omitted.
func (s *TimeSlot) UnmarshalJSON(b []byte) error {
	var raw struct {
		StartTime   *ClockTime `json:"startTime"`
		EndTime     *ClockTime `json:"endTime"`
		IsAvailable *bool      `json:"isAvailable"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.StartTime == nil || raw.EndTime == nil {
		return newError(KindValidation, CodeInvalidTime, "slot requires startTime and endTime")
	}
	s.StartTime = *raw.StartTime
	s.EndTime = *raw.EndTime
	s.IsAvailable = raw.IsAvailable == nil || *raw.IsAvailable
	return nil
}

type DaySchedule struct {
	Day          Day        `json:"day"`
	IsWorkingDay bool       `json:"isWorkingDay"`
	TimeSlots    []TimeSlot `json:"timeSlots"`
}

func (d DaySchedule) clone() DaySchedule {
	c := d
	c.TimeSlots = append([]TimeSlot(nil), d.TimeSlots...)
	if c.TimeSlots == nil {
		c.TimeSlots = []TimeSlot{}
	}
	return c
}

// Slot returns the template slot starting at start, if any.
func (d DaySchedule) Slot(start ClockTime) (TimeSlot, bool) {
	for _, s := range d.TimeSlots {
		if s.StartTime == start {
			return s, true
		}
	}
	return TimeSlot{}, false
}

// WeeklySchedule is a doctor's recurring availability, one entry per weekday.
type WeeklySchedule struct {
	DoctorID            uuid.UUID     `json:"doctorId"`
	Days                []DaySchedule `json:"weeklySchedule"`
	DefaultSlotDuration int           `json:"defaultSlotDuration"`
	BreakTime           Window        `json:"breakTime"`
	WorkingHours        Window        `json:"workingHours"`
	MaxPatientsPerSlot  int           `json:"maxPatientsPerSlot"`
	VersionID           int           `json:"versionId"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

// DefaultTemplate is the onboarding template: every day off, default hours and break.
func DefaultTemplate(doctorID uuid.UUID) *WeeklySchedule {
	days := make([]DaySchedule, 0, len(AllDays))
	for _, d := range AllDays {
		days = append(days, DaySchedule{Day: d, TimeSlots: []TimeSlot{}})
	}
	return &WeeklySchedule{
		DoctorID:            doctorID,
		Days:                days,
		DefaultSlotDuration: DefaultSlotDuration,
		BreakTime:           DefaultBreak,
		WorkingHours:        DefaultWorkingHours,
		MaxPatientsPerSlot:  1,
	}
}

func (w *WeeklySchedule) Day(d Day) (DaySchedule, bool) {
	for _, ds := range w.Days {
		if ds.Day == d {
			return ds, true
		}
	}
	return DaySchedule{}, false
}

func (w *WeeklySchedule) setDay(ds DaySchedule) {
	for i := range w.Days {
		if w.Days[i].Day == ds.Day {
			w.Days[i] = ds
			return
		}
	}
	w.Days = append(w.Days, ds)
}

func (w *WeeklySchedule) Clone() *WeeklySchedule {
	c := *w
	c.Days = make([]DaySchedule, len(w.Days))
	for i, d := range w.Days {
		c.Days[i] = d.clone()
	}
	return &c
}

// TemplateInput is a full-template update. Omitted settings keep their current values.
type TemplateInput struct {
	WeeklySchedule      []DaySchedule `json:"weeklySchedule"`
	DefaultSlotDuration *int          `json:"defaultSlotDuration,omitempty"`
	BreakTime           *Window       `json:"breakTime,omitempty"`
	WorkingHours        *Window       `json:"workingHours,omitempty"`
	MaxPatientsPerSlot  *int          `json:"maxPatientsPerSlot,omitempty"`
}

type DayToggle struct {
	IsWorkingDay bool       `json:"isWorkingDay"`
	TimeSlots    []TimeSlot `json:"timeSlots,omitempty"`
}

// -- Appointments --

type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusRescheduled Status = "rescheduled"
)

// ActiveStatuses hold capacity in their slot.
var ActiveStatuses = []Status{StatusScheduled, StatusRescheduled}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusScheduled, StatusCompleted, StatusCancelled, StatusRescheduled:
		return st, nil
	}
	return "", validationError("invalid status %q", s)
}

func (s Status) Active() bool {
	return s == StatusScheduled || s == StatusRescheduled
}

// CanTransitionTo reports whether a status update may move s to to.
// Completed and cancelled are terminal. Rescheduled is only reached by
// moving the appointment, never by a status update.
func (s Status) CanTransitionTo(to Status) bool {
	if !s.Active() {
		return false
	}
	switch to {
	case StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type Appointment struct {
	ID        uuid.UUID `json:"id"`
	DoctorID  uuid.UUID `json:"doctorId"`
	PatientID uuid.UUID `json:"patientId"`
	Date      Date      `json:"date"`
	StartTime ClockTime `json:"startTime"`
	EndTime   ClockTime `json:"endTime"`
	Status    Status    `json:"status"`
	Notes     string    `json:"notes"`
	VersionID int       `json:"versionId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (a *Appointment) Slot() SlotKey {
	return SlotKey{DoctorID: a.DoctorID, Date: a.Date, StartTime: a.StartTime}
}

// SlotKey identifies one bookable slot instance.
type SlotKey struct {
	DoctorID  uuid.UUID
	Date      Date
	StartTime ClockTime
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.DoctorID, k.Date, k.StartTime)
}

type AppointmentFilter struct {
	DoctorID  *uuid.UUID
	PatientID *uuid.UUID
	Status    *Status
	From      *Date
	To        *Date
}

// EffectiveSlot is a template slot resolved for a specific date.
type EffectiveSlot struct {
	StartTime         ClockTime `json:"startTime"`
	EndTime           ClockTime `json:"endTime"`
	RemainingCapacity int       `json:"remainingCapacity"`
}

// StatusChangedEvent is published after an appointment's status changes.
type StatusChangedEvent struct {
	EventID       uuid.UUID `json:"eventId"`
	AppointmentID uuid.UUID `json:"appointmentId"`
	DoctorID      uuid.UUID `json:"doctorId"`
	PatientID     uuid.UUID `json:"patientId"`
	Date          Date      `json:"date"`
	Time          ClockTime `json:"time"`
	OldStatus     Status    `json:"oldStatus,omitempty"`
	NewStatus     Status    `json:"newStatus"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// -- Callers --

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// Requester is the authenticated caller of an operation.
type Requester struct {
	UserID uuid.UUID
	Role   Role
}

func (r Requester) IsAdmin() bool { return r.Role == RoleAdmin }

// DoctorStatus is the doctor directory's view of a doctor.
type DoctorStatus struct {
	Exists      bool `json:"exists"`
	IsAvailable bool `json:"isAvailable"`
}
