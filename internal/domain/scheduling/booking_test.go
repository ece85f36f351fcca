package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCreateBooking_Success(t *testing.T) {
	f := newFixture(t)
	f.withMondays(t, 1)
	p := patient()

	appt := f.book(t, p, testNextMonday, "10:00")
	if appt.Status != StatusScheduled {
		t.Errorf("expected scheduled, got %s", appt.Status)
	}
	if appt.PatientID != p.UserID || appt.DoctorID != f.doctorID {
		t.Error("expected booking to carry the patient and doctor")
	}
	if appt.EndTime != MustClock("10:30") {
		t.Errorf("expected end time 10:30, got %s", appt.EndTime)
	}
	if appt.VersionID != 1 {
		t.Errorf("expected version 1, got %d", appt.VersionID)
	}

	events := f.events.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].NewStatus != StatusScheduled || events[0].OldStatus != "" || events[0].AppointmentID != appt.ID {
		t.Errorf("unexpected event: %+v", events[0])
	}
	if events[0].EventID == uuid.Nil {
		t.Error("expected event id to be set")
	}
}

func TestBookingRequest_Decode(t *testing.T) {
	doctor := uuid.New()
	var in BookingRequest
	body := `{"doctorId":"` + doctor.String() + `","date":"2025-06-09","startTime":"00:00"}`
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.DoctorID != doctor || in.Date.String() != "2025-06-09" || in.StartTime != 0 {
		t.Errorf("unexpected request: %+v", in)
	}

	err := json.Unmarshal([]byte(`{"doctorId":"`+doctor.String()+`","date":"2025-06-09"}`), &in)
	expectCode(t, err, CodeValidationFailed)
	err = json.Unmarshal([]byte(`{"startTime":"9am"}`), &in)
	expectCode(t, err, CodeInvalidTime)
}

func TestRescheduleRequest_Decode(t *testing.T) {
	var in RescheduleRequest
	if err := json.Unmarshal([]byte(`{"date":"2025-06-09","startTime":"10:30"}`), &in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Date.String() != "2025-06-09" || in.StartTime != MustClock("10:30") {
		t.Errorf("unexpected request: %+v", in)
	}

	err := json.Unmarshal([]byte(`{"date":"2025-06-09"}`), &in)
	expectCode(t, err, CodeValidationFailed)
}

func TestCreateBooking_TodayIsBookable(t *testing.T) {
	f := newFixture(t)
	f.withMondays(t, 1)
	f.book(t, patient(), testMonday, "16:30")
}

func TestCreateBooking_Rejections(t *testing.T) {
	f := newFixture(t)
	f.withMondays(t, 1)
	ctx := context.Background()
	p := patient()

	cases := []struct {
		name string
		in   BookingRequest
		code string
	}{
		{"not a slot", BookingRequest{DoctorID: f.doctorID, Date: testNextMonday, StartTime: MustClock("10:15")}, CodeSlotNotFound},
		{"during break", BookingRequest{DoctorID: f.doctorID, Date: testNextMonday, StartTime: MustClock("13:00")}, CodeSlotNotFound},
		{"non-working day", BookingRequest{DoctorID: f.doctorID, Date: testTuesday, StartTime: MustClock("10:00")}, CodeDoctorUnavailable},
		{"past date", BookingRequest{DoctorID: f.doctorID, Date: testLastMonday, StartTime: MustClock("10:00")}, CodeDoctorUnavailable},
		{"unknown doctor", BookingRequest{DoctorID: uuid.New(), Date: testNextMonday, StartTime: MustClock("10:00")}, CodeDoctorNotFound},
		{"missing date", BookingRequest{DoctorID: f.doctorID, StartTime: MustClock("10:00")}, CodeInvalidDate},
		{"someone else", BookingRequest{DoctorID: f.doctorID, PatientID: uuid.New(), Date: testNextMonday, StartTime: MustClock("10:00")}, CodeForbidden},
	}
	for _, tc := range cases {
		_, err := f.svc.CreateBooking(ctx, tc.in, p)
		if !errors.Is(err, &Error{Code: tc.code}) {
			t.Errorf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
	}

	if _, err := f.svc.CreateBooking(ctx, BookingRequest{DoctorID: f.doctorID, Date: testNextMonday, StartTime: MustClock("10:00")}, f.doctor); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected doctors to be unable to book, got %v", err)
	}
	if n := len(f.events.all()); n != 0 {
		t.Errorf("expected no events for rejected bookings, got %d", n)
	}
}

func TestCreateBooking_UnavailableDoctor(t *testing.T) {
	f := newFixture(t)
	f.withMondays(t, 1)
	f.doctors.Register(f.doctorID, false)

	_, err := f.svc.CreateBooking(context.Background(), BookingRequest{
		DoctorID: f.doctorID, Date: testNextMonday, StartTime: MustClock("10:00"),
	}, patient())
	expectCode(t, err, CodeDoctorUnavailable)
}

func TestCreateBooking_ClosedSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	week := make([]DaySchedule, 0, 7)
	for _, d := range AllDays {
		ds := DaySchedule{Day: d}
		if d == Monday {
			ds.IsWorkingDay = true
			ds.TimeSlots = []TimeSlot{{StartTime: MustClock("09:00"), EndTime: MustClock("09:30"), IsAvailable: false}}
		}
		week = append(week, ds)
	}
	if _, err := f.svc.UpsertTemplate(ctx, f.doctorID, TemplateInput{WeeklySchedule: week}, f.doctor); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := f.svc.CreateBooking(ctx, BookingRequest{DoctorID: f.doctorID, Date: testNextMonday, StartTime: MustClock("09:00")}, patient())
	expectCode(t, err, CodeSlotNotFound)
}

func TestCreateBooking_Duplicate(t *testing.T) {
	f := newFixture(t)
	f.withMondays(t, 3)
	p := patient()
	f.book(t, p, testNextMonday, "10:00")

	_, err := f.svc.CreateBooking(context.Background(), BookingRequest{
		DoctorID: f.doctorID, Date: testNextMonday, StartTime: MustClock("10:00"),
	}, p)
	expectCode(t, err, CodeDuplicateBooking)
}

func TestCreateBooking_AdminBooksForPatient(t *testing.T) {
	f := newFixture(t)
	f.withMondays(t, 1)
	pid := uuid.New()

	appt, err := f.svc.CreateBooking(context.Background(), BookingRequest{
		DoctorID: f.doctorID, PatientID: pid, Date: testNextMonday, StartTime: MustClock("11:00"),
	}, f.admin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if appt.PatientID != pid {
		t.Errorf("expected patient %s, got %s", pid, appt.PatientID)
	}

	_, err = f.svc.CreateBooking(context.Background(), BookingRequest{
		DoctorID: f.doctorID, Date: testNextMonday, StartTime: MustClock("11:30"),
	}, f.admin)
	expectCode(t, err, CodeValidationFailed)
}

func TestCreateBooking_CapacityUnderContention(t *testing.T) {
	const capacity, extra = 3, 7
	f := newFixture(t)
	f.withMondays(t, capacity)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		full      int
		other     []error
	)
	for i := 0; i < capacity+extra; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateBooking(context.Background(), BookingRequest{
				DoctorID: f.doctorID, Date: testNextMonday, StartTime: MustClock("09:00"),
			}, patient())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrSlotFull):
				full++
			default:
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	if succeeded != capacity {
		t.Errorf("expected %d successful bookings, got %d", capacity, succeeded)
	}
	if full != extra {
		t.Errorf("expected %d SLOT_FULL rejections, got %d", extra, full)
	}
	if len(other) > 0 {
		t.Errorf("unexpected errors: %v", other)
	}

	counts, err := f.store.ActiveCounts(context.Background(), f.doctorID, testNextMonday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[MustClock("09:00")] != capacity {
		t.Errorf("expected %d stored active appointments, got %d", capacity, counts[MustClock("09:00")])
	}
}

// -- Queries --

func TestGetAppointment_Access(t *testing.T) {
	f := newFixture(t)
	f.withMondays(t, 1)
	ctx := context.Background()
	p := patient()
	appt := f.book(t, p, testNextMonday, "09:30")

	for _, req := range []Requester{p, f.doctor, f.admin} {
		if _, err := f.svc.GetAppointment(ctx, appt.ID, req); err != nil {
			t.Errorf("%s: unexpected error: %v", req.Role, err)
		}
	}
	_, err := f.svc.GetAppointment(ctx, appt.ID, patient())
	expectCode(t, err, CodeForbidden)
	_, err = f.svc.GetAppointment(ctx, uuid.New(), f.admin)
	expectCode(t, err, CodeAppointmentNotFound)
}

func TestListAppointments_ScopedToCaller(t *testing.T) {
	f := newFixture(t)
	f.withMondays(t, 2)
	ctx := context.Background()
	p1, p2 := patient(), patient()
	f.book(t, p1, testNextMonday, "09:00")
	f.book(t, p1, testNextMonday, "10:00")
	f.book(t, p2, testNextMonday, "09:00")

	items, total, err := f.svc.ListAppointments(ctx, AppointmentFilter{}, 10, 0, p1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Errorf("expected patient to see 2 appointments, got %d", total)
	}

	other := p2.UserID
	items, total, err = f.svc.ListAppointments(ctx, AppointmentFilter{PatientID: &other}, 10, 0, p1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 {
		t.Errorf("expected patient filter to be overridden, got %d results", total)
	}
	for _, a := range items {
		if a.PatientID != p1.UserID {
			t.Error("expected only the caller's appointments")
		}
	}

	_, total, err = f.svc.ListAppointments(ctx, AppointmentFilter{}, 10, 0, f.doctor)
	if err != nil || total != 3 {
		t.Errorf("expected doctor to see 3 appointments, got %d (%v)", total, err)
	}

	items, total, err = f.svc.ListAppointments(ctx, AppointmentFilter{}, 2, 2, f.admin)
	if err != nil || total != 3 || len(items) != 1 {
		t.Errorf("expected page of 1 out of 3, got %d of %d (%v)", len(items), total, err)
	}

	from, to := testNextMonday, testMonday
	_, _, err = f.svc.ListAppointments(ctx, AppointmentFilter{From: &from, To: &to}, 10, 0, f.admin)
	expectCode(t, err, CodeValidationFailed)
}

// -- Status transitions --

func TestUpdateStatus_DoctorCompletes(t *testing.T) {
	f := newFixture(t)
	f.withMondays(t, 1)
	ctx := context.Background()
	appt := f.book(t, patient(), testNextMonday, "09:00")

	done, err := f.svc.UpdateStatus(ctx, appt.ID, StatusCompleted, f.doctor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", done.Status)
	}
	if done.VersionID != appt.VersionID+1 {
		t.Errorf("expected version bump, got %d", done.VersionID)
	}

	_, err = f.svc.UpdateStatus(ctx, appt.ID, StatusCancelled, f.doctor)
	expectCode(t, err, CodeInvalidTransition)

	events := f.events.all()
	last := events[len(events)-1]
	if last.OldStatus != StatusScheduled || last.NewStatus != StatusCompleted {
		t.Errorf("unexpected event transition %s -> %s", last.OldStatus, last.NewStatus)
	}
}

func TestUpdateStatus_CancelFreesCapacity(t *testing.T) {
	f := newFixture(t)
	f.withMondays(t, 1)
	ctx := context.Background()
	p := patient()
	appt := f.book(t, p, testNextMonday, "09:00")

	if _, err := f.svc.UpdateStatus(ctx, appt.ID, StatusCancelled, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.book(t, patient(), testNextMonday, "09:00")
}

func TestUpdateStatus_PatientRules(t *testing.T) {
	f := newFixture(t)
	f.withMondays(t, 1)
	ctx := context.Background()
	p := patient()
	appt := f.book(t, p, testNextMonday, "09:00")

	_, err := f.svc.UpdateStatus(ctx, appt.ID, StatusCompleted, p)
	expectCode(t, err, CodeForbidden)

	_, err = f.svc.UpdateStatus(ctx, appt.ID, StatusCancelled, patient())
	expectCode(t, err, CodeForbidden)

	// Same appointment seen a week later.
	f.svc.now = func() time.Time { return testNextMonday.AddDays(7).Time() }
	_, err = f.svc.UpdateStatus(ctx, appt.ID, StatusCancelled, p)
	expectCode(t, err, CodeInvalidTransition)

	if _, err := f.svc.UpdateStatus(ctx, appt.ID, StatusCancelled, f.doctor); err != nil {
		t.Errorf("expected doctor to cancel a past appointment, got %v", err)
	}
}

func TestUpdateStatus_InvalidStatus(t *testing.T) {
	f := newFixture(t)
	f.withMondays(t, 1)
	appt := f.book(t, patient(), testNextMonday, "09:00")
	_, err := f.svc.UpdateStatus(context.Background(), appt.ID, Status("noshow"), f.doctor)
	expectCode(t, err, CodeValidationFailed)
}

func TestUpdateStatus_RescheduledOnlyByMove(t *testing.T) {
	f := newFixture(t)
	f.withMondays(t, 1)
	ctx := context.Background()
	appt := f.book(t, patient(), testNextMonday, "09:00")
	before := len(f.events.all())

	_, err := f.svc.UpdateStatus(ctx, appt.ID, StatusRescheduled, f.doctor)
	expectCode(t, err, CodeInvalidTransition)
	_, err = f.svc.UpdateStatus(ctx, appt.ID, StatusRescheduled, f.admin)
	expectCode(t, err, CodeInvalidTransition)

	got, err := f.svc.GetAppointment(ctx, appt.ID, f.admin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusScheduled || got.VersionID != appt.VersionID {
		t.Errorf("expected appointment untouched, got status %s version %d", got.Status, got.VersionID)
	}
	if n := len(f.events.all()); n != before {
		t.Errorf("expected no events, got %d new", n-before)
	}
}

func TestUpdateStatus_RescheduledAppointmentCanComplete(t *testing.T) {
	f := newFixture(t)
	f.withMondays(t, 1)
	ctx := context.Background()
	appt := f.book(t, patient(), testNextMonday, "09:00")

	moved, err := f.svc.Reschedule(ctx, appt.ID, RescheduleRequest{Date: testNextMonday, StartTime: MustClock("10:00")}, f.doctor)
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if moved.Status != StatusRescheduled {
		t.Fatalf("expected rescheduled, got %s", moved.Status)
	}

	_, err = f.svc.UpdateStatus(ctx, appt.ID, StatusRescheduled, f.doctor)
	expectCode(t, err, CodeInvalidTransition)

	done, err := f.svc.UpdateStatus(ctx, appt.ID, StatusCompleted, f.doctor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", done.Status)
	}
}

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusScheduled, StatusCompleted, true},
		{StatusScheduled, StatusCancelled, true},
		{StatusRescheduled, StatusCancelled, true},
		{StatusScheduled, StatusRescheduled, false},
		{StatusRescheduled, StatusRescheduled, false},
		{StatusScheduled, StatusScheduled, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusCompleted, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}
}

func TestUpdateNotes(t *testing.T) {
	f := newFixture(t)
	f.withMondays(t, 1)
	ctx := context.Background()
	p := patient()
	appt := f.book(t, p, testNextMonday, "09:00")

	updated, err := f.svc.UpdateNotes(ctx, appt.ID, "bring previous reports", f.doctor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Notes != "bring previous reports" {
		t.Errorf("unexpected notes %q", updated.Notes)
	}

	_, err = f.svc.UpdateNotes(ctx, appt.ID, "x", p)
	expectCode(t, err, CodeForbidden)

	_, err = f.svc.UpdateNotes(ctx, appt.ID, strings.Repeat("a", MaxNotesLength+1), f.doctor)
	expectCode(t, err, CodeValidationFailed)

	other := Requester{UserID: uuid.New(), Role: RoleDoctor}
	_, err = f.svc.UpdateNotes(ctx, appt.ID, "x", other)
	expectCode(t, err, CodeForbidden)
}
