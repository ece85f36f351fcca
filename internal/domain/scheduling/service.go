package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/scheduler/internal/platform/telemetry"
)

const DefaultBookingTimeout = 5 * time.Second

type Service struct {
	templates    TemplateRepository
	appointments AppointmentRepository
	doctors      DoctorDirectory
	events       EventPublisher
	metrics      *telemetry.Metrics
	timeout      time.Duration
	now          func() time.Time
	logger       zerolog.Logger
}

type Option func(*Service)

func WithEvents(p EventPublisher) Option        { return func(s *Service) { s.events = p } }
func WithMetrics(m *telemetry.Metrics) Option   { return func(s *Service) { s.metrics = m } }
func WithBookingTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }
func WithClock(now func() time.Time) Option     { return func(s *Service) { s.now = now } }
func WithLogger(l zerolog.Logger) Option        { return func(s *Service) { s.logger = l } }

func NewService(templates TemplateRepository, appointments AppointmentRepository, doctors DoctorDirectory, opts ...Option) *Service {
	s := &Service{
		templates:    templates,
		appointments: appointments,
		doctors:      doctors,
		events:       nopPublisher{},
		timeout:      DefaultBookingTimeout,
		now:          time.Now,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) {}

func (s *Service) today() Date {
	return DateOf(s.now())
}

// bounded detaches the store work from the caller's cancellation so a commit
// is never abandoned half way, and caps it with the booking timeout.
func (s *Service) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
}

// withRetry runs op again once when it lost a lock or serialization race.
func withRetry(op func() error) error {
	err := op()
	if isRetryable(err) {
		err = op()
	}
	return err
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return telemetry.StartSpan(ctx, "scheduling."+name, attrs...)
}

// finish records the outcome of a booking-path operation.
func (s *Service) finish(ctx context.Context, span trace.Span, op string, started time.Time, err error) {
	code := "OK"
	if err != nil {
		code = AsError(err).Code
	}
	s.metrics.RecordOutcome(ctx, op, code, s.now().Sub(started))
	telemetry.EndSpan(span, err)
}

// requireDoctor fails with ErrDoctorNotFound for unknown doctors.
func (s *Service) requireDoctor(ctx context.Context, doctorID uuid.UUID) (DoctorStatus, error) {
	st, err := s.doctors.Lookup(ctx, doctorID)
	if err != nil {
		return DoctorStatus{}, err
	}
	if !st.Exists {
		return DoctorStatus{}, ErrDoctorNotFound
	}
	return st, nil
}

func (s *Service) publishStatusChange(ctx context.Context, a *Appointment, old Status) {
	s.events.Publish(ctx, StatusChannel, StatusChangedEvent{
		EventID:       uuid.New(),
		AppointmentID: a.ID,
		DoctorID:      a.DoctorID,
		PatientID:     a.PatientID,
		Date:          a.Date,
		Time:          a.StartTime,
		OldStatus:     old,
		NewStatus:     a.Status,
		OccurredAt:    s.now().UTC(),
	})
}

// -- Authorization --

// canManageDoctor reports whether req may edit doctorID's schedule.
func canManageDoctor(req Requester, doctorID uuid.UUID) bool {
	return req.IsAdmin() || (req.Role == RoleDoctor && req.UserID == doctorID)
}

// canAccess reports whether req is a party to the appointment.
func canAccess(req Requester, a *Appointment) bool {
	switch req.Role {
	case RoleAdmin:
		return true
	case RoleDoctor:
		return a.DoctorID == req.UserID
	case RolePatient:
		return a.PatientID == req.UserID
	}
	return false
}
