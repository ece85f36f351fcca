package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps templates and appointments in process memory. One mutex
// serializes every write, which makes booking and moving atomic.
type MemoryStore struct {
	mu           sync.Mutex
	templates    map[uuid.UUID]*WeeklySchedule
	appointments map[uuid.UUID]*Appointment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates:    make(map[uuid.UUID]*WeeklySchedule),
		appointments: make(map[uuid.UUID]*Appointment),
	}
}

// -- Templates --

func (m *MemoryStore) Get(ctx context.Context, doctorID uuid.UUID) (*WeeklySchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[doctorID]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, tmpl *WeeklySchedule) error {
	if err := ctx.Err(); err != nil {
		return classifyStoreError("save template", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := m.templates[tmpl.DoctorID]; ok {
		tmpl.VersionID = prev.VersionID + 1
		tmpl.CreatedAt = prev.CreatedAt
	} else {
		tmpl.VersionID = 1
		tmpl.CreatedAt = now
	}
	tmpl.UpdatedAt = now
	m.templates[tmpl.DoctorID] = tmpl.Clone()
	return nil
}

func (m *MemoryStore) CreateIfAbsent(ctx context.Context, tmpl *WeeklySchedule) (*WeeklySchedule, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.templates[tmpl.DoctorID]; ok {
		return prev.Clone(), false, nil
	}
	now := time.Now().UTC()
	tmpl.VersionID = 1
	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now
	m.templates[tmpl.DoctorID] = tmpl.Clone()
	return tmpl.Clone(), true, nil
}

// -- Appointments --

func (m *MemoryStore) Book(ctx context.Context, appt *Appointment, capacity int) error {
	if err := ctx.Err(); err != nil {
		return classifyStoreError("book appointment", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holdsSlot(appt.PatientID, appt.Slot(), uuid.Nil) {
		return ErrDuplicateBooking
	}
	if m.activeAt(appt.Slot(), uuid.Nil) >= capacity {
		return ErrSlotFull
	}
	if appt.ID == uuid.Nil {
		appt.ID = uuid.New()
	}
	now := time.Now().UTC()
	appt.VersionID = 1
	appt.CreatedAt = now
	appt.UpdatedAt = now
	stored := *appt
	m.appointments[appt.ID] = &stored
	return nil
}

func (m *MemoryStore) Move(ctx context.Context, id uuid.UUID, target SlotKey, end ClockTime, capacity int, guard AppointmentGuard) (*Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyStoreError("move appointment", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	current := *stored
	if guard != nil {
		if err := guard(&current); err != nil {
			return nil, err
		}
	}
	if m.holdsSlot(stored.PatientID, target, id) {
		return nil, ErrDuplicateBooking
	}
	if m.activeAt(target, id) >= capacity {
		return nil, ErrSlotFull
	}

	stored.Date = target.Date
	stored.StartTime = target.StartTime
	stored.EndTime = end
	stored.Status = StatusRescheduled
	stored.VersionID++
	stored.UpdatedAt = time.Now().UTC()
	out := *stored
	return &out, nil
}

func (m *MemoryStore) Update(ctx context.Context, id uuid.UUID, mutate AppointmentGuard) (*Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyStoreError("update appointment", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	next := *stored
	if err := mutate(&next); err != nil {
		return nil, err
	}
	stored.Status = next.Status
	stored.Notes = next.Notes
	stored.VersionID++
	stored.UpdatedAt = time.Now().UTC()
	out := *stored
	return &out, nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := *a
	return &out, nil
}

func (m *MemoryStore) ActiveCounts(ctx context.Context, doctorID uuid.UUID, date Date) (map[ClockTime]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyStoreError("count appointments", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[ClockTime]int)
	for _, a := range m.appointments {
		if a.DoctorID == doctorID && a.Date == date && a.Status.Active() {
			counts[a.StartTime]++
		}
	}
	return counts, nil
}

func (m *MemoryStore) Search(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	m.mu.Lock()
	var matched []*Appointment
	for _, a := range m.appointments {
		if matchesFilter(a, f) {
			c := *a
			matched = append(matched, &c)
		}
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Date != b.Date {
			return a.Date.Before(b.Date)
		}
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	total := len(matched)
	if offset >= total {
		return []*Appointment{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return matched[offset:end], total, nil
}

func matchesFilter(a *Appointment, f AppointmentFilter) bool {
	if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
		return false
	}
	if f.PatientID != nil && a.PatientID != *f.PatientID {
		return false
	}
	if f.Status != nil && a.Status != *f.Status {
		return false
	}
	if f.From != nil && a.Date.Before(*f.From) {
		return false
	}
	if f.To != nil && f.To.Before(a.Date) {
		return false
	}
	return true
}

// holdsSlot and activeAt require m.mu.
func (m *MemoryStore) holdsSlot(patientID uuid.UUID, slot SlotKey, exclude uuid.UUID) bool {
	for id, a := range m.appointments {
		if id != exclude && a.PatientID == patientID && a.Slot() == slot && a.Status.Active() {
			return true
		}
	}
	return false
}

func (m *MemoryStore) activeAt(slot SlotKey, exclude uuid.UUID) int {
	n := 0
	for id, a := range m.appointments {
		if id != exclude && a.Slot() == slot && a.Status.Active() {
			n++
		}
	}
	return n
}
