package scheduling

import (
	"sort"
)

const (
	MinSlotDuration     = 5
	MaxSlotDuration     = 120
	DefaultSlotDuration = 30
)

var (
	DefaultWorkingHours = Window{Start: 9 * 60, End: 17 * 60}
	DefaultBreak        = Window{Start: 13 * 60, End: 14 * 60}
)

// GenerateSlots cuts the working window into consecutive slots of the given
// duration. A candidate that touches the break is discarded and the cursor
// resumes at the end of the break; a trailing slot that would overrun the
// window is dropped. An empty break removes nothing.
func GenerateSlots(hours Window, duration int, brk Window) ([]TimeSlot, error) {
	if hours.End <= hours.Start {
		return nil, validationError("working hours end %s must be after start %s", hours.End, hours.Start)
	}
	if err := validateDuration(duration); err != nil {
		return nil, err
	}
	if brk.End < brk.Start {
		return nil, validationError("break end %s must not be before break start %s", brk.End, brk.Start)
	}

	slots := make([]TimeSlot, 0, int(hours.End-hours.Start)/duration)
	cursor := hours.Start
	for cursor.Add(duration) <= hours.End {
		end := cursor.Add(duration)
		if !brk.Empty() && brk.Overlaps(cursor, end) {
			cursor = brk.End
			continue
		}
		slots = append(slots, TimeSlot{StartTime: cursor, EndTime: end, IsAvailable: true})
		cursor = end
	}
	return slots, nil
}

func validateDuration(duration int) error {
	if duration < MinSlotDuration || duration > MaxSlotDuration {
		return validationError("slot duration must be between %d and %d minutes, got %d", MinSlotDuration, MaxSlotDuration, duration)
	}
	return nil
}

// normalizeSlots sorts explicitly supplied slots and checks them against the
// template: each lasts exactly duration minutes, none overlap, none touch the break.
func normalizeSlots(day Day, slots []TimeSlot, duration int, brk Window) ([]TimeSlot, error) {
	out := make([]TimeSlot, len(slots))
	copy(out, slots)
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })

	for i, s := range out {
		if s.StartTime < 0 || s.EndTime > minutesPerDay {
			return nil, newError(KindValidation, CodeInvalidTime, "slot time out of range on "+day.String())
		}
		if s.EndTime <= s.StartTime {
			return nil, validationError("%s slot %s-%s ends before it starts", day, s.StartTime, s.EndTime)
		}
		if int(s.EndTime-s.StartTime) != duration {
			return nil, validationError("%s slot %s-%s does not last %d minutes", day, s.StartTime, s.EndTime, duration)
		}
		if !brk.Empty() && brk.Overlaps(s.StartTime, s.EndTime) {
			return nil, validationError("%s slot %s-%s falls within the break", day, s.StartTime, s.EndTime)
		}
		if i > 0 && out[i-1].EndTime > s.StartTime {
			return nil, validationError("%s slots %s and %s overlap", day, out[i-1].StartTime, s.StartTime)
		}
	}
	return out, nil
}
