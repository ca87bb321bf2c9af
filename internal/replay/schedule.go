package replay

import "owg/server/internal/protocol"

// Schedule indexes replay commands by the tick they are injected before.
type Schedule struct {
	entries []Entry
	byTick  map[uint64][]protocol.Cmd
}

// NewSchedule builds a schedule from entries already sorted by tick.
func NewSchedule(entries []Entry) *Schedule {
	s := &Schedule{entries: append([]Entry(nil), entries...), byTick: make(map[uint64][]protocol.Cmd)}
	for _, entry := range s.entries {
		s.byTick[entry.Tick] = append(s.byTick[entry.Tick], entry.Cmd)
	}
	return s
}

// At returns the commands scheduled for tick in file order.
func (s *Schedule) At(tick uint64) []protocol.Cmd {
	if s == nil {
		return nil
	}
	cmds := s.byTick[tick]
	if len(cmds) == 0 {
		return nil
	}
	return append([]protocol.Cmd(nil), cmds...)
}

// Len reports the number of scheduled commands.
func (s *Schedule) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// LastTick is the highest scheduled tick, zero for an empty schedule.
func (s *Schedule) LastTick() uint64 {
	if s == nil || len(s.entries) == 0 {
		return 0
	}
	return s.entries[len(s.entries)-1].Tick
}

// Entries returns a copy of the sorted entries.
func (s *Schedule) Entries() []Entry {
	if s == nil {
		return nil
	}
	return append([]Entry(nil), s.entries...)
}
