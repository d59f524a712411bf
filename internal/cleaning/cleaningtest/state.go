// Package cleaningtest provides an in-memory cleaning repository for package tests.
package cleaningtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flourmill/flourmill/internal/cleaning"
	"github.com/flourmill/flourmill/internal/ledger"
)

// State is a copyable set of processes and events. *State implements
// cleaning.TxRepository, so repositories of other modules can clone it into
// their own unit of work.
type State struct {
	processes map[int64]cleaning.Process
	events    map[int64]cleaning.Event
	nextProc  int64
	nextEvent int64
}

// NewState returns an empty state.
func NewState() *State {
	return &State{processes: map[int64]cleaning.Process{}, events: map[int64]cleaning.Event{}}
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	out := &State{
		processes: make(map[int64]cleaning.Process, len(s.processes)),
		events:    make(map[int64]cleaning.Event, len(s.events)),
		nextProc:  s.nextProc,
		nextEvent: s.nextEvent,
	}
	for k, v := range s.processes {
		out.processes[k] = v
	}
	for k, v := range s.events {
		out.events[k] = v
	}
	return out
}

// Process returns a process, zero when missing.
func (s *State) Process(id int64) cleaning.Process {
	return s.processes[id]
}

// ProcessEvents returns the events of a process in due order.
func (s *State) ProcessEvents(processID int64) []cleaning.Event {
	var out []cleaning.Event
	for _, ev := range s.events {
		if ev.ProcessID == processID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DueAt.Before(out[j].DueAt)
	})
	return out
}

// ProcessesForOrder returns the processes of an order in start order.
func (s *State) ProcessesForOrder(orderID int64) []cleaning.Process {
	var out []cleaning.Process
	for _, p := range s.processes {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LatestProcess returns the newest process of class for an order.
func (s *State) LatestProcess(_ context.Context, orderID int64, class ledger.CleaningClass) (cleaning.Process, bool, error) {
	var (
		latest cleaning.Process
		found  bool
	)
	for _, p := range s.processes {
		if p.OrderID == orderID && p.Class == class && (!found || p.ID > latest.ID) {
			latest, found = p, true
		}
	}
	return latest, found, nil
}

// InsertProcess implements cleaning.TxRepository.
func (s *State) InsertProcess(_ context.Context, p cleaning.Process) (int64, error) {
	if _, busy, _ := s.RunningProcessForBin(context.Background(), p.BinID); busy && p.Status == cleaning.StatusRunning {
		return 0, fmt.Errorf("%w: cleaning_processes_one_running_per_bin", cleaning.ErrBinBusy)
	}
	s.nextProc++
	p.ID = s.nextProc
	s.processes[p.ID] = p
	return p.ID, nil
}

// LockProcess implements cleaning.TxRepository.
func (s *State) LockProcess(_ context.Context, id int64) (cleaning.Process, error) {
	p, ok := s.processes[id]
	if !ok {
		return cleaning.Process{}, fmt.Errorf("%w %d", cleaning.ErrProcessNotFound, id)
	}
	return p, nil
}

// RunningProcessForBin implements cleaning.TxRepository.
func (s *State) RunningProcessForBin(_ context.Context, binID int64) (cleaning.Process, bool, error) {
	for _, p := range s.processes {
		if p.BinID == binID && p.Status == cleaning.StatusRunning {
			return p, true, nil
		}
	}
	return cleaning.Process{}, false, nil
}

// UpdateProcess implements cleaning.TxRepository.
func (s *State) UpdateProcess(_ context.Context, p cleaning.Process) error {
	if _, ok := s.processes[p.ID]; !ok {
		return fmt.Errorf("%w %d", cleaning.ErrProcessNotFound, p.ID)
	}
	s.processes[p.ID] = p
	return nil
}

// InsertEvents implements cleaning.TxRepository. Duplicate marks are ignored.
func (s *State) InsertEvents(_ context.Context, events []cleaning.Event) error {
	for _, ev := range events {
		dup := false
		for _, existing := range s.events {
			if existing.ProcessID == ev.ProcessID && existing.Mark == ev.Mark {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		s.nextEvent++
		ev.ID = s.nextEvent
		s.events[ev.ID] = ev
	}
	return nil
}

// DeletePendingEvents implements cleaning.TxRepository.
func (s *State) DeletePendingEvents(_ context.Context, processID int64) (int, error) {
	n := 0
	for id, ev := range s.events {
		if ev.ProcessID == processID && ev.EmittedAt == nil {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

// Store is a mutex guarded State implementing cleaning.Repository.
type Store struct {
	mu    sync.Mutex
	state *State
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{state: NewState()}
}

// Swap exposes the committed state to fn and stores what fn returns. Other
// in-memory repositories use it to commit a cloned State.
func (s *Store) Swap(fn func(*State) (*State, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := fn(s.state)
	if err != nil {
		return err
	}
	s.state = next
	return nil
}

// View runs fn against the committed state.
func (s *Store) View(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

// WithTx implements cleaning.Repository.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, cleaning.TxRepository) error) error {
	return s.Swap(func(st *State) (*State, error) {
		work := st.Clone()
		if err := fn(ctx, work); err != nil {
			return nil, err
		}
		return work, nil
	})
}

// GetProcess implements cleaning.Repository.
func (s *Store) GetProcess(ctx context.Context, id int64) (cleaning.Process, error) {
	var (
		p   cleaning.Process
		err error
	)
	s.View(func(st *State) { p, err = st.LockProcess(ctx, id) })
	return p, err
}

// DueEvents implements cleaning.Repository.
func (s *Store) DueEvents(_ context.Context, now time.Time, limit int) ([]cleaning.DueEvent, error) {
	var out []cleaning.DueEvent
	s.View(func(st *State) {
		for _, ev := range st.events {
			p := st.processes[ev.ProcessID]
			if ev.EmittedAt != nil || ev.DueAt.After(now) || p.Status != cleaning.StatusRunning {
				continue
			}
			out = append(out, cleaning.DueEvent{Event: ev, OrderID: p.OrderID, BinID: p.BinID, Class: p.Class, EndTS: p.EndTS})
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DueAt.Before(out[j].DueAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkEmitted implements cleaning.Repository.
func (s *Store) MarkEmitted(_ context.Context, eventID int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.state.events[eventID]
	if !ok || ev.EmittedAt != nil {
		return false, nil
	}
	ev.EmittedAt = &at
	s.state.events[eventID] = ev
	return true, nil
}

// Overdue implements cleaning.Repository.
func (s *Store) Overdue(_ context.Context, now time.Time) ([]cleaning.Process, error) {
	var out []cleaning.Process
	s.View(func(st *State) {
		for _, p := range st.processes {
			if p.Status == cleaning.StatusRunning && p.EndTS.Before(now) {
				out = append(out, p)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].EndTS.Before(out[j].EndTS) })
	return out, nil
}

// Events implements cleaning.Repository.
func (s *Store) Events(_ context.Context, processID int64) ([]cleaning.Event, error) {
	var out []cleaning.Event
	s.View(func(st *State) { out = st.ProcessEvents(processID) })
	return out, nil
}

// ProcessesForOrder lists the processes of an order.
func (s *Store) ProcessesForOrder(_ context.Context, orderID int64) ([]cleaning.Process, error) {
	var out []cleaning.Process
	s.View(func(st *State) { out = st.ProcessesForOrder(orderID) })
	return out, nil
}
