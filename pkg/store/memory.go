package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/fate/pkg/fateerr"
	"github.com/cuemby/fate/pkg/fateid"
)

// row is the internal mutable representation of a persisted transaction.
type row struct {
	status        Status
	stack         []StepRecord
	opTag         string
	exception     *Exception
	returnValue   []byte
	info          map[string]string
	reservation   Reservation
	deferDeadline time.Time
	autoClean     bool
}

func (r *row) snapshot(id fateid.ID) *Tx {
	stack := make([]StepRecord, len(r.stack))
	copy(stack, r.stack)
	info := make(map[string]string, len(r.info))
	for k, v := range r.info {
		info[k] = v
	}
	var exc *Exception
	if r.exception != nil {
		e := *r.exception
		exc = &e
	}
	return &Tx{
		ID:            id,
		Status:        r.status,
		Stack:         stack,
		OperationTag:  r.opTag,
		Exception:     exc,
		ReturnValue:   r.returnValue,
		Info:          info,
		Reservation:   r.reservation,
		DeferDeadline: r.deferDeadline,
		AutoClean:     r.autoClean,
	}
}

// MemoryStore is an in-process, mutex-guarded Store implementation used in
// unit tests where spinning up BoltDB per test would be wasteful. It
// implements the exact same reservation/CAS semantics as BoltStore.
type MemoryStore struct {
	mu        sync.Mutex
	rows      map[fateid.ID]*row
	generator *fateid.Generator
	pollEvery time.Duration
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:      make(map[fateid.ID]*row),
		generator: fateid.NewGenerator(0),
		pollEvery: 10 * time.Millisecond,
	}
}

func (s *MemoryStore) Create() (fateid.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.generator.Next()
	s.rows[id] = &row{
		status: StatusNew,
		info:   make(map[string]string),
	}
	return id, nil
}

func (s *MemoryStore) Get(id fateid.ID) (*Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return &Tx{ID: id, Status: StatusUnknown}, nil
	}
	return r.snapshot(id), nil
}

func (s *MemoryStore) List(filter Filter) ([]*Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Tx
	for id, r := range s.rows {
		tx := r.snapshot(id)
		if filter.Match(tx) {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *MemoryStore) TryReserve(id fateid.ID, ownerLockID string) (ReservedTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return nil, fateerr.New(fateerr.KindNotFound, "TryReserve", fmt.Errorf("no such row: %s", id))
	}
	if r.reservation.Held() && r.reservation.OwnerLockID != ownerLockID {
		return nil, ErrBusy
	}
	r.reservation = Reservation{OwnerLockID: ownerLockID, Serial: r.reservation.Serial + 1}
	return &memoryReservedTx{store: s, id: id, lockID: ownerLockID, serial: r.reservation.Serial}, nil
}

func (s *MemoryStore) Reserve(ctx context.Context, id fateid.ID, ownerLockID string) (ReservedTx, error) {
	for {
		rt, err := s.TryReserve(id, ownerLockID)
		if err == nil {
			return rt, nil
		}
		if fateerr.KindOf(err) == fateerr.KindNotFound {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fateerr.New(fateerr.KindInterrupted, "Reserve", ctx.Err())
		case <-time.After(s.pollEvery):
		}
	}
}

func (s *MemoryStore) Runnable(keepWaiting func() bool, ignoreDeadlines func() bool) <-chan fateid.ID {
	ch := make(chan fateid.ID)
	go func() {
		defer close(ch)
		for {
			now := time.Now()
			ignore := ignoreDeadlines != nil && ignoreDeadlines()
			s.mu.Lock()
			var ids []fateid.ID
			for id, r := range s.rows {
				if !r.status.Runnable() {
					continue
				}
				if !ignore && !r.deferDeadline.IsZero() && r.deferDeadline.After(now) {
					continue
				}
				ids = append(ids, id)
			}
			s.mu.Unlock()

			for _, id := range ids {
				ch <- id
			}

			if !keepWaiting() {
				return
			}
			time.Sleep(s.pollEvery)
		}
	}()
	return ch
}

func (s *MemoryStore) UnreserveOrphaned(liveLockIDs map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rows {
		if r.reservation.Held() && !liveLockIDs[r.reservation.OwnerLockID] {
			r.reservation = Reservation{}
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// memoryReservedTx is the mutating handle returned by (Try)Reserve.
type memoryReservedTx struct {
	store    *MemoryStore
	id       fateid.ID
	lockID   string
	serial   uint64
	released atomic.Bool
}

func (rt *memoryReservedTx) withRow(op string, fn func(r *row) error) error {
	rt.store.mu.Lock()
	defer rt.store.mu.Unlock()

	r, ok := rt.store.rows[rt.id]
	if !ok {
		return fateerr.New(fateerr.KindDeleted, op, fmt.Errorf("row deleted: %s", rt.id))
	}
	if r.reservation.OwnerLockID != rt.lockID || r.reservation.Serial != rt.serial {
		return fateerr.New(fateerr.KindLostReservation, op, fmt.Errorf("reservation lost on %s", rt.id))
	}
	return fn(r)
}

func (rt *memoryReservedTx) GetID() fateid.ID { return rt.id }

func (rt *memoryReservedTx) GetStatus() (Status, error) {
	var s Status
	err := rt.withRow("GetStatus", func(r *row) error { s = r.status; return nil })
	return s, err
}

func (rt *memoryReservedTx) GetStack() ([]StepRecord, error) {
	var stack []StepRecord
	err := rt.withRow("GetStack", func(r *row) error {
		stack = make([]StepRecord, len(r.stack))
		copy(stack, r.stack)
		return nil
	})
	return stack, err
}

func (rt *memoryReservedTx) GetInfo() (map[string]string, error) {
	var info map[string]string
	err := rt.withRow("GetInfo", func(r *row) error {
		info = make(map[string]string, len(r.info))
		for k, v := range r.info {
			info[k] = v
		}
		return nil
	})
	return info, err
}

func (rt *memoryReservedTx) GetOperationTag() (string, error) {
	var tag string
	err := rt.withRow("GetOperationTag", func(r *row) error { tag = r.opTag; return nil })
	return tag, err
}

func (rt *memoryReservedTx) Push(step StepRecord) error {
	return rt.withRow("Push", func(r *row) error {
		r.stack = append(r.stack, step)
		return nil
	})
}

func (rt *memoryReservedTx) Pop() error {
	return rt.withRow("Pop", func(r *row) error {
		if len(r.stack) == 0 {
			return fmt.Errorf("pop on empty stack")
		}
		r.stack = r.stack[:len(r.stack)-1]
		return nil
	})
}

func (rt *memoryReservedTx) SetStatus(s Status) error {
	return rt.withRow("SetStatus", func(r *row) error { r.status = s; return nil })
}

func (rt *memoryReservedTx) SetOperationTag(tag string) error {
	return rt.withRow("SetOperationTag", func(r *row) error { r.opTag = tag; return nil })
}

func (rt *memoryReservedTx) SetTransactionInfo(key, val string) error {
	return rt.withRow("SetTransactionInfo", func(r *row) error {
		if r.info == nil {
			r.info = make(map[string]string)
		}
		r.info[key] = val
		return nil
	})
}

func (rt *memoryReservedTx) SetReturnValue(v []byte) error {
	return rt.withRow("SetReturnValue", func(r *row) error { r.returnValue = v; return nil })
}

func (rt *memoryReservedTx) SetException(exc *Exception) error {
	return rt.withRow("SetException", func(r *row) error { r.exception = exc; return nil })
}

func (rt *memoryReservedTx) Defer(deadline time.Time) error {
	return rt.withRow("Defer", func(r *row) error { r.deferDeadline = deadline; return nil })
}

func (rt *memoryReservedTx) Delete() error {
	return rt.withRow("Delete", func(r *row) error {
		delete(rt.store.rows, rt.id)
		return nil
	})
}

// Release is safe to call concurrently and more than once: only the first
// caller (a worker's own defer, or Manager.OnLockLost releasing it out from
// under a stuck worker) performs the actual row update.
func (rt *memoryReservedTx) Release() {
	if !rt.released.CompareAndSwap(false, true) {
		return
	}
	rt.store.mu.Lock()
	defer rt.store.mu.Unlock()
	if r, ok := rt.store.rows[rt.id]; ok && r.reservation.Serial == rt.serial {
		r.reservation = Reservation{}
	}
}
