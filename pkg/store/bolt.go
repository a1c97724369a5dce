package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cuemby/fate/pkg/fateerr"
	"github.com/cuemby/fate/pkg/fateid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTx   = []byte("fate_tx")
	bucketMeta = []byte("fate_meta")
	keyHWM     = []byte("hwm")
)

// persistedRow is the JSON-on-disk form of a row, mirroring the in-memory
// row but with exported fields for encoding/json.
type persistedRow struct {
	Status        Status
	Stack         []StepRecord
	OpTag         string
	Exception     *Exception
	ReturnValue   []byte
	Info          map[string]string
	Reservation   Reservation
	DeferDeadline time.Time
	AutoClean     bool
}

func (p *persistedRow) toTx(id fateid.ID) *Tx {
	return &Tx{
		ID:            id,
		Status:        p.Status,
		Stack:         p.Stack,
		OperationTag:  p.OpTag,
		Exception:     p.Exception,
		ReturnValue:   p.ReturnValue,
		Info:          p.Info,
		Reservation:   p.Reservation,
		DeferDeadline: p.DeferDeadline,
		AutoClean:     p.AutoClean,
	}
}

// BoltStore is the production Store implementation, backed by BoltDB: one
// bucket per row class, JSON-marshaled values, reservation CAS enforced
// inside a single bolt.Update transaction so a torn write is impossible.
type BoltStore struct {
	db        *bolt.DB
	pollEvery time.Duration
}

// NewBoltStore opens (creating if necessary) a BoltDB-backed Store rooted
// at dataDir/fate.db.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "fate.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fateerr.New(fateerr.KindBackend, "NewBoltStore", fmt.Errorf("open %s: %w", dbPath, err))
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTx); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fateerr.New(fateerr.KindBackend, "NewBoltStore", err)
	}

	return &BoltStore{db: db, pollEvery: 50 * time.Millisecond}, nil
}

func idKey(id fateid.ID) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Create() (fateid.ID, error) {
	var id fateid.ID
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		hwm := uint64(0)
		if raw := meta.Get(keyHWM); raw != nil {
			hwm = binary.BigEndian.Uint64(raw)
		}
		hwm++
		id = fateid.ID(hwm)

		next := make([]byte, 8)
		binary.BigEndian.PutUint64(next, hwm)
		if err := meta.Put(keyHWM, next); err != nil {
			return err
		}

		row := persistedRow{Status: StatusNew, Info: make(map[string]string)}
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTx).Put(idKey(id), data)
	})
	if err != nil {
		return 0, fateerr.New(fateerr.KindBackend, "Create", err)
	}
	return id, nil
}

func (s *BoltStore) getRow(tx *bolt.Tx, id fateid.ID) (*persistedRow, bool, error) {
	data := tx.Bucket(bucketTx).Get(idKey(id))
	if data == nil {
		return nil, false, nil
	}
	var row persistedRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, true, err
	}
	return &row, true, nil
}

func (s *BoltStore) putRow(tx *bolt.Tx, id fateid.ID, row *persistedRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketTx).Put(idKey(id), data)
}

func (s *BoltStore) Get(id fateid.ID) (*Tx, error) {
	var out *Tx
	err := s.db.View(func(tx *bolt.Tx) error {
		row, ok, err := s.getRow(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			out = &Tx{ID: id, Status: StatusUnknown}
			return nil
		}
		out = row.toTx(id)
		return nil
	})
	if err != nil {
		return nil, fateerr.New(fateerr.KindBackend, "Get", err)
	}
	return out, nil
}

func (s *BoltStore) List(filter Filter) ([]*Tx, error) {
	var out []*Tx
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTx)
		return b.ForEach(func(k, v []byte) error {
			var row persistedRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			id := fateid.ID(binary.BigEndian.Uint64(k))
			txView := row.toTx(id)
			if filter.Match(txView) {
				out = append(out, txView)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fateerr.New(fateerr.KindBackend, "List", err)
	}
	return out, nil
}

func (s *BoltStore) TryReserve(id fateid.ID, ownerLockID string) (ReservedTx, error) {
	var serial uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		row, ok, err := s.getRow(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fateerr.New(fateerr.KindNotFound, "TryReserve", fmt.Errorf("no such row: %s", id))
		}
		if row.Reservation.Held() && row.Reservation.OwnerLockID != ownerLockID {
			return ErrBusy
		}
		row.Reservation = Reservation{OwnerLockID: ownerLockID, Serial: row.Reservation.Serial + 1}
		serial = row.Reservation.Serial
		return s.putRow(tx, id, row)
	})
	if err != nil {
		if err == ErrBusy {
			return nil, ErrBusy
		}
		if _, ok := err.(*fateerr.Error); ok {
			return nil, err
		}
		return nil, fateerr.New(fateerr.KindBackend, "TryReserve", err)
	}
	return &boltReservedTx{store: s, id: id, lockID: ownerLockID, serial: serial}, nil
}

func (s *BoltStore) Reserve(ctx context.Context, id fateid.ID, ownerLockID string) (ReservedTx, error) {
	for {
		rt, err := s.TryReserve(id, ownerLockID)
		if err == nil {
			return rt, nil
		}
		if err == ErrBusy {
			select {
			case <-ctx.Done():
				return nil, fateerr.New(fateerr.KindInterrupted, "Reserve", ctx.Err())
			case <-time.After(s.pollEvery):
				continue
			}
		}
		return nil, err
	}
}

func (s *BoltStore) Runnable(keepWaiting func() bool, ignoreDeadlines func() bool) <-chan fateid.ID {
	ch := make(chan fateid.ID)
	go func() {
		defer close(ch)
		for {
			now := time.Now()
			ignore := ignoreDeadlines != nil && ignoreDeadlines()
			var ids []fateid.ID
			_ = s.db.View(func(tx *bolt.Tx) error {
				b := tx.Bucket(bucketTx)
				return b.ForEach(func(k, v []byte) error {
					var row persistedRow
					if err := json.Unmarshal(v, &row); err != nil {
						return err
					}
					if !row.Status.Runnable() {
						return nil
					}
					if !ignore && !row.DeferDeadline.IsZero() && row.DeferDeadline.After(now) {
						return nil
					}
					ids = append(ids, fateid.ID(binary.BigEndian.Uint64(k)))
					return nil
				})
			})

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

func (s *BoltStore) UnreserveOrphaned(liveLockIDs map[string]bool) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTx)
		return b.ForEach(func(k, v []byte) error {
			var row persistedRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.Reservation.Held() && !liveLockIDs[row.Reservation.OwnerLockID] {
				row.Reservation = Reservation{}
				data, err := json.Marshal(row)
				if err != nil {
					return err
				}
				return b.Put(k, data)
			}
			return nil
		})
	})
	if err != nil {
		return fateerr.New(fateerr.KindBackend, "UnreserveOrphaned", err)
	}
	return nil
}

// boltReservedTx is the mutating handle returned by (Try)Reserve. Every
// mutation re-checks the (owner, serial) pair inside its own bolt.Update
// transaction, so a reservation lost between calls is always detected.
type boltReservedTx struct {
	store    *BoltStore
	id       fateid.ID
	lockID   string
	serial   uint64
	released atomic.Bool
}

func (rt *boltReservedTx) mutate(op string, fn func(row *persistedRow) error) error {
	return rt.store.db.Update(func(tx *bolt.Tx) error {
		row, ok, err := rt.store.getRow(tx, rt.id)
		if err != nil {
			return fateerr.New(fateerr.KindBackend, op, err)
		}
		if !ok {
			return fateerr.New(fateerr.KindDeleted, op, fmt.Errorf("row deleted: %s", rt.id))
		}
		if row.Reservation.OwnerLockID != rt.lockID || row.Reservation.Serial != rt.serial {
			return fateerr.New(fateerr.KindLostReservation, op, fmt.Errorf("reservation lost on %s", rt.id))
		}
		if err := fn(row); err != nil {
			return err
		}
		return rt.store.putRow(tx, rt.id, row)
	})
}

func (rt *boltReservedTx) read(op string, fn func(row *persistedRow)) error {
	return rt.store.db.View(func(tx *bolt.Tx) error {
		row, ok, err := rt.store.getRow(tx, rt.id)
		if err != nil {
			return fateerr.New(fateerr.KindBackend, op, err)
		}
		if !ok {
			return fateerr.New(fateerr.KindDeleted, op, fmt.Errorf("row deleted: %s", rt.id))
		}
		if row.Reservation.OwnerLockID != rt.lockID || row.Reservation.Serial != rt.serial {
			return fateerr.New(fateerr.KindLostReservation, op, fmt.Errorf("reservation lost on %s", rt.id))
		}
		fn(row)
		return nil
	})
}

func (rt *boltReservedTx) GetID() fateid.ID { return rt.id }

func (rt *boltReservedTx) GetStatus() (Status, error) {
	var s Status
	err := rt.read("GetStatus", func(row *persistedRow) { s = row.Status })
	return s, err
}

func (rt *boltReservedTx) GetStack() ([]StepRecord, error) {
	var stack []StepRecord
	err := rt.read("GetStack", func(row *persistedRow) {
		stack = make([]StepRecord, len(row.Stack))
		copy(stack, row.Stack)
	})
	return stack, err
}

func (rt *boltReservedTx) GetInfo() (map[string]string, error) {
	var info map[string]string
	err := rt.read("GetInfo", func(row *persistedRow) {
		info = make(map[string]string, len(row.Info))
		for k, v := range row.Info {
			info[k] = v
		}
	})
	return info, err
}

func (rt *boltReservedTx) GetOperationTag() (string, error) {
	var tag string
	err := rt.read("GetOperationTag", func(row *persistedRow) { tag = row.OpTag })
	return tag, err
}

func (rt *boltReservedTx) Push(step StepRecord) error {
	return rt.mutate("Push", func(row *persistedRow) error {
		row.Stack = append(row.Stack, step)
		return nil
	})
}

func (rt *boltReservedTx) Pop() error {
	return rt.mutate("Pop", func(row *persistedRow) error {
		if len(row.Stack) == 0 {
			return fmt.Errorf("pop on empty stack")
		}
		row.Stack = row.Stack[:len(row.Stack)-1]
		return nil
	})
}

func (rt *boltReservedTx) SetStatus(s Status) error {
	return rt.mutate("SetStatus", func(row *persistedRow) error { row.Status = s; return nil })
}

func (rt *boltReservedTx) SetOperationTag(tag string) error {
	return rt.mutate("SetOperationTag", func(row *persistedRow) error { row.OpTag = tag; return nil })
}

func (rt *boltReservedTx) SetTransactionInfo(key, val string) error {
	return rt.mutate("SetTransactionInfo", func(row *persistedRow) error {
		if row.Info == nil {
			row.Info = make(map[string]string)
		}
		row.Info[key] = val
		return nil
	})
}

func (rt *boltReservedTx) SetReturnValue(v []byte) error {
	return rt.mutate("SetReturnValue", func(row *persistedRow) error { row.ReturnValue = v; return nil })
}

func (rt *boltReservedTx) SetException(exc *Exception) error {
	return rt.mutate("SetException", func(row *persistedRow) error { row.Exception = exc; return nil })
}

func (rt *boltReservedTx) Defer(deadline time.Time) error {
	return rt.mutate("Defer", func(row *persistedRow) error { row.DeferDeadline = deadline; return nil })
}

func (rt *boltReservedTx) Delete() error {
	err := rt.mutate("Delete", func(row *persistedRow) error { return nil })
	if err != nil {
		return err
	}
	return rt.store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTx).Delete(idKey(rt.id))
	})
}

// Release is safe to call concurrently and more than once: only the first
// caller (a worker's own defer, or Manager.OnLockLost releasing it out from
// under a stuck worker) performs the actual bolt update.
func (rt *boltReservedTx) Release() {
	if !rt.released.CompareAndSwap(false, true) {
		return
	}
	_ = rt.store.db.Update(func(tx *bolt.Tx) error {
		row, ok, err := rt.store.getRow(tx, rt.id)
		if err != nil || !ok {
			return nil
		}
		if row.Reservation.Serial == rt.serial {
			row.Reservation = Reservation{}
			return rt.store.putRow(tx, rt.id, row)
		}
		return nil
	})
}
