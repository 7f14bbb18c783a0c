package spool

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble"

	"pfb/internal/feature"
	"pfb/internal/model"
)

// PebbleStore implements Store using PebbleDB. Staging has a single writer,
// so the check-then-set in putIfAbsent needs no cross-write coordination.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		// Tuned for bulk staging throughput
		MemTableSize:             256 << 20,
		MaxConcurrentCompactions: func() int { return 4 },
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    8,
		WALBytesPerSync:          1 << 20,
		DisableWAL:               false,
		WALMinSyncInterval:       func() time.Duration { return 0 },
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: d}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

func (p *PebbleStore) has(key string) (bool, error) {
	_, closer, err := p.db.Get([]byte(key))
	if err == nil {
		_ = closer.Close()
		return true, nil
	}
	if err != pebble.ErrNotFound {
		return false, err
	}
	return false, nil
}

func (p *PebbleStore) putIfAbsent(keys []string, vals []any) (bool, error) {
	for _, k := range keys {
		exists, err := p.has(k)
		if err != nil {
			return false, err
		}
		if exists {
			return false, nil
		}
	}
	wb := p.db.NewBatch()
	defer wb.Close()
	for i, k := range keys {
		bytes, err := json.Marshal(vals[i])
		if err != nil {
			return false, err
		}
		if err := wb.Set([]byte(k), bytes, nil); err != nil {
			return false, err
		}
	}
	if err := wb.Commit(pebble.NoSync); err != nil {
		return false, err
	}
	return true, nil
}

func (p *PebbleStore) PutOrder(o model.Order) (bool, error) {
	return p.putIfAbsent(
		[]string{orderKey(o.UserID, o.OrderNumber), refKey(o.OrderID)},
		[]any{o, Ref{UserID: o.UserID, OrderNumber: o.OrderNumber}},
	)
}

func (p *PebbleStore) PutLine(ref Ref, l model.OrderLine) (bool, error) {
	return p.putIfAbsent(
		[]string{lineKey(ref.UserID, ref.OrderNumber, l.ProductID)},
		[]any{l},
	)
}

func (p *PebbleStore) Ref(orderID int64) (Ref, bool, error) {
	v, closer, err := p.db.Get([]byte(refKey(orderID)))
	if err == pebble.ErrNotFound {
		return Ref{}, false, nil
	}
	if err != nil {
		return Ref{}, false, err
	}
	defer closer.Close()
	var r Ref
	if err := json.Unmarshal(v, &r); err != nil {
		return Ref{}, false, err
	}
	return r, true, nil
}

func (p *PebbleStore) iterPrefix(prefix string, fn func(key string, val []byte) error) error {
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefixEnd(prefix)),
	})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		k := append([]byte(nil), it.Key()...)
		v := append([]byte(nil), it.Value()...)
		if err := fn(string(k), v); err != nil {
			return err
		}
	}
	return it.Error()
}

func (p *PebbleStore) Users(fn func(userID int64) error) error {
	var last int64 = -1
	return p.iterPrefix("o/", func(key string, _ []byte) error {
		uid, err := parseUserFromOrderKey(key)
		if err != nil {
			return err
		}
		if uid == last {
			return nil
		}
		last = uid
		if err := fn(uid); err != nil {
			return fmt.Errorf("users callback: %w", err)
		}
		return nil
	})
}

func (p *PebbleStore) History(userID int64) (feature.UserHistory, error) {
	h := feature.UserHistory{UserID: userID}
	err := p.iterPrefix(userOrderPrefix(userID), func(_ string, val []byte) error {
		var o model.Order
		if err := json.Unmarshal(val, &o); err != nil {
			return err
		}
		h.Orders = append(h.Orders, o)
		return nil
	})
	if err != nil {
		return feature.UserHistory{}, err
	}
	err = p.iterPrefix(userLinePrefix(userID), func(key string, val []byte) error {
		n, err := parseNumberFromLineKey(key)
		if err != nil {
			return err
		}
		var l model.OrderLine
		if err := json.Unmarshal(val, &l); err != nil {
			return err
		}
		h.Lines = append(h.Lines, feature.LineAt{OrderNumber: n, OrderLine: l})
		return nil
	})
	if err != nil {
		return feature.UserHistory{}, err
	}
	return h, nil
}
