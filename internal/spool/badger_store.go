package spool

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"

	"pfb/internal/feature"
	"pfb/internal/model"
)

// BadgerStore implements Store using BadgerDB for runs that exceed memory.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Close() error { return b.db.Close() }

// putIfAbsent writes all pairs in one transaction unless any key exists.
func (b *BadgerStore) putIfAbsent(keys []string, vals []any) (bool, error) {
	applied := false
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			_, err := txn.Get([]byte(k))
			if err == nil {
				return nil
			}
			if err != badger.ErrKeyNotFound {
				return err
			}
		}
		for i, k := range keys {
			bytes, err := json.Marshal(vals[i])
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(k), bytes); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	return applied, err
}

func (b *BadgerStore) PutOrder(o model.Order) (bool, error) {
	return b.putIfAbsent(
		[]string{orderKey(o.UserID, o.OrderNumber), refKey(o.OrderID)},
		[]any{o, Ref{UserID: o.UserID, OrderNumber: o.OrderNumber}},
	)
}

func (b *BadgerStore) PutLine(ref Ref, l model.OrderLine) (bool, error) {
	return b.putIfAbsent(
		[]string{lineKey(ref.UserID, ref.OrderNumber, l.ProductID)},
		[]any{l},
	)
}

func (b *BadgerStore) Ref(orderID int64) (Ref, bool, error) {
	var r Ref
	err := b.db.View(func(txn *badger.Txn) error {
		item, e := txn.Get([]byte(refKey(orderID)))
		if e != nil {
			return e
		}
		v, e := item.ValueCopy(nil)
		if e != nil {
			return e
		}
		return json.Unmarshal(v, &r)
	})
	if err == badger.ErrKeyNotFound {
		return Ref{}, false, nil
	}
	if err != nil {
		return Ref{}, false, err
	}
	return r, true, nil
}

func (b *BadgerStore) Users(fn func(userID int64) error) error {
	prefix := []byte("o/")
	var last int64 = -1
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			uid, err := parseUserFromOrderKey(string(it.Item().KeyCopy(nil)))
			if err != nil {
				return err
			}
			if uid == last {
				continue
			}
			last = uid
			if err := fn(uid); err != nil {
				return fmt.Errorf("users callback: %w", err)
			}
		}
		return nil
	})
}

func (b *BadgerStore) History(userID int64) (feature.UserHistory, error) {
	h := feature.UserHistory{UserID: userID}
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		op := []byte(userOrderPrefix(userID))
		for it.Seek(op); it.ValidForPrefix(op); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var o model.Order
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			h.Orders = append(h.Orders, o)
		}

		lp := []byte(userLinePrefix(userID))
		for it.Seek(lp); it.ValidForPrefix(lp); it.Next() {
			n, err := parseNumberFromLineKey(string(it.Item().KeyCopy(nil)))
			if err != nil {
				return err
			}
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var l model.OrderLine
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			h.Lines = append(h.Lines, feature.LineAt{OrderNumber: n, OrderLine: l})
		}
		return nil
	})
	if err != nil {
		return feature.UserHistory{}, err
	}
	return h, nil
}
