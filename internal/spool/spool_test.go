package spool

import (
	"fmt"
	"sync"
	"testing"

	"pfb/internal/model"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	bs, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("badger open: %v", err)
	}
	t.Cleanup(func() { _ = bs.Close() })
	ps, err := NewPebbleStore(t.TempDir())
	if err != nil {
		t.Fatalf("pebble open: %v", err)
	}
	t.Cleanup(func() { _ = ps.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": bs,
		"pebble": ps,
	}
}

func stageOrder(t *testing.T, s Store, orderID, userID int64, number int) {
	t.Helper()
	applied, err := s.PutOrder(model.Order{OrderID: orderID, UserID: userID, OrderNumber: number})
	if err != nil {
		t.Fatalf("put order %d: %v", orderID, err)
	}
	if !applied {
		t.Fatalf("put order %d: unexpected duplicate", orderID)
	}
}

func TestStore_PutOrderDuplicates(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			stageOrder(t, s, 100, 1, 1)

			// same (user, number) under a new id
			applied, err := s.PutOrder(model.Order{OrderID: 101, UserID: 1, OrderNumber: 1})
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if applied {
				t.Fatalf("duplicate sequence slot should not apply")
			}

			// same order id under a new slot
			applied, err = s.PutOrder(model.Order{OrderID: 100, UserID: 1, OrderNumber: 2})
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if applied {
				t.Fatalf("duplicate order id should not apply")
			}

			// the ref still points at the first write
			r, ok, err := s.Ref(100)
			if err != nil || !ok {
				t.Fatalf("ref: ok=%v err=%v", ok, err)
			}
			if r.UserID != 1 || r.OrderNumber != 1 {
				t.Fatalf("ref changed by rejected write: %+v", r)
			}
		})
	}
}

func TestStore_RefMissing(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Ref(999)
			if err != nil {
				t.Fatalf("ref err: %v", err)
			}
			if ok {
				t.Fatalf("unknown order id should not resolve")
			}
		})
	}
}

func TestStore_PutLineDuplicate(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			stageOrder(t, s, 100, 1, 1)
			ref := Ref{UserID: 1, OrderNumber: 1}
			applied, err := s.PutLine(ref, model.OrderLine{OrderID: 100, ProductID: 7, AddToCartOrder: 1})
			if err != nil || !applied {
				t.Fatalf("first line: applied=%v err=%v", applied, err)
			}
			applied, err = s.PutLine(ref, model.OrderLine{OrderID: 100, ProductID: 7, AddToCartOrder: 2})
			if err != nil {
				t.Fatalf("second line: %v", err)
			}
			if applied {
				t.Fatalf("duplicate product in order should not apply")
			}
		})
	}
}

func TestStore_UsersAscending(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			// staged out of order on purpose
			stageOrder(t, s, 300, 30, 1)
			stageOrder(t, s, 101, 2, 1)
			stageOrder(t, s, 102, 2, 2)
			stageOrder(t, s, 200, 11, 1)

			var got []int64
			if err := s.Users(func(uid int64) error {
				got = append(got, uid)
				return nil
			}); err != nil {
				t.Fatalf("users: %v", err)
			}
			want := []int64{2, 11, 30}
			if fmt.Sprint(got) != fmt.Sprint(want) {
				t.Fatalf("users order: got %v want %v", got, want)
			}
		})
	}
}

func TestStore_HistoryOrdering(t *testing.T) {
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			// orders staged 3,1,2; lines staged with products out of order
			stageOrder(t, s, 103, 5, 3)
			stageOrder(t, s, 101, 5, 1)
			stageOrder(t, s, 102, 5, 2)
			stageOrder(t, s, 900, 9, 1) // another user, must not bleed in

			puts := []struct {
				number  int
				product int64
			}{
				{2, 50}, {1, 9}, {2, 3}, {3, 1},
			}
			for _, p := range puts {
				applied, err := s.PutLine(Ref{UserID: 5, OrderNumber: p.number}, model.OrderLine{OrderID: 100 + int64(p.number), ProductID: p.product, AddToCartOrder: 1})
				if err != nil || !applied {
					t.Fatalf("put line %+v: applied=%v err=%v", p, applied, err)
				}
			}

			h, err := s.History(5)
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if len(h.Orders) != 3 {
				t.Fatalf("orders: got %d want 3", len(h.Orders))
			}
			for i, o := range h.Orders {
				if o.OrderNumber != i+1 {
					t.Fatalf("orders out of sequence at %d: %+v", i, o)
				}
				if o.UserID != 5 {
					t.Fatalf("foreign order in history: %+v", o)
				}
			}
			wantLines := []struct {
				number  int
				product int64
			}{
				{1, 9}, {2, 3}, {2, 50}, {3, 1},
			}
			if len(h.Lines) != len(wantLines) {
				t.Fatalf("lines: got %d want %d", len(h.Lines), len(wantLines))
			}
			for i, l := range h.Lines {
				if l.OrderNumber != wantLines[i].number || l.ProductID != wantLines[i].product {
					t.Fatalf("line %d: got (%d,%d) want (%d,%d)", i, l.OrderNumber, l.ProductID, wantLines[i].number, wantLines[i].product)
				}
			}
		})
	}
}

func TestMemoryStore_ConcurrentReads(t *testing.T) {
	s := NewMemoryStore()
	for u := int64(1); u <= 8; u++ {
		stageOrder(t, s, 100+u, u, 1)
		if _, err := s.PutLine(Ref{UserID: u, OrderNumber: 1}, model.OrderLine{OrderID: 100 + u, ProductID: 1, AddToCartOrder: 1}); err != nil {
			t.Fatalf("put line: %v", err)
		}
	}
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for u := int64(1); u <= 8; u++ {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			h, err := s.History(uid)
			if err != nil {
				errs <- err
				return
			}
			if len(h.Orders) != 1 || len(h.Lines) != 1 {
				errs <- fmt.Errorf("user %d: got %d orders %d lines", uid, len(h.Orders), len(h.Lines))
			}
		}(u)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent history: %v", err)
	}
}
