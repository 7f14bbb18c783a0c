// Package spool stages validated raw history between the ingest and build
// phases. Keys are zero-padded decimal so lexicographic iteration yields
// users in ascending id order and each user's orders and lines in sequence
// order.
package spool

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"pfb/internal/feature"
	"pfb/internal/model"
)

// Ref resolves an order id back to its position in the owning user's
// sequence. Lines arrive keyed by order id only; the ref gives them a home.
type Ref struct {
	UserID      int64 `json:"userId"`
	OrderNumber int   `json:"orderNumber"`
}

// Store abstracts the staging backend. Put operations return applied=false
// when the key already exists, leaving the stored value untouched; callers
// treat that as a duplicate. A single writer stages; readers may run
// concurrently once staging is done.
type Store interface {
	PutOrder(o model.Order) (applied bool, err error)
	PutLine(ref Ref, l model.OrderLine) (applied bool, err error)
	Ref(orderID int64) (Ref, bool, error)
	Users(fn func(userID int64) error) error
	History(userID int64) (feature.UserHistory, error)
}

func orderKey(userID int64, number int) string {
	return fmt.Sprintf("o/%012d/%06d", userID, number)
}

func refKey(orderID int64) string {
	return fmt.Sprintf("r/%012d", orderID)
}

func lineKey(userID int64, number int, productID int64) string {
	return fmt.Sprintf("l/%012d/%06d/%012d", userID, number, productID)
}

func userOrderPrefix(userID int64) string { return fmt.Sprintf("o/%012d/", userID) }
func userLinePrefix(userID int64) string  { return fmt.Sprintf("l/%012d/", userID) }

// prefixEnd is the exclusive upper bound for a key prefix ending in '/'.
func prefixEnd(prefix string) string { return prefix[:len(prefix)-1] + "0" }

func parseUserFromOrderKey(k string) (int64, error) {
	parts := strings.Split(k, "/")
	if len(parts) != 3 {
		return 0, fmt.Errorf("malformed order key %q", k)
	}
	return strconv.ParseInt(parts[1], 10, 64)
}

func parseNumberFromLineKey(k string) (int, error) {
	parts := strings.Split(k, "/")
	if len(parts) != 4 {
		return 0, fmt.Errorf("malformed line key %q", k)
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, err
	}
	return n, nil
}

// MemoryStore is a thread-safe map store for small runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]model.Order
	refs   map[int64]Ref
	lines  map[string]model.OrderLine
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]model.Order),
		refs:   make(map[int64]Ref),
		lines:  make(map[string]model.OrderLine),
	}
}

func (s *MemoryStore) PutOrder(o model.Order) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := orderKey(o.UserID, o.OrderNumber)
	if _, exists := s.orders[k]; exists {
		return false, nil
	}
	if _, exists := s.refs[o.OrderID]; exists {
		return false, nil
	}
	s.orders[k] = o
	s.refs[o.OrderID] = Ref{UserID: o.UserID, OrderNumber: o.OrderNumber}
	return true, nil
}

func (s *MemoryStore) PutLine(ref Ref, l model.OrderLine) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := lineKey(ref.UserID, ref.OrderNumber, l.ProductID)
	if _, exists := s.lines[k]; exists {
		return false, nil
	}
	s.lines[k] = l
	return true, nil
}

func (s *MemoryStore) Ref(orderID int64) (Ref, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.refs[orderID]
	return r, ok, nil
}

func (s *MemoryStore) Users(fn func(userID int64) error) error {
	s.mu.RLock()
	users := make(map[int64]struct{})
	for k := range s.orders {
		uid, err := parseUserFromOrderKey(k)
		if err != nil {
			s.mu.RUnlock()
			return err
		}
		users[uid] = struct{}{}
	}
	s.mu.RUnlock()
	ids := make([]int64, 0, len(users))
	for uid := range users {
		ids = append(ids, uid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, uid := range ids {
		if err := fn(uid); err != nil {
			return fmt.Errorf("users callback: %w", err)
		}
	}
	return nil
}

func (s *MemoryStore) History(userID int64) (feature.UserHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := feature.UserHistory{UserID: userID}

	var okeys []string
	op := userOrderPrefix(userID)
	for k := range s.orders {
		if strings.HasPrefix(k, op) {
			okeys = append(okeys, k)
		}
	}
	sort.Strings(okeys)
	for _, k := range okeys {
		h.Orders = append(h.Orders, s.orders[k])
	}

	var lkeys []string
	lp := userLinePrefix(userID)
	for k := range s.lines {
		if strings.HasPrefix(k, lp) {
			lkeys = append(lkeys, k)
		}
	}
	sort.Strings(lkeys)
	for _, k := range lkeys {
		n, err := parseNumberFromLineKey(k)
		if err != nil {
			return feature.UserHistory{}, err
		}
		h.Lines = append(h.Lines, feature.LineAt{OrderNumber: n, OrderLine: s.lines[k]})
	}
	return h, nil
}
