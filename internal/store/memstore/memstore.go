// Package memstore is an in-memory store.UnitOfWork for single-node deployments and tests.
//
// Transactions are fully serialized: Begin takes the store mutex and keeps it until
// Commit or Rollback, and Rollback restores the snapshot taken at Begin. That gives the
// same all-or-nothing and per-row serialization guarantees the postgres store gets
// from row locks, at the cost of no parallelism between units of work.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"commerce-engine/internal/errs"
	"commerce-engine/internal/models"
	"commerce-engine/internal/store"
)

type data struct {
	seq          int64
	users        map[int64]models.User
	variants     map[int64]models.Variant
	carts        map[int64][]models.CartItem
	coupons      map[int64]models.Coupon
	couponUsages map[int64]models.CouponUsage
	orders       map[int64]models.Order
	payments     map[int64]models.Payment
	sessions     map[int64]models.PaymentSession
	reservations map[int64]models.StockReservation
	walletTxns   map[int64]models.WalletTransaction
	returns      map[int64]models.ReturnRequest
	exchanges    map[int64]models.ExchangeRequest
	events       map[string]models.ProcessedEvent
}

func newData() *data {
	return &data{
		users:        map[int64]models.User{},
		variants:     map[int64]models.Variant{},
		carts:        map[int64][]models.CartItem{},
		coupons:      map[int64]models.Coupon{},
		couponUsages: map[int64]models.CouponUsage{},
		orders:       map[int64]models.Order{},
		payments:     map[int64]models.Payment{},
		sessions:     map[int64]models.PaymentSession{},
		reservations: map[int64]models.StockReservation{},
		walletTxns:   map[int64]models.WalletTransaction{},
		returns:      map[int64]models.ReturnRequest{},
		exchanges:    map[int64]models.ExchangeRequest{},
		events:       map[string]models.ProcessedEvent{},
	}
}

func (d *data) clone() *data {
	c := newData()
	c.seq = d.seq
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.variants {
		c.variants[k] = v
	}
	for k, v := range d.carts {
		c.carts[k] = append([]models.CartItem(nil), v...)
	}
	for k, v := range d.coupons {
		c.coupons[k] = copyCoupon(v)
	}
	for k, v := range d.couponUsages {
		c.couponUsages[k] = v
	}
	for k, v := range d.orders {
		c.orders[k] = copyOrder(v)
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.sessions {
		c.sessions[k] = copySession(v)
	}
	for k, v := range d.reservations {
		c.reservations[k] = copyReservation(v)
	}
	for k, v := range d.walletTxns {
		c.walletTxns[k] = copyWalletTxn(v)
	}
	for k, v := range d.returns {
		c.returns[k] = copyReturn(v)
	}
	for k, v := range d.exchanges {
		c.exchanges[k] = copyExchange(v)
	}
	for k, v := range d.events {
		c.events[k] = v
	}
	return c
}

func (d *data) nextID() int64 {
	d.seq++
	return d.seq
}

// Store is the in-memory UnitOfWork.
type Store struct {
	mu   sync.Mutex
	data *data
	now  func() time.Time
}

var _ store.UnitOfWork = (*Store)(nil)

func New() *Store {
	return &Store{data: newData(), now: time.Now}
}

// SetClock replaces the clock used for created/updated timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &tx{s: s, d: s.data, snapshot: s.data.clone()}, nil
}

func (s *Store) Ping(context.Context) error { return nil }

type tx struct {
	s        *Store
	d        *data
	snapshot *data
	done     bool
}

var _ store.Tx = (*tx)(nil)

func (t *tx) Commit() error {
	if t.done {
		return errs.Conflict("transaction already finished")
	}
	t.done = true
	t.s.mu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.s.data = t.snapshot
	t.s.mu.Unlock()
	return nil
}

func (t *tx) now() time.Time { return t.s.now().UTC() }

func (t *tx) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	_, ok := t.d.events[eventID]
	return ok, nil
}

func (t *tx) MarkEventProcessed(_ context.Context, eventID, eventType string) error {
	if _, ok := t.d.events[eventID]; !ok {
		t.d.events[eventID] = models.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: t.now()}
	}
	return nil
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func copyInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyOrder(o models.Order) models.Order {
	o.Items = append([]models.OrderItem(nil), o.Items...)
	o.Payments = append(models.PaymentSnapshots(nil), o.Payments...)
	o.Meta.Annotations = append([]models.Annotation(nil), o.Meta.Annotations...)
	o.CouponID = copyInt64(o.CouponID)
	if o.Coupon != nil {
		c := *o.Coupon
		o.Coupon = &c
	}
	return o
}

func copyCoupon(c models.Coupon) models.Coupon {
	c.ProductIDs = append([]int64(nil), c.ProductIDs...)
	c.CategoryIDs = append([]int64(nil), c.CategoryIDs...)
	c.StartsAt = copyTime(c.StartsAt)
	c.ExpiresAt = copyTime(c.ExpiresAt)
	return c
}

func copySession(s models.PaymentSession) models.PaymentSession {
	s.PaymentID = copyInt64(s.PaymentID)
	return s
}

func copyReservation(r models.StockReservation) models.StockReservation {
	r.Items = append(models.ReservedItems(nil), r.Items...)
	r.OrderID = copyInt64(r.OrderID)
	r.ExchangeID = copyInt64(r.ExchangeID)
	r.PaymentID = copyInt64(r.PaymentID)
	return r
}

func copyWalletTxn(w models.WalletTransaction) models.WalletTransaction {
	w.HoldID = copyInt64(w.HoldID)
	return w
}

func copyReturn(r models.ReturnRequest) models.ReturnRequest {
	r.History = append(models.StatusHistory(nil), r.History...)
	return r
}

func copyExchange(e models.ExchangeRequest) models.ExchangeRequest {
	e.History = append(models.StatusHistory(nil), e.History...)
	e.ReservationID = copyInt64(e.ReservationID)
	e.WalletHoldID = copyInt64(e.WalletHoldID)
	e.CreditTxnID = copyInt64(e.CreditTxnID)
	e.NewOrderID = copyInt64(e.NewOrderID)
	return e
}
