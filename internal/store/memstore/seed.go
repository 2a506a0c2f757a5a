package memstore

import (
	"commerce-engine/internal/models"
)

// Seeding and inspection helpers. They take the store mutex, so never call them
// from inside an open transaction.

func (s *Store) AddUser(u models.User) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		u.ID = s.data.nextID()
	}
	u.UpdatedAt = s.now().UTC()
	s.data.users[u.ID] = u
	return u
}

func (s *Store) AddVariant(v models.Variant) models.Variant {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == 0 {
		v.ID = s.data.nextID()
	}
	v.UpdatedAt = s.now().UTC()
	s.data.variants[v.ID] = v
	return v
}

func (s *Store) AddCoupon(c models.Coupon) models.Coupon {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.data.nextID()
	}
	s.data.coupons[c.ID] = copyCoupon(c)
	return c
}

func (s *Store) AddCartItem(item models.CartItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.carts[item.UserID] = append(s.data.carts[item.UserID], item)
}

func (s *Store) User(id int64) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.users[id]
}

func (s *Store) Variant(id int64) models.Variant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.variants[id]
}

func (s *Store) Coupon(id int64) models.Coupon {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCoupon(s.data.coupons[id])
}

func (s *Store) Cart(userID int64) []models.CartItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.CartItem(nil), s.data.carts[userID]...)
}

func (s *Store) Order(id int64) models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyOrder(s.data.orders[id])
}

func (s *Store) Orders() []models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, id := range sortedKeys(s.data.orders) {
		out = append(out, copyOrder(s.data.orders[id]))
	}
	return out
}

func (s *Store) Payments(orderID int64) []models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Payment
	for _, id := range sortedKeys(s.data.payments) {
		if p := s.data.payments[id]; p.OrderID == orderID {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) Sessions(orderID int64) []models.PaymentSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PaymentSession
	for _, id := range sortedKeys(s.data.sessions) {
		if ps := s.data.sessions[id]; ps.OrderID == orderID {
			out = append(out, copySession(ps))
		}
	}
	return out
}

func (s *Store) Reservations() []models.StockReservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.StockReservation
	for _, id := range sortedKeys(s.data.reservations) {
		out = append(out, copyReservation(s.data.reservations[id]))
	}
	return out
}

func (s *Store) CouponUsages(couponID int64) []models.CouponUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CouponUsage
	for _, id := range sortedKeys(s.data.couponUsages) {
		if u := s.data.couponUsages[id]; u.CouponID == couponID {
			out = append(out, u)
		}
	}
	return out
}

func (s *Store) WalletTxns(userID int64) []models.WalletTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WalletTransaction
	for _, id := range sortedKeys(s.data.walletTxns) {
		if w := s.data.walletTxns[id]; w.UserID == userID {
			out = append(out, copyWalletTxn(w))
		}
	}
	return out
}

func (s *Store) Return(id int64) models.ReturnRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyReturn(s.data.returns[id])
}

func (s *Store) Exchange(id int64) models.ExchangeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyExchange(s.data.exchanges[id])
}
