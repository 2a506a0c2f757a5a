package memstore

import (
	"context"
	"time"

	"commerce-engine/internal/errs"
	"commerce-engine/internal/models"
	"commerce-engine/internal/store"
)

func (t *tx) GetVariant(_ context.Context, id int64) (*models.Variant, error) {
	v, ok := t.d.variants[id]
	if !ok {
		return nil, errs.NotFound("variant", id)
	}
	return &v, nil
}

func (t *tx) DecrementStock(_ context.Context, variantID int64, qty int) (bool, error) {
	v, ok := t.d.variants[variantID]
	if !ok || v.Stock < qty {
		return false, nil
	}
	v.Stock -= qty
	v.UpdatedAt = t.now()
	t.d.variants[variantID] = v
	return true, nil
}

func (t *tx) IncrementStock(_ context.Context, variantID int64, qty int) error {
	v, ok := t.d.variants[variantID]
	if !ok {
		return errs.NotFound("variant", variantID)
	}
	v.Stock += qty
	v.UpdatedAt = t.now()
	t.d.variants[variantID] = v
	return nil
}

func (t *tx) GetCart(_ context.Context, userID int64) ([]models.CartItem, error) {
	return append([]models.CartItem(nil), t.d.carts[userID]...), nil
}

func (t *tx) ClearCart(_ context.Context, userID int64) error {
	delete(t.d.carts, userID)
	return nil
}

func (t *tx) GetCouponByCode(_ context.Context, code string) (*models.Coupon, error) {
	for _, id := range sortedKeys(t.d.coupons) {
		if c := t.d.coupons[id]; c.Code == code {
			c = copyCoupon(c)
			return &c, nil
		}
	}
	return nil, errs.NotFound("coupon", code)
}

func (t *tx) GetCoupon(_ context.Context, id int64) (*models.Coupon, error) {
	c, ok := t.d.coupons[id]
	if !ok {
		return nil, errs.NotFound("coupon", id)
	}
	c = copyCoupon(c)
	return &c, nil
}

func (t *tx) IncrementCouponUses(_ context.Context, couponID int64) (bool, error) {
	c, ok := t.d.coupons[couponID]
	if !ok || (c.MaxUses > 0 && c.UsesCount >= c.MaxUses) {
		return false, nil
	}
	c.UsesCount++
	t.d.coupons[couponID] = c
	return true, nil
}

func (t *tx) DecrementCouponUses(_ context.Context, couponID int64) (bool, error) {
	c, ok := t.d.coupons[couponID]
	if !ok || c.UsesCount <= 0 {
		return false, nil
	}
	c.UsesCount--
	t.d.coupons[couponID] = c
	return true, nil
}

func (t *tx) CreateCouponUsage(_ context.Context, usage *models.CouponUsage) error {
	for _, u := range t.d.couponUsages {
		if u.OrderID == usage.OrderID && isLiveUsage(u.Status) && isLiveUsage(usage.Status) {
			return store.ErrDuplicate
		}
	}
	usage.ID = t.d.nextID()
	usage.CreatedAt = t.now()
	usage.UpdatedAt = usage.CreatedAt
	t.d.couponUsages[usage.ID] = *usage
	return nil
}

func isLiveUsage(s models.CouponUsageStatus) bool {
	return s == models.CouponUsageActive || s == models.CouponUsageConsumed
}

func (t *tx) GetLiveCouponUsage(_ context.Context, orderID int64) (*models.CouponUsage, error) {
	for _, id := range sortedKeys(t.d.couponUsages) {
		if u := t.d.couponUsages[id]; u.OrderID == orderID && isLiveUsage(u.Status) {
			return &u, nil
		}
	}
	return nil, nil
}

func (t *tx) SetCouponUsageStatus(_ context.Context, usageID int64, from []models.CouponUsageStatus, to models.CouponUsageStatus) (bool, error) {
	u, ok := t.d.couponUsages[usageID]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if u.Status == f {
			u.Status = to
			u.UpdatedAt = t.now()
			t.d.couponUsages[usageID] = u
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) CountLiveCouponUsages(_ context.Context, couponID, userID int64) (int, error) {
	n := 0
	for _, u := range t.d.couponUsages {
		if u.CouponID == couponID && u.UserID == userID && isLiveUsage(u.Status) {
			n++
		}
	}
	return n, nil
}

func (t *tx) GetUser(_ context.Context, id int64) (*models.User, error) {
	u, ok := t.d.users[id]
	if !ok {
		return nil, errs.NotFound("user", id)
	}
	return &u, nil
}

// LockUser is a plain read: transactions are already serialized.
func (t *tx) LockUser(ctx context.Context, id int64) (*models.User, error) {
	return t.GetUser(ctx, id)
}

func (t *tx) DebitWallet(_ context.Context, userID, amount int64) (int64, bool, error) {
	u, ok := t.d.users[userID]
	if !ok || u.WalletBalance < amount {
		return 0, false, nil
	}
	u.WalletBalance -= amount
	u.UpdatedAt = t.now()
	t.d.users[userID] = u
	return u.WalletBalance, true, nil
}

func (t *tx) CreditWallet(_ context.Context, userID, amount int64) (int64, error) {
	u, ok := t.d.users[userID]
	if !ok {
		return 0, errs.NotFound("user", userID)
	}
	u.WalletBalance += amount
	u.UpdatedAt = t.now()
	t.d.users[userID] = u
	return u.WalletBalance, nil
}

func (t *tx) CreateWalletTxn(_ context.Context, txn *models.WalletTransaction) error {
	txn.ID = t.d.nextID()
	txn.CreatedAt = t.now()
	txn.UpdatedAt = txn.CreatedAt
	t.d.walletTxns[txn.ID] = copyWalletTxn(*txn)
	return nil
}

func (t *tx) GetWalletTxn(_ context.Context, id int64) (*models.WalletTransaction, error) {
	w, ok := t.d.walletTxns[id]
	if !ok {
		return nil, errs.NotFound("wallet transaction", id)
	}
	w = copyWalletTxn(w)
	return &w, nil
}

func (t *tx) SetWalletTxnStatus(_ context.Context, id int64, from, to models.WalletTxnStatus) (bool, error) {
	w, ok := t.d.walletTxns[id]
	if !ok || w.Status != from {
		return false, nil
	}
	w.Status = to
	w.UpdatedAt = t.now()
	t.d.walletTxns[id] = w
	return true, nil
}

func (t *tx) ListWalletTxns(_ context.Context, userID int64, limit, offset int) ([]models.WalletTransaction, error) {
	keys := sortedKeys(t.d.walletTxns)
	var out []models.WalletTransaction
	for i := len(keys) - 1; i >= 0; i-- {
		w := t.d.walletTxns[keys[i]]
		if w.UserID != userID {
			continue
		}
		if offset > 0 {
			offset--
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, copyWalletTxn(w))
	}
	return out, nil
}

func (t *tx) ListStaleHolds(_ context.Context, before time.Time, limit int) ([]models.WalletTransaction, error) {
	var out []models.WalletTransaction
	for _, id := range sortedKeys(t.d.walletTxns) {
		w := t.d.walletTxns[id]
		if w.Status == models.WalletTxnPending && w.Type == models.WalletTxnDebit && w.CreatedAt.Before(before) {
			out = append(out, copyWalletTxn(w))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (t *tx) CreateOrder(_ context.Context, order *models.Order) error {
	if order.IdempotencyKey != "" {
		for _, o := range t.d.orders {
			if o.UserID == order.UserID && o.IdempotencyKey == order.IdempotencyKey {
				return store.ErrDuplicate
			}
		}
	}
	order.ID = t.d.nextID()
	order.CreatedAt = t.now()
	order.UpdatedAt = order.CreatedAt
	for i := range order.Items {
		order.Items[i].ID = t.d.nextID()
		order.Items[i].OrderID = order.ID
	}
	t.d.orders[order.ID] = copyOrder(*order)
	return nil
}

func (t *tx) GetOrder(_ context.Context, id int64) (*models.Order, error) {
	o, ok := t.d.orders[id]
	if !ok {
		return nil, errs.NotFound("order", id)
	}
	o = copyOrder(o)
	return &o, nil
}

func (t *tx) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	return t.GetOrder(ctx, id)
}

func (t *tx) GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error) {
	for _, id := range sortedKeys(t.d.orders) {
		if o := t.d.orders[id]; o.UserID == userID && o.IdempotencyKey == key {
			return t.GetOrder(ctx, id)
		}
	}
	return nil, nil
}

// UpdateOrder writes the order row. Items are written through UpdateOrderItem, as in postgres.
func (t *tx) UpdateOrder(_ context.Context, order *models.Order) error {
	cur, ok := t.d.orders[order.ID]
	if !ok {
		return errs.NotFound("order", order.ID)
	}
	next := copyOrder(*order)
	next.Items = cur.Items
	next.UpdatedAt = t.now()
	order.UpdatedAt = next.UpdatedAt
	t.d.orders[order.ID] = next
	return nil
}

func (t *tx) findItem(itemID int64) (models.Order, int, bool) {
	for _, o := range t.d.orders {
		for i := range o.Items {
			if o.Items[i].ID == itemID {
				return o, i, true
			}
		}
	}
	return models.Order{}, 0, false
}

func (t *tx) UpdateOrderItem(_ context.Context, item *models.OrderItem) error {
	o, i, ok := t.findItem(item.ID)
	if !ok {
		return errs.NotFound("order item", item.ID)
	}
	o = copyOrder(o)
	cur := &o.Items[i]
	cur.ProductID = item.ProductID
	cur.CategoryID = item.CategoryID
	cur.UnitPrice = item.UnitPrice
	cur.LineTotal = item.LineTotal
	cur.ItemDiscount = item.ItemDiscount
	cur.PriceAfterDiscount = item.PriceAfterDiscount
	t.d.orders[o.ID] = o
	return nil
}

func (t *tx) AddReturnedQuantity(_ context.Context, itemID int64, qty int) (bool, error) {
	o, i, ok := t.findItem(itemID)
	if !ok {
		return false, nil
	}
	next := o.Items[i].ReturnedQuantity + qty
	if next < 0 || next > o.Items[i].Quantity {
		return false, nil
	}
	o = copyOrder(o)
	o.Items[i].ReturnedQuantity = next
	t.d.orders[o.ID] = o
	return true, nil
}

func (t *tx) ListStalePendingOrders(_ context.Context, before time.Time, limit int) ([]int64, error) {
	var ids []int64
	for _, id := range sortedKeys(t.d.orders) {
		o := t.d.orders[id]
		if o.Status != models.OrderStatusPending || !o.CreatedAt.Before(before) || t.hasActiveSession(id) {
			continue
		}
		ids = append(ids, id)
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func (t *tx) hasActiveSession(orderID int64) bool {
	for _, s := range t.d.sessions {
		if s.OrderID == orderID && s.Status == models.SessionStatusActive {
			return true
		}
	}
	return false
}

func (t *tx) CreatePayment(_ context.Context, p *models.Payment) error {
	p.ID = t.d.nextID()
	p.CreatedAt = t.now()
	p.UpdatedAt = p.CreatedAt
	t.d.payments[p.ID] = *p
	return nil
}

func (t *tx) GetPayment(_ context.Context, id int64) (*models.Payment, error) {
	p, ok := t.d.payments[id]
	if !ok {
		return nil, errs.NotFound("payment", id)
	}
	return &p, nil
}

func (t *tx) ListPaymentsByOrder(_ context.Context, orderID int64) ([]models.Payment, error) {
	var out []models.Payment
	for _, id := range sortedKeys(t.d.payments) {
		if p := t.d.payments[id]; p.OrderID == orderID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *tx) UpdatePayment(_ context.Context, p *models.Payment) error {
	cur, ok := t.d.payments[p.ID]
	if !ok {
		return errs.NotFound("payment", p.ID)
	}
	cur.Status = p.Status
	cur.RefundedAmount = p.RefundedAmount
	cur.GatewayOrderID = p.GatewayOrderID
	cur.GatewayPaymentID = p.GatewayPaymentID
	cur.UpdatedAt = t.now()
	p.UpdatedAt = cur.UpdatedAt
	t.d.payments[p.ID] = cur
	return nil
}

func (t *tx) CreateSession(_ context.Context, s *models.PaymentSession) error {
	if s.Status == models.SessionStatusActive && t.hasActiveSession(s.OrderID) {
		return store.ErrDuplicate
	}
	for _, cur := range t.d.sessions {
		if cur.SessionID == s.SessionID {
			return store.ErrDuplicate
		}
	}
	s.ID = t.d.nextID()
	s.CreatedAt = t.now()
	s.UpdatedAt = s.CreatedAt
	t.d.sessions[s.ID] = copySession(*s)
	return nil
}

func (t *tx) findSession(match func(models.PaymentSession) bool) *models.PaymentSession {
	keys := sortedKeys(t.d.sessions)
	for i := len(keys) - 1; i >= 0; i-- {
		if s := t.d.sessions[keys[i]]; match(s) {
			s = copySession(s)
			return &s
		}
	}
	return nil
}

func (t *tx) GetSession(_ context.Context, sessionID string) (*models.PaymentSession, error) {
	s := t.findSession(func(s models.PaymentSession) bool { return s.SessionID == sessionID })
	if s == nil {
		return nil, errs.NotFound("payment session", sessionID)
	}
	return s, nil
}

func (t *tx) GetSessionByGatewayOrderID(_ context.Context, gatewayOrderID string) (*models.PaymentSession, error) {
	s := t.findSession(func(s models.PaymentSession) bool {
		return gatewayOrderID != "" && s.GatewayOrderID == gatewayOrderID
	})
	if s == nil {
		return nil, errs.NotFound("payment session", gatewayOrderID)
	}
	return s, nil
}

func (t *tx) GetActiveSession(_ context.Context, orderID int64) (*models.PaymentSession, error) {
	return t.findSession(func(s models.PaymentSession) bool {
		return s.OrderID == orderID && s.Status == models.SessionStatusActive
	}), nil
}

func (t *tx) GetLatestSession(_ context.Context, orderID int64) (*models.PaymentSession, error) {
	return t.findSession(func(s models.PaymentSession) bool { return s.OrderID == orderID }), nil
}

func (t *tx) UpdateSession(_ context.Context, s *models.PaymentSession) error {
	if _, ok := t.d.sessions[s.ID]; !ok {
		return errs.NotFound("payment session", s.SessionID)
	}
	if s.Status == models.SessionStatusActive {
		for id, cur := range t.d.sessions {
			if id != s.ID && cur.OrderID == s.OrderID && cur.Status == models.SessionStatusActive {
				return store.ErrDuplicate
			}
		}
	}
	s.UpdatedAt = t.now()
	t.d.sessions[s.ID] = copySession(*s)
	return nil
}

func (t *tx) CreateReservation(_ context.Context, r *models.StockReservation) error {
	r.ID = t.d.nextID()
	r.CreatedAt = t.now()
	r.UpdatedAt = r.CreatedAt
	t.d.reservations[r.ID] = copyReservation(*r)
	return nil
}

func (t *tx) GetReservation(_ context.Context, id int64) (*models.StockReservation, error) {
	r, ok := t.d.reservations[id]
	if !ok {
		return nil, errs.NotFound("reservation", id)
	}
	r = copyReservation(r)
	return &r, nil
}

func (t *tx) GetActiveReservation(_ context.Context, orderID int64) (*models.StockReservation, error) {
	keys := sortedKeys(t.d.reservations)
	for i := len(keys) - 1; i >= 0; i-- {
		r := t.d.reservations[keys[i]]
		if r.OrderID != nil && *r.OrderID == orderID && r.Status == models.ReservationStatusActive {
			r = copyReservation(r)
			return &r, nil
		}
	}
	return nil, nil
}

func (t *tx) TransitionReservation(_ context.Context, id int64, from, to models.ReservationStatus, paymentID *int64) (bool, error) {
	r, ok := t.d.reservations[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	if paymentID != nil {
		r.PaymentID = copyInt64(paymentID)
	}
	r.UpdatedAt = t.now()
	t.d.reservations[id] = r
	return true, nil
}

func (t *tx) ListExpiredReservations(_ context.Context, now time.Time, limit int) ([]models.StockReservation, error) {
	var out []models.StockReservation
	for _, id := range sortedKeys(t.d.reservations) {
		r := t.d.reservations[id]
		if r.Status == models.ReservationStatusActive && r.ReservedUntil.Before(now) {
			out = append(out, copyReservation(r))
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (t *tx) CreateReturn(_ context.Context, r *models.ReturnRequest) error {
	r.ID = t.d.nextID()
	r.CreatedAt = t.now()
	r.UpdatedAt = r.CreatedAt
	t.d.returns[r.ID] = copyReturn(*r)
	return nil
}

func (t *tx) LockReturn(_ context.Context, id int64) (*models.ReturnRequest, error) {
	r, ok := t.d.returns[id]
	if !ok {
		return nil, errs.NotFound("return request", id)
	}
	r = copyReturn(r)
	return &r, nil
}

func (t *tx) ListReturnsByOrder(_ context.Context, orderID int64) ([]models.ReturnRequest, error) {
	var out []models.ReturnRequest
	for _, id := range sortedKeys(t.d.returns) {
		if r := t.d.returns[id]; r.OrderID == orderID {
			out = append(out, copyReturn(r))
		}
	}
	return out, nil
}

func (t *tx) UpdateReturn(_ context.Context, r *models.ReturnRequest) error {
	if _, ok := t.d.returns[r.ID]; !ok {
		return errs.NotFound("return request", r.ID)
	}
	r.UpdatedAt = t.now()
	t.d.returns[r.ID] = copyReturn(*r)
	return nil
}

func (t *tx) CreateExchange(_ context.Context, e *models.ExchangeRequest) error {
	e.ID = t.d.nextID()
	e.CreatedAt = t.now()
	e.UpdatedAt = e.CreatedAt
	t.d.exchanges[e.ID] = copyExchange(*e)
	return nil
}

func (t *tx) LockExchange(_ context.Context, id int64) (*models.ExchangeRequest, error) {
	e, ok := t.d.exchanges[id]
	if !ok {
		return nil, errs.NotFound("exchange request", id)
	}
	e = copyExchange(e)
	return &e, nil
}

func (t *tx) GetExchangeByHold(_ context.Context, holdTxnID int64) (*models.ExchangeRequest, error) {
	for _, id := range sortedKeys(t.d.exchanges) {
		if e := t.d.exchanges[id]; e.WalletHoldID != nil && *e.WalletHoldID == holdTxnID {
			e = copyExchange(e)
			return &e, nil
		}
	}
	return nil, errs.NotFound("exchange request", holdTxnID)
}

func (t *tx) UpdateExchange(_ context.Context, e *models.ExchangeRequest) error {
	if _, ok := t.d.exchanges[e.ID]; !ok {
		return errs.NotFound("exchange request", e.ID)
	}
	e.UpdatedAt = t.now()
	t.d.exchanges[e.ID] = copyExchange(*e)
	return nil
}
