package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB columns are mapped through these helpers so entities stay plain structs.

func jsonValue(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func jsonScan(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dst)
	}
}

func (m OrderMeta) Value() (driver.Value, error) { return jsonValue(m) }
func (m *OrderMeta) Scan(src any) error          { return jsonScan(src, m) }

func (a Address) Value() (driver.Value, error) { return jsonValue(a) }
func (a *Address) Scan(src any) error          { return jsonScan(src, a) }

func (s PaymentSnapshots) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return jsonValue([]PaymentSnapshot(s))
}
func (s *PaymentSnapshots) Scan(src any) error { return jsonScan(src, (*[]PaymentSnapshot)(s)) }

func (c CouponSnapshot) Value() (driver.Value, error) { return jsonValue(c) }
func (c *CouponSnapshot) Scan(src any) error          { return jsonScan(src, c) }

func (r ReservedItems) Value() (driver.Value, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	return jsonValue([]ReservedItem(r))
}
func (r *ReservedItems) Scan(src any) error { return jsonScan(src, (*[]ReservedItem)(r)) }

func (h StatusHistory) Value() (driver.Value, error) {
	if h == nil {
		return []byte("[]"), nil
	}
	return jsonValue([]HistoryEntry(h))
}
func (h *StatusHistory) Scan(src any) error { return jsonScan(src, (*[]HistoryEntry)(h)) }

func (r RefundInfo) Value() (driver.Value, error) { return jsonValue(r) }
func (r *RefundInfo) Scan(src any) error          { return jsonScan(src, r) }
