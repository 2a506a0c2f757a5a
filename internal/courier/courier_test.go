package courier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulePickup(t *testing.T) {
	testCases := []struct {
		name    string
		status  int
		body    string
		wantID  string
		wantErr bool
	}{
		{name: "scheduled", status: http.StatusOK, body: `{"pickup_id":"PK-1","scheduled_at":"2026-01-02T10:00:00Z"}`, wantID: "PK-1"},
		{name: "courier down", status: http.StatusServiceUnavailable, body: `{}`, wantErr: true},
		{name: "no pickup id", status: http.StatusOK, body: `{}`, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/pickups", r.URL.Path)
				var req PickupRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "return", req.Kind)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewHTTPClient(srv.URL, 0)
			pickup, err := c.SchedulePickup(context.Background(), PickupRequest{Kind: "return", Reference: "return-1", Quantity: 1})
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantID, pickup.PickupID)
		})
	}
}
