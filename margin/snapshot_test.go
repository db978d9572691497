package margin

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotDecodesBackendPayload(t *testing.T) {
	var s Snapshot
	err := json.Unmarshal([]byte(`{"portfolio_value":200000,"net_equity":150000,"margin_shortfall":-110000,"margin_call":false}`), &s)
	require.NoError(t, err)
	assert.Equal(t, Snapshot{PortfolioValue: 200000, NetEquity: 150000, MarginShortfall: -110000}, s)
}

func TestSnapshotDecodesCamelCasePayload(t *testing.T) {
	var s Snapshot
	err := json.Unmarshal([]byte(`{"clientId":7,"portfolioValue":10,"netEquity":1,"marginShortfall":1,"marginCall":true}`), &s)
	require.NoError(t, err)
	assert.Equal(t, Snapshot{ClientID: 7, PortfolioValue: 10, NetEquity: 1, MarginShortfall: 1, MarginCall: true}, s)
}

func TestSnapshotRejectsMissingFields(t *testing.T) {
	var s Snapshot
	err := json.Unmarshal([]byte(`{"error":"Failed to calculate margin status"}`), &s)
	require.Error(t, err)
}

func TestAsFetchError(t *testing.T) {
	assert.Nil(t, AsFetchError(nil))

	cause := errors.New("dial tcp: connection refused")
	fe := AsFetchError(cause)
	assert.Equal(t, NetworkError, fe.Kind)
	assert.Equal(t, cause.Error(), fe.Reason)
	assert.ErrorIs(t, fe, cause)

	typed := NewFetchError(UpstreamError, "status 500", nil)
	wrapped := fmt.Errorf("fetch: %w", typed)
	assert.Same(t, typed, AsFetchError(wrapped))
	assert.Equal(t, "upstream error: status 500", typed.Error())
}

func TestSyncStateHelpers(t *testing.T) {
	st := SyncState{}
	assert.False(t, st.HasSnapshot())
	assert.False(t, st.Stale())
	assert.Equal(t, "", st.LastErrorReason())

	st = SyncState{Snapshot: &Snapshot{}, Status: StatusFailed, LastError: NewFetchError(DecodeError, "bad json", nil)}
	assert.True(t, st.Stale())
	assert.Equal(t, "bad json", st.LastErrorReason())

	raw, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"failed"`)
}
