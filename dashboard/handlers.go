package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"margin-monitor-go/feed"
	"margin-monitor-go/gateway"
	"margin-monitor-go/margin"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeFetchError network 映射为 504，其余上游问题为 502。
func writeFetchError(w http.ResponseWriter, err error) {
	fe := margin.AsFetchError(err)
	status := http.StatusBadGateway
	if fe.Kind == margin.NetworkError {
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, errorResponse{Error: fe.Reason, Kind: fe.Kind.String()})
}

func parseClientID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "clientId")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid client id: "+raw)
		return 0, false
	}
	return id, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"accounts": s.hub.Accounts(),
	})
}

func settled(st margin.SyncState) bool {
	return st.Status == margin.StatusReady || st.Status == margin.StatusFailed
}

// awaitState 临时订阅账户，直到拿到 Ready/Failed 或 ctx 到期。
// 账户此前无人订阅时，这次订阅会触发首次拉取，返回时随退订一起拆除。
func (s *Server) awaitState(ctx context.Context, clientID int64) (margin.SyncState, error) {
	ch := make(chan margin.SyncState, 8)
	release, err := s.hub.Subscribe(clientID, func(st margin.SyncState) {
		select {
		case ch <- st:
		default:
		}
	})
	if err != nil {
		return margin.SyncState{}, err
	}
	defer release()

	last := margin.SyncState{ClientID: clientID}
	for {
		select {
		case st := <-ch:
			last = st
			if settled(st) {
				return st, nil
			}
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
}

func (s *Server) handleMargin(w http.ResponseWriter, r *http.Request) {
	id, ok := parseClientID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	st, err := s.awaitState(ctx, id)
	switch {
	case errors.Is(err, feed.ErrHubClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeJSON(w, http.StatusGatewayTimeout, BuildView(st, s.Requirements()))
		return
	}

	status := http.StatusOK
	if st.Status == margin.StatusFailed && !st.HasSnapshot() {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, BuildView(st, s.Requirements()))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id, ok := parseClientID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	st, err := s.hub.RefreshNow(ctx, id)
	switch {
	case errors.Is(err, feed.ErrNotMonitored):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeJSON(w, http.StatusGatewayTimeout, BuildView(st, s.Requirements()))
	default:
		writeJSON(w, http.StatusOK, BuildView(st, s.Requirements()))
	}
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	id, ok := parseClientID(w, r)
	if !ok {
		return
	}
	list, err := s.positions.ListPositions(r.Context(), id)
	if err != nil {
		writeFetchError(w, err)
		return
	}
	if list == nil {
		list = []gateway.Position{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleCreatePosition 新增持仓后立即刷新该账户，所有订阅者都能看到新的保证金状态。
func (s *Server) handleCreatePosition(w http.ResponseWriter, r *http.Request) {
	var req gateway.PositionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	pos, err := s.positions.CreatePosition(r.Context(), req)
	switch {
	case errors.Is(err, gateway.ErrInvalidPosition):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeFetchError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	if _, err := s.hub.RefreshNow(ctx, req.ClientID); err != nil && !errors.Is(err, feed.ErrNotMonitored) {
		s.log.Warn("refresh after position create failed",
			zap.Int64("client_id", req.ClientID), zap.Error(err))
	}
	writeJSON(w, http.StatusCreated, pos)
}
