package margin

import (
	"encoding/json"
	"time"
)

// Status 同步状态。
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// SyncState 某个账户的同步状态。Snapshot 为 nil 表示从未成功拉取过。
// Loading/Failed 期间保留上一次成功的快照，视图始终有值可渲染。
type SyncState struct {
	ClientID  int64       `json:"client_id"`
	Snapshot  *Snapshot   `json:"snapshot"`
	Status    Status      `json:"status"`
	Reason    string      `json:"reason,omitempty"`
	LastError *FetchError `json:"-"`
	FetchedAt time.Time   `json:"fetched_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// HasSnapshot 是否有可渲染的快照。
func (s SyncState) HasSnapshot() bool { return s.Snapshot != nil }

// Stale 快照存在但当前状态不是 Ready。
func (s SyncState) Stale() bool {
	return s.Snapshot != nil && s.Status != StatusReady
}

// LastErrorReason 诊断用，无错误时为空串。
func (s SyncState) LastErrorReason() string {
	if s.LastError == nil {
		return ""
	}
	return s.LastError.Reason
}
