package control

import "tdm-core/stats"

// GroupStatus состояние генератора группы
type GroupStatus struct {
	ID           uint8          `json:"id"`
	SessionID    string         `json:"session_id"`
	NumColBoards uint8          `json:"num_col_boards"`
	NumRows      uint8          `json:"num_rows"`
	FrameSize    int            `json:"frame_size"`
	Running      bool           `json:"running"`
	Sequence     uint32         `json:"sequence"`
	LastError    string         `json:"last_error,omitempty"`
	Tx           stats.Snapshot `json:"tx"`
}

// ReceiverStatus состояние приемника
type ReceiverStatus struct {
	Rx               stats.Snapshot `json:"rx"`
	ForwardErrors    uint64         `json:"forward_errors"`
	LastForwardError string         `json:"last_forward_error,omitempty"`
}

// RunStatus состояние запуска
type RunStatus struct {
	Running  bool   `json:"running"`
	Rate     int    `json:"rate_hz"`
	RunCount uint64 `json:"run_count"`
}

// Stats сводка для tdm-stats
type Stats struct {
	Groups   []GroupStatus  `json:"groups"`
	Receiver ReceiverStatus `json:"receiver"`
	Run      RunStatus      `json:"run"`
}

// TopologyRequest тело PUT /v1/groups/:id/topology
type TopologyRequest struct {
	NumColBoards *uint8 `json:"num_col_boards"`
	NumRows      *uint8 `json:"num_rows"`
}

// FrameRequest тело POST /v1/groups/:id/request, без тела берется текущее время
type FrameRequest struct {
	A uint32 `json:"a"`
	B uint32 `json:"b"`
	C uint32 `json:"c"`
}

// RateRequest тело PUT /v1/run/rate
type RateRequest struct {
	Hz int `json:"hz"`
}

type errorResponse struct {
	Error string `json:"error"`
}
