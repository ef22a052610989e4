package domain

import "time"

// AlertKind is the severity of a slippage alert
type AlertKind int

const (
	AlertWarning AlertKind = iota + 1
	AlertCritical
)

func (k AlertKind) String() string {
	switch k {
	case AlertWarning:
		return "WARNING"
	case AlertCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Alert is emitted when realized slippage breaches a threshold
type Alert struct {
	Kind        AlertKind `json:"kind"`
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	SlippageBps float64   `json:"slippage_bps"`
	Threshold   float64   `json:"threshold_bps"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}
