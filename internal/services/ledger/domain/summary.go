package domain

import "time"

// DeviceCashSummary is the fold of one device's transaction log.
type DeviceCashSummary struct {
	DeviceID         string
	DeviceName       string
	Balance          int64
	TotalAdded       int64
	TotalWithdrawn   int64
	Net              int64
	TransactionCount int64
	FirstAt          *time.Time
	LastAt           *time.Time
}

// OverallCashSummary aggregates across all active devices.
type OverallCashSummary struct {
	TotalBalance     int64
	TotalAdded       int64
	TotalWithdrawn   int64
	Net              int64
	TransactionCount int64
	DeviceCount      int64
	Devices          []DeviceCashSummary
}
