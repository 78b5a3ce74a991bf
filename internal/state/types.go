package state

import (
	"time"

	"perpbot/pkg/exchanges/common"
)

// Candle is one OHLCV bar in a symbol's window. The newest bar is mutated in
// place while its period is open and becomes immutable once it closes.
type Candle struct {
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
	Closed    bool
}

// TickerSnapshot is the last observed trade price for a symbol. Price stays
// zero until the first push arrives; consumers must tolerate that.
type TickerSnapshot struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// Position is the live position for a symbol. Qty is signed: positive for
// longs, negative for shorts. At most one Position exists per symbol.
type Position struct {
	Symbol     string
	Side       common.Side
	EntryPrice float64
	Qty        float64
	EntryTime  time.Time
}

// AbsQty returns the unsigned position size.
func (p Position) AbsQty() float64 {
	if p.Qty < 0 {
		return -p.Qty
	}
	return p.Qty
}

// OpenOrder is a resting order on the exchange book.
type OpenOrder struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Side          common.Side
	Type          common.OrderType
	Status        common.OrderStatus
	Qty           float64
	Price         float64
	StopPrice     float64
	ReduceOnly    bool
}

// AccountBalance is the process-wide account view, overwritten wholesale on
// each account push.
type AccountBalance struct {
	WalletBalance    float64
	AvailableBalance float64
	UnrealizedPnL    float64
	UpdatedAt        time.Time
}
