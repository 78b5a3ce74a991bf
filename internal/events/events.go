package events

import "time"

// Topic names a class of trading event.
type Topic string

const (
	TopicEntryOpened      Topic = "entry_opened"
	TopicTakeProfitClosed Topic = "take_profit_closed"
	TopicStopLossClosed   Topic = "stop_loss_closed"
	TopicOrdersCanceled   Topic = "orders_canceled"
	TopicCycleSummary     Topic = "cycle_summary"
)

// CloseTopic discriminates a position close by the sign of its realized PnL.
func CloseTopic(pnl float64) Topic {
	if pnl < 0 {
		return TopicStopLossClosed
	}
	return TopicTakeProfitClosed
}

// Event is one trading occurrence published on the bus. Fields beyond Topic,
// Symbol and At are topic-dependent; unused ones stay zero.
type Event struct {
	Topic  Topic
	Symbol string
	At     time.Time

	Side   string
	Qty    float64
	Price  float64
	PnL    float64
	PnLPct float64
	Reason string

	// Cycle summary fields.
	Evaluated int
	Entered   int
	Closed    int
	Errors    int
	Elapsed   time.Duration
}
