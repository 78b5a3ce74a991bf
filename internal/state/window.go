package state

// windowCap bounds per-symbol candle history. Old bars are evicted from the
// front as new periods close.
const windowCap = 250

// CandleWindow holds a bounded, time-ordered slice of candles for one symbol.
// It is not safe for concurrent use; the synchronizer's consumer loop is the
// only writer and readers go through Bars, which copies.
type CandleWindow struct {
	bars []Candle
}

// NewCandleWindow returns an empty window.
func NewCandleWindow() *CandleWindow {
	return &CandleWindow{bars: make([]Candle, 0, windowCap)}
}

// Apply merges a candle into the window keyed by open time. A bar with the
// same open time as the newest entry replaces it in place, which is how the
// open bar mutates on every push until its period closes. A newer bar is
// appended, evicting the oldest entry when the window is full. Bars older
// than the newest entry update their slot when present and are otherwise
// dropped; late stragglers never reorder the window.
func (w *CandleWindow) Apply(c Candle) {
	n := len(w.bars)
	if n == 0 || c.OpenTime > w.bars[n-1].OpenTime {
		if n >= windowCap {
			copy(w.bars, w.bars[1:])
			w.bars = w.bars[:n-1]
		}
		w.bars = append(w.bars, c)
		return
	}
	for i := n - 1; i >= 0; i-- {
		if w.bars[i].OpenTime == c.OpenTime {
			w.bars[i] = c
			return
		}
		if w.bars[i].OpenTime < c.OpenTime {
			return
		}
	}
}

// Len returns the number of bars held.
func (w *CandleWindow) Len() int { return len(w.bars) }

// Bars returns a copy of the window, oldest first.
func (w *CandleWindow) Bars() []Candle {
	out := make([]Candle, len(w.bars))
	copy(out, w.bars)
	return out
}

// Last returns the newest bar, or false when the window is empty.
func (w *CandleWindow) Last() (Candle, bool) {
	if len(w.bars) == 0 {
		return Candle{}, false
	}
	return w.bars[len(w.bars)-1], true
}
