package state

import "testing"

func bar(openTime int64, close float64, closed bool) Candle {
	return Candle{OpenTime: openTime, Open: close, High: close, Low: close, Close: close, CloseTime: openTime + 299_999, Closed: closed}
}

func TestWindowMutatesOpenBarInPlace(t *testing.T) {
	w := NewCandleWindow()
	w.Apply(bar(1000, 100, true))
	w.Apply(bar(2000, 101, false))
	w.Apply(bar(2000, 102, false))
	w.Apply(bar(2000, 103, true))

	if w.Len() != 2 {
		t.Fatalf("len = %d, want 2", w.Len())
	}
	last, ok := w.Last()
	if !ok {
		t.Fatal("empty window")
	}
	if last.Close != 103 || !last.Closed {
		t.Fatalf("last = %+v, want close=103 closed=true", last)
	}
}

func TestWindowEvictsOldestAtCapacity(t *testing.T) {
	w := NewCandleWindow()
	for i := 0; i < windowCap+10; i++ {
		w.Apply(bar(int64(i)*1000, float64(i), true))
	}
	if w.Len() != windowCap {
		t.Fatalf("len = %d, want %d", w.Len(), windowCap)
	}
	bars := w.Bars()
	if bars[0].OpenTime != 10_000 {
		t.Fatalf("oldest open time = %d, want 10000", bars[0].OpenTime)
	}
	if bars[len(bars)-1].Close != float64(windowCap+9) {
		t.Fatalf("newest close = %v", bars[len(bars)-1].Close)
	}
}

func TestWindowDropsLateStragglers(t *testing.T) {
	w := NewCandleWindow()
	w.Apply(bar(1000, 100, true))
	w.Apply(bar(2000, 101, true))
	w.Apply(bar(3000, 102, false))

	// An update for a known older bar lands in its slot.
	w.Apply(bar(2000, 999, true))
	// A bar older than everything held is discarded.
	w.Apply(bar(500, 1, true))

	bars := w.Bars()
	if len(bars) != 3 {
		t.Fatalf("len = %d, want 3", len(bars))
	}
	if bars[1].Close != 999 {
		t.Fatalf("middle close = %v, want 999", bars[1].Close)
	}
	if bars[0].OpenTime != 1000 {
		t.Fatalf("oldest open time = %d, want 1000", bars[0].OpenTime)
	}
}

func TestWindowBarsReturnsCopy(t *testing.T) {
	w := NewCandleWindow()
	w.Apply(bar(1000, 100, true))
	bars := w.Bars()
	bars[0].Close = 42
	if got, _ := w.Last(); got.Close != 100 {
		t.Fatalf("window mutated through copy: %v", got.Close)
	}
}
