package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/klingon-exchange/swapmaker/internal/maker"
)

// csvHistorySink appends one row per finished swap to a CSV file, creating
// it with a header row if it doesn't exist yet. It satisfies maker.HistorySink.
type csvHistorySink struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

var historyHeader = []string{
	"swap_id", "side", "base_sats", "quote_attos", "counterparty_peer_id", "finished_at", "state",
}

func newCSVHistorySink(path string) (*csvHistorySink, error) {
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}
	w := csv.NewWriter(f)
	if os.IsNotExist(statErr) {
		if err := w.Write(historyHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("write history header: %w", err)
		}
		w.Flush()
	}
	return &csvHistorySink{f: f, w: w}, nil
}

func (s *csvHistorySink) Write(r maker.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := []string{
		r.SwapID,
		string(r.Side),
		strconv.FormatUint(uint64(r.Base), 10),
		r.Quote.Int().String(),
		r.CounterpartyPeerID,
		r.FinishedAt.Format(time.RFC3339),
		string(r.State),
	}
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("write history row: %w", err)
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *csvHistorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
