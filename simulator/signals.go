package simulator

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"predictflow/models"
)

// ScriptedSource replays a fixed list of trading signals against the
// event stream: each signal is released once the stream reaches its
// timestamp. Useful for replay runs and backtest harnesses.
type ScriptedSource struct {
	signals []models.TradingSignal
	next    int
}

type signalFile struct {
	Signals []models.TradingSignal `json:"signals"`
}

// LoadSignalSource reads a {"signals":[...]} JSON file.
func LoadSignalSource(path string) (*ScriptedSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signal file: %w", err)
	}
	var file signalFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to decode signal file: %w", err)
	}
	return NewScriptedSource(file.Signals), nil
}

// NewScriptedSource sorts the signals by timestamp, keeping input order
// for ties.
func NewScriptedSource(signals []models.TradingSignal) *ScriptedSource {
	sorted := make([]models.TradingSignal, len(signals))
	copy(sorted, signals)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return &ScriptedSource{signals: sorted}
}

func (s *ScriptedSource) OnOrderBook(book *models.OrderBook) []models.TradingSignal {
	if book == nil {
		return nil
	}
	return s.due(book.Timestamp)
}

func (s *ScriptedSource) OnTrade(trade *models.Trade) []models.TradingSignal {
	if trade == nil {
		return nil
	}
	return s.due(trade.Timestamp)
}

// due releases every signal whose timestamp the stream has reached.
func (s *ScriptedSource) due(now time.Time) []models.TradingSignal {
	var out []models.TradingSignal
	for s.next < len(s.signals) && !s.signals[s.next].Timestamp.After(now) {
		out = append(out, s.signals[s.next])
		s.next++
	}
	return out
}
