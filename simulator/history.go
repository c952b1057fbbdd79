package simulator

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"predictflow/logger"
	"predictflow/models"
)

// Historical event type discriminators.
const (
	HistoricalOrderBook = "orderbook"
	HistoricalTrade     = "trade"
)

// HistoricalEvent is one replayable record from a historical data file.
type HistoricalEvent struct {
	Type      string
	MarketID  string
	Venue     models.Venue
	Timestamp time.Time
	OrderBook *models.OrderBook
	Trade     *models.Trade
}

// historicalRecord is the JSON wire form of one event.
type historicalRecord struct {
	Type      string      `json:"type"`
	MarketID  string      `json:"market_id"`
	Venue     string      `json:"venue"`
	Timestamp string      `json:"timestamp"`
	Bids      [][]float64 `json:"bids,omitempty"`
	Asks      [][]float64 `json:"asks,omitempty"`
	Price     float64     `json:"price,omitempty"`
	Size      float64     `json:"size,omitempty"`
	Side      string      `json:"side,omitempty"`
}

type historicalFile struct {
	Events []historicalRecord `json:"events"`
}

// LoadHistory reads a historical event file, JSON or CSV by extension,
// and returns the events stably sorted by timestamp so ties keep file
// order. Records with malformed timestamps get a monotonic fallback
// instead of aborting the load.
func LoadHistory(path string) ([]HistoricalEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	var events []HistoricalEvent
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		events, err = LoadHistoryJSON(f)
	case ".csv":
		events, err = LoadHistoryCSV(f)
	default:
		return nil, fmt.Errorf("unsupported history format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// LoadHistoryJSON decodes a {"events":[...]} document.
func LoadHistoryJSON(r io.Reader) ([]HistoricalEvent, error) {
	var file historicalFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode history JSON: %w", err)
	}

	clock := newFallbackClock()
	events := make([]HistoricalEvent, 0, len(file.Events))
	for i, record := range file.Events {
		event, ok := convertRecord(record, clock)
		if !ok {
			logger.GetLogger().WithComponent("history").WithFields(logger.Fields{
				"index": i,
				"type":  record.Type,
			}).Warn("skipping malformed history record")
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// LoadHistoryCSV decodes the tabular form. Expected header:
// type,market_id,venue,timestamp,price,size,side,bid_price,bid_size,ask_price,ask_size
// Order-book rows carry only the top of book.
func LoadHistoryCSV(r io.Reader) ([]HistoricalEvent, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read history CSV: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	columns := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		columns[strings.TrimSpace(strings.ToLower(name))] = i
	}

	field := func(row []string, name string) string {
		idx, ok := columns[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}
	number := func(row []string, name string) float64 {
		v, err := strconv.ParseFloat(field(row, name), 64)
		if err != nil {
			return 0
		}
		return v
	}

	clock := newFallbackClock()
	events := make([]HistoricalEvent, 0, len(rows)-1)
	for i, row := range rows[1:] {
		record := historicalRecord{
			Type:      strings.ToLower(field(row, "type")),
			MarketID:  field(row, "market_id"),
			Venue:     field(row, "venue"),
			Timestamp: field(row, "timestamp"),
			Price:     number(row, "price"),
			Size:      number(row, "size"),
			Side:      field(row, "side"),
		}
		if bid := number(row, "bid_price"); bid > 0 {
			record.Bids = [][]float64{{bid, number(row, "bid_size")}}
		}
		if ask := number(row, "ask_price"); ask > 0 {
			record.Asks = [][]float64{{ask, number(row, "ask_size")}}
		}

		event, ok := convertRecord(record, clock)
		if !ok {
			logger.GetLogger().WithComponent("history").WithFields(logger.Fields{
				"row": i + 2,
			}).Warn("skipping malformed history row")
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func convertRecord(record historicalRecord, clock *fallbackClock) (HistoricalEvent, bool) {
	if record.MarketID == "" {
		return HistoricalEvent{}, false
	}

	venue := models.Venue(record.Venue)
	ts := clock.resolve(record.Timestamp)

	switch record.Type {
	case HistoricalOrderBook, "orderbook_update":
		book := &models.OrderBook{
			MarketID:  record.MarketID,
			Venue:     venue,
			Timestamp: ts,
			Bids:      levelsFromPairs(record.Bids),
			Asks:      levelsFromPairs(record.Asks),
		}
		return HistoricalEvent{
			Type:      HistoricalOrderBook,
			MarketID:  record.MarketID,
			Venue:     venue,
			Timestamp: ts,
			OrderBook: book,
		}, true
	case HistoricalTrade:
		if record.Price <= 0 || record.Size <= 0 {
			return HistoricalEvent{}, false
		}
		trade := &models.Trade{
			MarketID:  record.MarketID,
			Venue:     venue,
			Side:      models.Side(record.Side),
			Price:     record.Price,
			Size:      record.Size,
			Timestamp: ts,
		}
		return HistoricalEvent{
			Type:      HistoricalTrade,
			MarketID:  record.MarketID,
			Venue:     venue,
			Timestamp: ts,
			Trade:     trade,
		}, true
	}
	return HistoricalEvent{}, false
}

func levelsFromPairs(pairs [][]float64) []models.OrderBookLevel {
	levels := make([]models.OrderBookLevel, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) < 2 {
			continue
		}
		levels = append(levels, models.OrderBookLevel{Price: pair[0], Size: pair[1], Orders: 1})
	}
	return levels
}

// fallbackClock assigns monotonically increasing timestamps to records
// whose timestamp field cannot be parsed, keyed off the last good value.
type fallbackClock struct {
	last time.Time
}

func newFallbackClock() *fallbackClock {
	return &fallbackClock{last: time.Unix(0, 0).UTC()}
}

func (c *fallbackClock) resolve(raw string) time.Time {
	if ts, ok := parseHistoryTimestamp(raw); ok {
		if ts.After(c.last) {
			c.last = ts
		}
		return ts
	}
	c.last = c.last.Add(time.Millisecond)
	return c.last
}

// parseHistoryTimestamp accepts RFC3339 as well as unix seconds or
// milliseconds.
func parseHistoryTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.UTC(), true
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), true
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
		if v > 1e12 {
			return time.UnixMilli(int64(v)).UTC(), true
		}
		return time.Unix(int64(v), 0).UTC(), true
	}
	return time.Time{}, false
}
