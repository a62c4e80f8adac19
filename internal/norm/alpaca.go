package norm

import (
	"encoding/json"
	"strconv"
	"time"

	"tickerd/internal/domain"
)

// ---------------------------------------------------------------------------
// Alpaca wire shapes
// ---------------------------------------------------------------------------

// AlpacaTrade mirrors Alpaca's documented trade message: single-letter keys,
// RFC3339 timestamps. The adapter re-encodes SDK entities into this shape so
// stored payloads stay stable across SDK upgrades.
type AlpacaTrade struct {
	ID         int64     `json:"i"`
	Symbol     string    `json:"S"`
	Exchange   string    `json:"x"`
	Price      float64   `json:"p"`
	Size       float64   `json:"s"`
	Timestamp  time.Time `json:"t"`
	Conditions []string  `json:"c"`
	Tape       string    `json:"z"`
}

// AlpacaQuote mirrors Alpaca's documented quote message.
type AlpacaQuote struct {
	Symbol      string    `json:"S"`
	BidExchange string    `json:"bx"`
	BidPrice    float64   `json:"bp"`
	BidSize     float64   `json:"bs"`
	AskExchange string    `json:"ax"`
	AskPrice    float64   `json:"ap"`
	AskSize     float64   `json:"as"`
	Timestamp   time.Time `json:"t"`
}

// AlpacaBar mirrors Alpaca's documented bar message.
type AlpacaBar struct {
	Symbol     string    `json:"S"`
	Open       float64   `json:"o"`
	High       float64   `json:"h"`
	Low        float64   `json:"l"`
	Close      float64   `json:"c"`
	Volume     float64   `json:"v"`
	TradeCount int64     `json:"n"`
	Timestamp  time.Time `json:"t"`
}

// ---------------------------------------------------------------------------
// Decoders
// ---------------------------------------------------------------------------

func decodeAlpacaTrade(env domain.RawEnvelope) (domain.Trade, error) {
	var w AlpacaTrade
	if err := json.Unmarshal(env.Payload, &w); err != nil {
		return domain.Trade{}, malformed(ReasonBadPayload, "", "decoding alpaca trade: %v", err)
	}
	trade := domain.Trade{
		Provider:   env.Provider,
		Symbol:     env.Symbol,
		Price:      w.Price,
		Size:       w.Size,
		Side:       domain.SideUnknown, // alpaca does not report aggressor side
		EventTime:  w.Timestamp.UTC(),
		Received:   env.Received,
		Seq:        env.Seq,
		Venue:      w.Exchange,
		Conditions: w.Conditions,
		CorrID:     env.CorrID,
	}
	if w.ID != 0 {
		// Alpaca trade IDs are unique per symbol and tape.
		trade.TradeID = w.Tape + ":" + w.Exchange + ":" + strconv.FormatInt(w.ID, 10)
	}
	return trade, nil
}

func decodeAlpacaQuote(env domain.RawEnvelope) (domain.Quote, error) {
	var w AlpacaQuote
	if err := json.Unmarshal(env.Payload, &w); err != nil {
		return domain.Quote{}, malformed(ReasonBadPayload, "", "decoding alpaca quote: %v", err)
	}
	return domain.Quote{
		Provider:  env.Provider,
		Symbol:    env.Symbol,
		Bid:       w.BidPrice,
		BidSize:   w.BidSize,
		Ask:       w.AskPrice,
		AskSize:   w.AskSize,
		EventTime: w.Timestamp.UTC(),
		Received:  env.Received,
		Seq:       env.Seq,
		CorrID:    env.CorrID,
	}, nil
}

func decodeAlpacaBar(env domain.RawEnvelope) (domain.Candle, error) {
	var w AlpacaBar
	if err := json.Unmarshal(env.Payload, &w); err != nil {
		return domain.Candle{}, malformed(ReasonBadPayload, "", "decoding alpaca bar: %v", err)
	}
	return domain.Candle{
		Provider:    env.Provider,
		Symbol:      env.Symbol,
		Granularity: env.Granularity,
		BucketStart: domain.AlignBucket(w.Timestamp.UTC(), env.Granularity),
		Open:        w.Open,
		High:        w.High,
		Low:         w.Low,
		Close:       w.Close,
		Volume:      w.Volume,
		TradeCount:  w.TradeCount,
		Complete:    true,
		CorrID:      env.CorrID,
	}, nil
}

