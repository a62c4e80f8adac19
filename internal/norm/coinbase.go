package norm

import (
	"encoding/json"
	"strconv"
	"time"

	"tickerd/internal/domain"
)

// ---------------------------------------------------------------------------
// Coinbase wire shapes
// ---------------------------------------------------------------------------

// Coinbase exchange websocket frames arrive verbatim; prices and sizes are
// decimal strings, timestamps RFC3339 with nanoseconds.

type coinbaseMatch struct {
	Type      string `json:"type"`
	TradeID   int64  `json:"trade_id"`
	Sequence  int64  `json:"sequence"`
	Time      string `json:"time"`
	ProductID string `json:"product_id"`
	Size      string `json:"size"`
	Price     string `json:"price"`
	Side      string `json:"side"`
}

type coinbaseTicker struct {
	Type        string `json:"type"`
	Sequence    int64  `json:"sequence"`
	ProductID   string `json:"product_id"`
	Price       string `json:"price"`
	LastSize    string `json:"last_size"`
	BestBid     string `json:"best_bid"`
	BestBidSize string `json:"best_bid_size"`
	BestAsk     string `json:"best_ask"`
	BestAskSize string `json:"best_ask_size"`
	Time        string `json:"time"`
}

// ---------------------------------------------------------------------------
// Decoders
// ---------------------------------------------------------------------------

func decodeCoinbaseMatch(env domain.RawEnvelope) (domain.Trade, error) {
	var w coinbaseMatch
	if err := json.Unmarshal(env.Payload, &w); err != nil {
		return domain.Trade{}, malformed(ReasonBadPayload, "", "decoding coinbase match: %v", err)
	}
	price, err := parseDecimal(w.Price, "price")
	if err != nil {
		return domain.Trade{}, err
	}
	size, err := parseDecimal(w.Size, "size")
	if err != nil {
		return domain.Trade{}, err
	}
	ts, err := parseRFC3339(w.Time)
	if err != nil {
		return domain.Trade{}, err
	}

	trade := domain.Trade{
		Provider:  env.Provider,
		Symbol:    env.Symbol,
		Price:     price,
		Size:      size,
		EventTime: ts,
		Received:  env.Received,
		Seq:       w.Sequence,
		Venue:     w.ProductID,
		CorrID:    env.CorrID,
	}
	// Coinbase reports the maker side; the taker (aggressor) is opposite.
	switch w.Side {
	case "buy":
		trade.Side = domain.SideSell
	case "sell":
		trade.Side = domain.SideBuy
	default:
		trade.Side = domain.SideUnknown
	}
	if w.TradeID != 0 {
		trade.TradeID = strconv.FormatInt(w.TradeID, 10)
	}
	return trade, nil
}

func decodeCoinbaseTicker(env domain.RawEnvelope) (domain.Quote, error) {
	var w coinbaseTicker
	if err := json.Unmarshal(env.Payload, &w); err != nil {
		return domain.Quote{}, malformed(ReasonBadPayload, "", "decoding coinbase ticker: %v", err)
	}
	bid, err := parseDecimal(w.BestBid, "best_bid")
	if err != nil {
		return domain.Quote{}, err
	}
	ask, err := parseDecimal(w.BestAsk, "best_ask")
	if err != nil {
		return domain.Quote{}, err
	}
	// Book sizes are absent on some channels; treat missing as zero.
	bidSize, askSize := 0.0, 0.0
	if w.BestBidSize != "" {
		if bidSize, err = parseDecimal(w.BestBidSize, "best_bid_size"); err != nil {
			return domain.Quote{}, err
		}
	}
	if w.BestAskSize != "" {
		if askSize, err = parseDecimal(w.BestAskSize, "best_ask_size"); err != nil {
			return domain.Quote{}, err
		}
	}
	lastPrice, lastSize := 0.0, 0.0
	if w.Price != "" {
		if lastPrice, err = parseDecimal(w.Price, "price"); err != nil {
			return domain.Quote{}, err
		}
	}
	if w.LastSize != "" {
		if lastSize, err = parseDecimal(w.LastSize, "last_size"); err != nil {
			return domain.Quote{}, err
		}
	}
	ts, err := parseRFC3339(w.Time)
	if err != nil {
		return domain.Quote{}, err
	}

	return domain.Quote{
		Provider:  env.Provider,
		Symbol:    env.Symbol,
		Bid:       bid,
		BidSize:   bidSize,
		Ask:       ask,
		AskSize:   askSize,
		LastPrice: lastPrice,
		LastSize:  lastSize,
		EventTime: ts,
		Received:  env.Received,
		Seq:       w.Sequence,
		CorrID:    env.CorrID,
	}, nil
}

// decodeCoinbaseCandle decodes one element of the REST candles response:
// a six-number array [epoch_sec, low, high, open, close, volume].
func decodeCoinbaseCandle(env domain.RawEnvelope) (domain.Candle, error) {
	var w []float64
	if err := json.Unmarshal(env.Payload, &w); err != nil {
		return domain.Candle{}, malformed(ReasonBadPayload, "", "decoding coinbase candle: %v", err)
	}
	if len(w) != 6 {
		return domain.Candle{}, malformed(ReasonBadPayload, "", "coinbase candle has %d elements, want 6", len(w))
	}
	bucket := time.Unix(int64(w[0]), 0).UTC()
	return domain.Candle{
		Provider:    env.Provider,
		Symbol:      env.Symbol,
		Granularity: env.Granularity,
		BucketStart: domain.AlignBucket(bucket, env.Granularity),
		Low:         w[1],
		High:        w[2],
		Open:        w[3],
		Close:       w[4],
		Volume:      w[5],
		Complete:    true,
		CorrID:      env.CorrID,
	}, nil
}

// ---------------------------------------------------------------------------
// Field parsing
// ---------------------------------------------------------------------------

func parseDecimal(s, field string) (float64, error) {
	if s == "" {
		return 0, malformed(ReasonMissingField, field, "empty %s", field)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, malformed(ReasonBadPayload, field, "parsing %s %q: %v", field, s, err)
	}
	return f, nil
}

func parseRFC3339(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, malformed(ReasonMissingField, "time", "empty timestamp")
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, malformed(ReasonBadTimestamp, "time", "parsing timestamp %q: %v", s, err)
	}
	return ts.UTC(), nil
}
