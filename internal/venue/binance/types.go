package binance

import "encoding/json"

// Wire-level payloads for the Binance USDⓈ-M futures REST API. Only the
// fields the engine reads are declared; the rest of each payload is ignored.

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type orderResponse struct {
	OrderID       int64   `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	PositionSide  string  `json:"positionSide"`
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	Price         float64 `json:"price,string"`
	StopPrice     float64 `json:"stopPrice,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	ReduceOnly    bool    `json:"reduceOnly"`
	UpdateTime    int64   `json:"updateTime"`
}

type positionRisk struct {
	Symbol       string  `json:"symbol"`
	PositionAmt  float64 `json:"positionAmt,string"`
	EntryPrice   float64 `json:"entryPrice,string"`
	MarkPrice    float64 `json:"markPrice,string"`
	PositionSide string  `json:"positionSide"` // BOTH, LONG, SHORT
	Leverage     float64 `json:"leverage,string"`
}

type tickerPrice struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price,string"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

type positionModeResponse struct {
	DualSidePosition bool `json:"dualSidePosition"`
}

type exchangeInfo struct {
	Symbols []exchangeSymbol `json:"symbols"`
}

type exchangeSymbol struct {
	Symbol            string           `json:"symbol"`
	Status            string           `json:"status"`
	PricePrecision    int              `json:"pricePrecision"`
	QuantityPrecision int              `json:"quantityPrecision"`
	Filters           []exchangeFilter `json:"filters"`
}

type exchangeFilter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize"`
	StepSize    string `json:"stepSize"`
	MinNotional string `json:"notional"`
}

// Account stream events. Binance uses single-letter JSON keys on the user
// data stream.

type streamEnvelope struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

type streamOrderUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol        string  `json:"s"`
		ClientOrderID string  `json:"c"`
		Side          string  `json:"S"`
		Type          string  `json:"o"`
		OrigQty       float64 `json:"q,string"`
		Price         float64 `json:"p,string"`
		AvgPrice      float64 `json:"ap,string"`
		StopPrice     float64 `json:"sp,string"`
		ExecutionType string  `json:"x"`
		Status        string  `json:"X"`
		OrderID       int64   `json:"i"`
		FilledQty     float64 `json:"z,string"`
		IsReduceOnly  bool    `json:"R"`
		PositionSide  string  `json:"ps"`
		RealizedPnL   float64 `json:"rp,string"`
	} `json:"o"`
}

type streamAccountUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Data      struct {
		Reason   string `json:"m"`
		Balances []struct {
			Asset         string  `json:"a"`
			WalletBalance float64 `json:"wb,string"`
		} `json:"B"`
		Positions []struct {
			Symbol       string  `json:"s"`
			PositionAmt  float64 `json:"pa,string"`
			EntryPrice   float64 `json:"ep,string"`
			PositionSide string  `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

// Market stream aggregate trade payload, used by the tick feed.
type streamAggTrade struct {
	EventType string  `json:"e"`
	EventTime int64   `json:"E"`
	Symbol    string  `json:"s"`
	Price     float64 `json:"p,string"`
	TradeTime int64   `json:"T"`
}

type combinedStreamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}
