package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"oc-futures-bot/internal/logging"
	"oc-futures-bot/internal/venue"
)

const (
	baseURL        = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"

	streamURL        = "wss://fstream.binance.com"
	testnetStreamURL = "wss://stream.binancefuture.com"

	recvWindow = "10000"

	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

// StreamBaseURL returns the market-data websocket host for the network.
func StreamBaseURL(testnet bool) string {
	if testnet {
		return testnetStreamURL
	}
	return streamURL
}

// Client is the low-level Binance futures REST client. All requests flow
// through the scheduler; responses are classified into venue errors.
type Client struct {
	apiKey    string
	secretKey string
	baseURL   string
	wsBaseURL string

	httpClient *http.Client
	sched      *Scheduler
	log        *logging.Logger
}

// ClientConfig configures one client instance.
type ClientConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
	ProxyURL  string
}

// NewClient creates a client. Keys are trimmed; stray whitespace breaks the
// request signature.
func NewClient(cfg ClientConfig, sched *Scheduler, log *logging.Logger) (*Client, error) {
	base := baseURL
	ws := streamURL
	if cfg.Testnet {
		base = testnetBaseURL
		ws = testnetStreamURL
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &Client{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		secretKey:  strings.TrimSpace(cfg.SecretKey),
		baseURL:    base,
		wsBaseURL:  ws,
		httpClient: &http.Client{Timeout: 15 * time.Second, Transport: transport},
		sched:      sched,
		log:        log.WithComponent("binance-client"),
	}, nil
}

// ---- request plumbing ----

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func buildQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter - delay/4
}

type callOpts struct {
	lane      Lane
	emergency bool
}

// do issues one request with pacing, classification and bounded retry of
// transient failures. Signed requests refresh the timestamp per attempt.
func (c *Client) do(ctx context.Context, method, endpoint string, params map[string]string, signed bool, opts callOpts) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.sched.Acquire(ctx, opts.lane, opts.emergency); err != nil {
			return nil, err
		}

		var body []byte
		err := c.sched.Run(opts.emergency, func() error {
			var err error
			body, err = c.doOnce(ctx, method, endpoint, params, signed)
			return err
		})
		if err == nil {
			return body, nil
		}
		lastErr = err

		if !venue.IsRetryable(err) || attempt == maxRetries {
			return nil, err
		}
		delay := retryDelay(attempt)
		c.log.Warn("venue request failed, retrying",
			"method", method, "endpoint", endpoint,
			"attempt", attempt+1, "delay", delay.String(), "error", err)
		if !sleepCtx(ctx, delay) {
			return nil, venue.WrapError(venue.KindTimeout, ctx.Err())
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	if params == nil {
		params = make(map[string]string)
	}
	if signed {
		params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
		params["recvWindow"] = recvWindow
	}

	query := buildQuery(params)
	if signed {
		query += "&signature=" + c.sign(query)
	}

	reqURL := c.baseURL + endpoint
	if query != "" {
		reqURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, venue.WrapError(venue.KindTransport, err)
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, venue.WrapError(venue.KindTimeout, err)
		}
		return nil, venue.WrapError(venue.KindTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, venue.WrapError(venue.KindTransport, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.classify(resp.StatusCode, body)
	}
	return body, nil
}

// classify maps an HTTP failure onto the venue error taxonomy so callers
// never parse exchange messages.
func (c *Client) classify(status int, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)

	if status == http.StatusTooManyRequests || status == http.StatusTeapot || ae.Code == -1003 {
		c.sched.Ban(parseBanUntil(ae.Msg))
		return &venue.Error{Kind: venue.KindRateLimited, Code: ae.Code, Msg: ae.Msg}
	}

	switch ae.Code {
	case -1013, -1111, -4014:
		return &venue.Error{Kind: venue.KindInvalidPrice, Code: ae.Code, Msg: ae.Msg}
	case -4164, -1100:
		return &venue.Error{Kind: venue.KindInvalidSize, Code: ae.Code, Msg: ae.Msg}
	case -4061:
		return &venue.Error{Kind: venue.KindPositionModeMismatch, Code: ae.Code, Msg: ae.Msg}
	case -2011, -2013:
		return &venue.Error{Kind: venue.KindNotFound, Code: ae.Code, Msg: ae.Msg}
	case -2014, -2015, -1022:
		return &venue.Error{Kind: venue.KindUnauthorized, Code: ae.Code, Msg: ae.Msg}
	case -1001, -1016:
		return &venue.Error{Kind: venue.KindTransport, Code: ae.Code, Msg: ae.Msg}
	case -1007:
		return &venue.Error{Kind: venue.KindTimeout, Code: ae.Code, Msg: ae.Msg}
	}

	if status >= 500 {
		return &venue.Error{Kind: venue.KindTransport, Code: ae.Code, Msg: string(body)}
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &venue.Error{Kind: venue.KindUnauthorized, Code: ae.Code, Msg: ae.Msg}
	}
	if ae.Msg == "" {
		ae.Msg = string(body)
	}
	return venue.Rejected(ae.Code, ae.Msg)
}

// parseBanUntil extracts the ban deadline from messages like
// "Way too many requests; IP banned until 1766824120342".
func parseBanUntil(msg string) time.Time {
	idx := strings.LastIndexByte(msg, ' ')
	if idx < 0 {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(strings.TrimSuffix(msg[idx+1:], "."), 10, 64)
	if err != nil {
		return time.Time{}
	}
	t := time.UnixMilli(ms)
	now := time.Now()
	if t.Before(now) || t.After(now.Add(24*time.Hour)) {
		return time.Time{}
	}
	return t
}

// ---- market data ----

func (c *Client) tickerPrice(ctx context.Context, symbol string) (float64, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/price",
		map[string]string{"symbol": symbol}, false, callOpts{lane: LaneMarketData})
	if err != nil {
		return 0, err
	}
	var tp tickerPrice
	if err := json.Unmarshal(body, &tp); err != nil {
		return 0, venue.WrapError(venue.KindTransport, err)
	}
	return tp.Price, nil
}

func (c *Client) exchangeInfo(ctx context.Context) (*exchangeInfo, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false,
		callOpts{lane: LaneMarketData})
	if err != nil {
		return nil, err
	}
	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, venue.WrapError(venue.KindTransport, err)
	}
	return &info, nil
}

// ---- trading ----

func (c *Client) placeOrder(ctx context.Context, params map[string]string, emergency bool) (*orderResponse, error) {
	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/order", params, true,
		callOpts{lane: LaneTrading, emergency: emergency})
	if err != nil {
		return nil, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, venue.WrapError(venue.KindTransport, err)
	}
	return &resp, nil
}

func (c *Client) cancelOrder(ctx context.Context, symbol string, orderID int64) error {
	_, err := c.do(ctx, http.MethodDelete, "/fapi/v1/order", map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}, true, callOpts{lane: LaneTrading})
	return err
}

func (c *Client) queryOrder(ctx context.Context, symbol string, orderID int64) (*orderResponse, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/order", map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}, true, callOpts{lane: LaneTrading})
	if err != nil {
		return nil, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, venue.WrapError(venue.KindTransport, err)
	}
	return &resp, nil
}

func (c *Client) openOrders(ctx context.Context, symbol string) ([]orderResponse, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true,
		callOpts{lane: LaneTrading})
	if err != nil {
		return nil, err
	}
	var orders []orderResponse
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, venue.WrapError(venue.KindTransport, err)
	}
	return orders, nil
}

func (c *Client) positionRisk(ctx context.Context, symbol string) ([]positionRisk, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	body, err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true,
		callOpts{lane: LaneTrading})
	if err != nil {
		return nil, err
	}
	var positions []positionRisk
	if err := json.Unmarshal(body, &positions); err != nil {
		return nil, venue.WrapError(venue.KindTransport, err)
	}
	return positions, nil
}

func (c *Client) setLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := c.do(ctx, http.MethodPost, "/fapi/v1/leverage", map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}, true, callOpts{lane: LaneTrading})
	return err
}

func (c *Client) setPositionMode(ctx context.Context, dual bool) error {
	_, err := c.do(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", map[string]string{
		"dualSidePosition": strconv.FormatBool(dual),
	}, true, callOpts{lane: LaneTrading})
	// The venue rejects a no-op mode change; treat it as already set.
	if venue.RejectionCode(err) == -4059 {
		return nil
	}
	return err
}

func (c *Client) getPositionMode(ctx context.Context) (bool, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/positionSide/dual", nil, true,
		callOpts{lane: LaneTrading})
	if err != nil {
		return false, err
	}
	var resp positionModeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, venue.WrapError(venue.KindTransport, err)
	}
	return resp.DualSidePosition, nil
}

// ---- listen key ----

func (c *Client) createListenKey(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, true,
		callOpts{lane: LaneTrading})
	if err != nil {
		return "", err
	}
	var resp listenKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", venue.WrapError(venue.KindTransport, err)
	}
	return resp.ListenKey, nil
}

func (c *Client) keepAliveListenKey(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPut, "/fapi/v1/listenKey", nil, true,
		callOpts{lane: LaneTrading, emergency: true})
	return err
}

func (c *Client) closeListenKey(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodDelete, "/fapi/v1/listenKey", nil, true,
		callOpts{lane: LaneTrading})
	return err
}
