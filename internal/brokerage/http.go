package brokerage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// HTTPConfig configures the live brokerage implementation's base URLs and
// transport timeout.
type HTTPConfig struct {
	BaseURL       string
	DataURL       string
	StreamURL     string
	RequestTimeout time.Duration
}

// HTTPFactory builds HTTPClient instances bound to a fixed base
// configuration, varying only by credentials.
type HTTPFactory struct {
	Config HTTPConfig
}

func NewHTTPFactory(cfg HTTPConfig) *HTTPFactory {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &HTTPFactory{Config: cfg}
}

func (f *HTTPFactory) NewClient(creds Credentials) Client {
	return &HTTPClient{
		cfg:   f.Config,
		creds: creds,
		http:  &http.Client{Timeout: f.Config.RequestTimeout},
	}
}

// HTTPClient implements Client against a REST+WebSocket brokerage API. It
// holds no mutable connection state beyond the websocket handle created by
// Stream, which internal/ingress is responsible for lifecycle-managing.
type HTTPClient struct {
	cfg   HTTPConfig
	creds Credentials
	http  *http.Client
	conn  *websocket.Conn
}

func (c *HTTPClient) authHeaders(req *http.Request) {
	req.Header.Set("APCA-API-KEY-ID", c.creds.APIKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.creds.SecretKey)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, fullURL string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("transient upstream network error: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("brokerage request failed (status %d): %s", resp.StatusCode, string(respBody))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

type accountPayload struct {
	Equity      string `json:"equity"`
	Cash        string `json:"cash"`
	BuyingPower string `json:"buying_power"`
}

func (c *HTTPClient) GetAccount(ctx context.Context) (Account, error) {
	var p accountPayload
	if err := c.doJSON(ctx, http.MethodGet, c.cfg.BaseURL+"/v2/account", nil, &p); err != nil {
		return Account{}, err
	}
	return Account{
		Equity:      parseFloat(p.Equity),
		Cash:        parseFloat(p.Cash),
		BuyingPower: parseFloat(p.BuyingPower),
	}, nil
}

type positionPayload struct {
	Symbol string `json:"symbol"`
	Qty    string `json:"qty"`
}

func (c *HTTPClient) GetOpenPosition(ctx context.Context, symbol string) (Position, error) {
	var p positionPayload
	err := c.doJSON(ctx, http.MethodGet, c.cfg.BaseURL+"/v2/positions/"+url.PathEscape(symbol), nil, &p)
	if err != nil {
		// A missing position (404) is a normal, zero-qty result, never an
		// error the caller needs to react to; other failures are returned.
		if strings.Contains(err.Error(), "(status 404)") {
			return Position{Symbol: symbol, Qty: 0}, nil
		}
		return Position{}, err
	}
	return Position{Symbol: symbol, Qty: parseFloat(p.Qty)}, nil
}

type assetPayload struct {
	Symbol       string `json:"symbol"`
	Fractionable bool   `json:"fractionable"`
}

func (c *HTTPClient) GetAsset(ctx context.Context, symbol string) (Asset, error) {
	var p assetPayload
	if err := c.doJSON(ctx, http.MethodGet, c.cfg.BaseURL+"/v2/assets/"+url.PathEscape(symbol), nil, &p); err != nil {
		return Asset{}, err
	}
	return Asset{Symbol: p.Symbol, Fractionable: p.Fractionable}, nil
}

type orderPayload struct {
	Symbol      string  `json:"symbol"`
	Qty         string  `json:"qty"`
	Side        string  `json:"side"`
	Type        string  `json:"type"`
	TimeInForce string  `json:"time_in_force"`
	LimitPrice  *string `json:"limit_price,omitempty"`
	StopPrice   *string `json:"stop_price,omitempty"`
}

type orderResultPayload struct {
	ID             string `json:"id"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
	Status         string `json:"status"`
}

func (c *HTTPClient) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	payload := orderPayload{
		Symbol:      req.Symbol,
		Qty:         formatFloat(req.Qty),
		Side:        string(req.Side),
		Type:        string(req.Type),
		TimeInForce: string(req.TimeInForce),
	}
	if req.LimitPrice != nil {
		v := formatFloat(*req.LimitPrice)
		payload.LimitPrice = &v
	}
	if req.StopPrice != nil {
		v := formatFloat(*req.StopPrice)
		payload.StopPrice = &v
	}

	var p orderResultPayload
	if err := c.doJSON(ctx, http.MethodPost, c.cfg.BaseURL+"/v2/orders", payload, &p); err != nil {
		return OrderResult{}, err
	}
	return OrderResult{
		OrderID:     p.ID,
		FilledQty:   parseFloat(p.FilledQty),
		FilledPrice: parseFloat(p.FilledAvgPrice),
		Status:      p.Status,
	}, nil
}

type quotePayload struct {
	Quote struct {
		BidPrice float64 `json:"bp"`
		AskPrice float64 `json:"ap"`
	} `json:"quote"`
}

func (c *HTTPClient) GetLatestQuote(ctx context.Context, symbol string) (Quote, error) {
	var p quotePayload
	if err := c.doJSON(ctx, http.MethodGet, c.cfg.DataURL+"/v2/stocks/"+url.PathEscape(symbol)+"/quotes/latest", nil, &p); err != nil {
		return Quote{}, err
	}
	return Quote{Bid: p.Quote.BidPrice, Ask: p.Quote.AskPrice}, nil
}

// Stream dials the brokerage's trade-update websocket and authenticates.
// It returns a channel of parsed updates; the channel closes when the
// connection drops or ctx is canceled. internal/ingress owns reconnection.
func (c *HTTPClient) Stream(ctx context.Context) (<-chan TradeUpdate, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.StreamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	c.conn = conn

	auth := map[string]any{
		"action": "auth",
		"key":    c.creds.APIKey,
		"secret": c.creds.SecretKey,
	}
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return nil, fmt.Errorf("authenticate stream: %w", err)
	}

	out := make(chan TradeUpdate)
	go c.readLoop(ctx, conn, out)
	return out, nil
}

func (c *HTTPClient) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- TradeUpdate) {
	defer close(out)
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var raw tradeUpdateWire
		if err := conn.ReadJSON(&raw); err != nil {
			return
		}
		update, ok := raw.toTradeUpdate()
		if !ok {
			continue
		}
		select {
		case out <- update:
		case <-ctx.Done():
			return
		}
	}
}

func (c *HTTPClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

type tradeUpdateWire struct {
	Event string `json:"event"`
	Order struct {
		ID             string  `json:"id"`
		Symbol         string  `json:"symbol"`
		Side           string  `json:"side"`
		Type           string  `json:"type"`
		Qty            string  `json:"qty"`
		FilledQty      string  `json:"filled_qty"`
		FilledAvgPrice string  `json:"filled_avg_price"`
		LimitPrice     *string `json:"limit_price"`
		StopPrice      *string `json:"stop_price"`
		Status         string  `json:"status"`
	} `json:"order"`
	Timestamp time.Time `json:"timestamp"`
}

func (w tradeUpdateWire) toTradeUpdate() (TradeUpdate, bool) {
	if w.Order.ID == "" {
		return TradeUpdate{}, false
	}
	u := TradeUpdate{
		Event:          w.Event,
		OrderID:        w.Order.ID,
		Symbol:         w.Order.Symbol,
		Side:           Side(w.Order.Side),
		Type:           OrderType(w.Order.Type),
		Qty:            parseFloat(w.Order.Qty),
		FilledQty:      parseFloat(w.Order.FilledQty),
		FilledAvgPrice: parseFloat(w.Order.FilledAvgPrice),
		Status:         w.Order.Status,
		Timestamp:      w.Timestamp,
	}
	if w.Order.LimitPrice != nil {
		v := parseFloat(*w.Order.LimitPrice)
		u.LimitPrice = &v
	}
	if w.Order.StopPrice != nil {
		v := parseFloat(*w.Order.StopPrice)
		u.StopPrice = &v
	}
	return u, true
}
