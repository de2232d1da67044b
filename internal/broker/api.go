package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rpatel-algo/fno_intraday/internal/models"
)

// RestAPI is the raw HTTP implementation of Broker. It knows the wire format
// and nothing else; rate limiting, retries and breaker live in decorators.
type RestAPI struct {
	client  *http.Client
	apiKey  string
	secret  string
	baseURL string
	timeout time.Duration
	logger  *logrus.Logger
}

const defaultTimeout = 10 * time.Second

// NewRestAPI creates a broker API client. An empty baseURL selects the
// production endpoint.
func NewRestAPI(apiKey, secret, baseURL string, logger *logrus.Logger) *RestAPI {
	if baseURL == "" {
		baseURL = "https://api.tradeconnect.in/v3"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &RestAPI{
		client:  &http.Client{Timeout: defaultTimeout},
		apiKey:  apiKey,
		secret:  secret,
		baseURL: baseURL,
		timeout: defaultTimeout,
		logger:  logger,
	}
}

// WithTimeout sets the per-call HTTP timeout.
func (a *RestAPI) WithTimeout(timeout time.Duration) *RestAPI {
	a.timeout = timeout
	a.client.Timeout = timeout
	return a
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (a *RestAPI) WithHTTPClient(c *http.Client) *RestAPI {
	if c != nil {
		a.client = c
	}
	return a
}

// ============ API response envelopes ============

type instrumentsResponse struct {
	Data []models.Instrument `json:"data"`
}

type quotesResponse struct {
	Data map[string]models.Quote `json:"data"`
}

type candlesResponse struct {
	Data struct {
		Candles []models.Candle `json:"candles"`
	} `json:"data"`
}

type orderAckResponse struct {
	Data OrderAck `json:"data"`
}

type ordersResponse struct {
	Data []Order `json:"data"`
}

type positionsResponse struct {
	Data struct {
		Net []NetPosition `json:"net"`
	} `json:"data"`
}

type marginsResponse struct {
	Data MarginEstimate `json:"data"`
}

// ============ Broker implementation ============

// GetInstruments lists all tradable instruments on an exchange.
func (a *RestAPI) GetInstruments(ctx context.Context, exchange models.Exchange) ([]models.Instrument, error) {
	endpoint := fmt.Sprintf("%s/instruments/%s", a.baseURL, exchange)
	var resp instrumentsResponse
	if err := a.makeRequest(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetQuotes fetches quotes for a set of symbols in one bulk call.
func (a *RestAPI) GetQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	if len(symbols) == 0 {
		return map[string]models.Quote{}, nil
	}
	params := url.Values{}
	for _, s := range symbols {
		params.Add("i", s)
	}
	endpoint := a.baseURL + "/quote?" + params.Encode()
	var resp quotesResponse
	if err := a.makeRequest(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetHistoricalCandles fetches OHLCV bars for an instrument token.
func (a *RestAPI) GetHistoricalCandles(ctx context.Context, token int64, interval string,
	from, to time.Time) ([]models.Candle, error) {
	if interval == "" {
		interval = "minute"
	}
	params := url.Values{}
	params.Set("from", from.Format("2006-01-02 15:04:05"))
	params.Set("to", to.Format("2006-01-02 15:04:05"))
	endpoint := fmt.Sprintf("%s/historical/%d/%s?%s", a.baseURL, token, interval, params.Encode())
	var resp candlesResponse
	if err := a.makeRequest(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Candles, nil
}

// PlaceOrder submits a regular order and returns the acknowledgement.
func (a *RestAPI) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity %d: must be > 0", req.Quantity)
	}
	if req.Symbol == "" {
		return nil, fmt.Errorf("order missing tradingsymbol")
	}
	params := url.Values{}
	params.Set("exchange", string(req.Exchange))
	params.Set("tradingsymbol", req.Symbol)
	params.Set("transaction_type", strings.ToUpper(string(req.Side)))
	params.Set("quantity", fmt.Sprintf("%d", req.Quantity))
	params.Set("product", req.Product)
	if req.Price > 0 {
		params.Set("order_type", "LIMIT")
		params.Set("price", fmt.Sprintf("%.2f", req.Price))
	} else {
		params.Set("order_type", "MARKET")
	}
	if req.Tag != "" {
		params.Set("tag", req.Tag)
	}

	endpoint := a.baseURL + "/orders/regular"
	var resp orderAckResponse
	if err := a.makeRequest(ctx, http.MethodPost, endpoint, params, &resp); err != nil {
		return nil, err
	}
	if strings.EqualFold(resp.Data.Status, "rejected") {
		return nil, fmt.Errorf("%w: order %s", ErrOrderRejected, resp.Data.OrderID)
	}
	return &resp.Data, nil
}

// GetOrders lists the day's orders.
func (a *RestAPI) GetOrders(ctx context.Context) ([]Order, error) {
	var resp ordersResponse
	if err := a.makeRequest(ctx, http.MethodGet, a.baseURL+"/orders", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetPositions lists broker-side net positions.
func (a *RestAPI) GetPositions(ctx context.Context) ([]NetPosition, error) {
	var resp positionsResponse
	if err := a.makeRequest(ctx, http.MethodGet, a.baseURL+"/portfolio/positions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Net, nil
}

// OrderMargins asks the broker to price the margin for a basket of orders.
func (a *RestAPI) OrderMargins(ctx context.Context, reqs []OrderRequest) (*MarginEstimate, error) {
	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("encoding margin request: %w", err)
	}
	endpoint := a.baseURL + "/margins/orders"

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	a.setAuthHeaders(req)

	var resp marginsResponse
	if err := a.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// ============ HTTP plumbing ============

func (a *RestAPI) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", a.apiKey, a.secret))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "fno-intraday/1.0")
}

// makeRequest performs an HTTP call with the per-call timeout and decodes the
// JSON body into response.
func (a *RestAPI) makeRequest(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var req *http.Request
	var err error
	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(callCtx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(callCtx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}
	a.setAuthHeaders(req)
	return a.do(req, response)
}

func (a *RestAPI) do(req *http.Request, response interface{}) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			a.logger.WithError(cerr).Debug("failed to close response body")
		}
	}()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, rerr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap
		if rerr != nil {
			return &APIError{Status: resp.StatusCode, Body: "failed to read error body"}
		}
		return &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
