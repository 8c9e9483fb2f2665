// Copyright (c) 2025 Neomantra Corp

package historydb

import (
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/valyala/fastjson"

	backtest "github.com/tradeforge/perpbacktest"
)

// maxKlinesPerRequest is the page size the kline endpoint allows.
const maxKlinesPerRequest = 1000

// HTTPCandleProvider loads OHLCV and funding history over a
// Binance-futures-shaped REST API, with retry/backoff on transient
// failures. It satisfies the same provider contract as the DuckDB store,
// so the two compose (fetch once over HTTP, cache in DuckDB).
type HTTPCandleProvider struct {
	BaseURL string
	client  *retryablehttp.Client
}

// NewHTTPCandleProvider builds a provider against baseURL (e.g.
// "https://fapi.binance.com"). Logging from the retry internals is
// discarded; the caller owns user-facing logs.
func NewHTTPCandleProvider(baseURL string) *HTTPCandleProvider {
	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil
	return &HTTPCandleProvider{BaseURL: baseURL, client: client}
}

// LoadOHLCV implements feed.OHLCVProvider, paging through the kline
// endpoint until the window is covered.
func (p *HTTPCandleProvider) LoadOHLCV(symbol string, tf backtest.Timeframe, start, end time.Time) ([]backtest.Bar, error) {
	mins, ok := tf.Minutes()
	if !ok {
		return nil, fmt.Errorf("%w: %q", backtest.ErrInvalidTimeframe, tf)
	}
	dur := time.Duration(mins) * time.Minute

	var bars []backtest.Bar
	cursor := start.UnixMilli()
	endMs := end.UnixMilli()
	for cursor < endMs {
		page, err := p.fetchKlines(symbol, string(tf), cursor, endMs)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, k := range page {
			ts := time.UnixMilli(k.tsOpenMs).UTC()
			bars = append(bars, backtest.Bar{
				Symbol: symbol, TF: tf,
				TsOpen: ts, TsClose: ts.Add(dur),
				Open: k.open, High: k.high, Low: k.low, Close: k.close, Volume: k.volume,
			})
		}
		cursor = page[len(page)-1].tsOpenMs + int64(mins)*60_000
	}
	if len(bars) == 0 {
		return nil, &backtest.DataError{
			Kind: backtest.ErrGappedOHLCV, Symbol: symbol, TF: string(tf),
			Detail: fmt.Sprintf("endpoint returned no candles in [%s, %s)", start, end),
		}
	}
	if err := validateBars(symbol, tf, bars); err != nil {
		return nil, err
	}
	return bars, nil
}

// LoadFunding implements FundingLoader over the funding-rate endpoint.
func (p *HTTPCandleProvider) LoadFunding(symbol string, start, end time.Time) ([]FundingEvent, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("startTime", fmt.Sprintf("%d", start.UnixMilli()))
	query.Set("endTime", fmt.Sprintf("%d", end.UnixMilli()))
	query.Set("limit", fmt.Sprintf("%d", maxKlinesPerRequest))

	body, err := p.get("/fapi/v1/fundingRate", query)
	if err != nil {
		return nil, err
	}
	events, err := parseFundingBody(body)
	if err != nil {
		return nil, err
	}
	sortEvents(events)
	return events, nil
}

type kline struct {
	tsOpenMs                       int64
	open, high, low, close, volume float64
}

func (p *HTTPCandleProvider) fetchKlines(symbol, interval string, startMs, endMs int64) ([]kline, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("interval", interval)
	query.Set("startTime", fmt.Sprintf("%d", startMs))
	query.Set("endTime", fmt.Sprintf("%d", endMs))
	query.Set("limit", fmt.Sprintf("%d", maxKlinesPerRequest))

	body, err := p.get("/fapi/v1/klines", query)
	if err != nil {
		return nil, err
	}
	return parseKlineBody(body)
}

func (p *HTTPCandleProvider) get(path string, query url.Values) ([]byte, error) {
	apiURL, err := url.Parse(p.BaseURL + path)
	if err != nil {
		return nil, err
	}
	apiURL.RawQuery = query.Encode()

	resp, err := p.client.Get(apiURL.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, string(body))
	}
	return body, nil
}

// parseKlineBody decodes the kline array-of-arrays response:
// [[openTime, "open", "high", "low", "close", "volume", closeTime, ...], ...]
func parseKlineBody(body []byte) ([]kline, error) {
	var parser fastjson.Parser
	v, err := parser.ParseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("malformed kline response: %w", err)
	}
	rows, err := v.Array()
	if err != nil {
		return nil, fmt.Errorf("kline response is not an array: %w", err)
	}
	out := make([]kline, 0, len(rows))
	for i, row := range rows {
		cols, err := row.Array()
		if err != nil || len(cols) < 6 {
			return nil, fmt.Errorf("kline row %d malformed", i)
		}
		k := kline{tsOpenMs: cols[0].GetInt64()}
		for j, dst := range []*float64{&k.open, &k.high, &k.low, &k.close, &k.volume} {
			f, err := numericField(cols[j+1])
			if err != nil {
				return nil, fmt.Errorf("kline row %d col %d: %w", i, j+1, err)
			}
			*dst = f
		}
		out = append(out, k)
	}
	return out, nil
}

// parseFundingBody decodes [{"fundingTime": ..., "fundingRate": "..."} ...].
func parseFundingBody(body []byte) ([]FundingEvent, error) {
	var parser fastjson.Parser
	v, err := parser.ParseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("malformed funding response: %w", err)
	}
	rows, err := v.Array()
	if err != nil {
		return nil, fmt.Errorf("funding response is not an array: %w", err)
	}
	out := make([]FundingEvent, 0, len(rows))
	for i, row := range rows {
		rate, err := numericField(row.Get("fundingRate"))
		if err != nil {
			return nil, fmt.Errorf("funding row %d: %w", i, err)
		}
		out = append(out, FundingEvent{TsMs: row.GetInt64("fundingTime"), Rate: rate})
	}
	return out, nil
}

// numericField reads a JSON value that may be a number or a
// string-wrapped number, the way exchange REST APIs quote decimals.
func numericField(v *fastjson.Value) (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("missing numeric field")
	}
	switch v.Type() {
	case fastjson.TypeNumber:
		return v.Float64()
	case fastjson.TypeString:
		b, _ := v.StringBytes()
		var f float64
		if _, err := fmt.Sscanf(string(b), "%g", &f); err != nil {
			return 0, fmt.Errorf("not a number: %q", b)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unexpected json type %s", v.Type())
	}
}
