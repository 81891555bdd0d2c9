// Package openmeteo fetches historical growing-season weather from the
// Open-Meteo archive API and reduces it into per-vintage analyses.
package openmeteo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/aristath/cellar/internal/clientdata"
	"github.com/aristath/cellar/internal/config"
)

// ExplanationRecorder captures why a fetch degraded or failed, so that a
// user-facing surface can show provenance for missing or fallback data.
// Implementations must tolerate best-effort writes.
type ExplanationRecorder interface {
	Record(entityType, entityID, summary string, factors []string) error
}

// Client for the Open-Meteo geocoding and archive APIs.
type Client struct {
	cfg      config.OpenMeteoConfig
	disabled bool
	client   *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	cache    *clientdata.Repository
	explain  ExplanationRecorder
	log      zerolog.Logger

	mu     sync.Mutex
	coords map[string][2]float64 // region -> lat, lon
}

// NewClient creates a new Open-Meteo client.
// cache is optional; explain is optional.
func NewClient(cfg config.OpenMeteoConfig, disableExternalCalls bool, cache *clientdata.Repository, explain ExplanationRecorder, log zerolog.Logger) *Client {
	perSecond := float64(cfg.RateLimit.MaxRequests) / (float64(cfg.RateLimit.WindowMs) / 1000.0)
	if perSecond <= 0 {
		perSecond = 1
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "openmeteo",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		cfg:      cfg,
		disabled: disableExternalCalls,
		client:   &http.Client{Timeout: 15 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(perSecond), cfg.RateLimit.MaxRequests),
		breaker:  breaker,
		cache:    cache,
		explain:  explain,
		log:      log.With().Str("client", "openmeteo").Logger(),
		coords:   make(map[string][2]float64),
	}
}

// FetchWeather returns the processed growing-season analysis for a vintage.
// Lookup order: fresh persistent cache for the vineyard alias (or region),
// then the upstream API with retries, then any fresh regional entry as a
// fallback. Returns nil without error when nothing could be obtained; the
// reason is recorded as an explanation.
func (c *Client) FetchWeather(ctx context.Context, region string, year int, vineyardAlias string) (*Analysis, error) {
	keyed := region
	if vineyardAlias != "" {
		keyed = vineyardAlias
	}
	entityID := fmt.Sprintf("%s:%d", keyed, year)

	if a := c.cachedAnalysis(keyed, year); a != nil {
		c.log.Debug().Str("key", clientdata.WeatherKey(keyed, year)).Msg("Cache hit")
		return a, nil
	}

	if c.disabled {
		if a := c.regionalFallback(region, year); a != nil {
			c.recordExplanation(entityID,
				"External calls disabled; served regional weather instead of vineyard-specific data",
				[]string{"regional_cache_fallback", "external_disabled"})
			return a, nil
		}
		c.recordExplanation(entityID,
			"External calls disabled and no cached weather available",
			[]string{"external_disabled"})
		return nil, nil
	}

	analysis, err := c.fetchAndProcess(ctx, region, year, vineyardAlias)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Warn().Err(err).Str("region", region).Int("year", year).Msg("Weather fetch failed")

		if a := c.regionalFallback(region, year); a != nil {
			c.recordExplanation(entityID,
				"Provider unavailable; served regional weather instead of vineyard-specific data",
				[]string{"regional_cache_fallback"})
			return a, nil
		}
		c.recordExplanation(entityID,
			fmt.Sprintf("Weather provider failed after %d attempts: %v", c.cfg.Retry.Attempts, err),
			[]string{"api_error"})
		return nil, nil
	}

	if c.cache != nil {
		if err := c.cache.StoreWeather(region, year, vineyardAlias, analysis, clientdata.TTLWeather); err != nil {
			c.log.Warn().Err(err).Str("region", region).Int("year", year).Msg("Failed to persist weather analysis")
		}
	}

	c.log.Info().
		Str("region", region).
		Int("year", year).
		Float64("gdd", analysis.GDD).
		Float64("score", analysis.OverallScore).
		Str("confidence", string(analysis.Confidence)).
		Msg("Fetched vintage weather")

	return analysis, nil
}

// cachedAnalysis returns the fresh persisted analysis for the exact key.
func (c *Client) cachedAnalysis(keyed string, year int) *Analysis {
	if c.cache == nil {
		return nil
	}
	data, err := c.cache.GetWeatherIfFresh(keyed, year)
	if err != nil || data == nil {
		return nil
	}
	var a Analysis
	if err := json.Unmarshal(data, &a); err != nil {
		return nil
	}
	return &a
}

// regionalFallback returns any fresh analysis for the region itself,
// ignoring vineyard aliases.
func (c *Client) regionalFallback(region string, year int) *Analysis {
	if c.cache == nil {
		return nil
	}
	data, err := c.cache.GetRegionalWeather(region, year)
	if err != nil || data == nil {
		return nil
	}
	var a Analysis
	if err := json.Unmarshal(data, &a); err != nil {
		return nil
	}
	return &a
}

func (c *Client) fetchAndProcess(ctx context.Context, region string, year int, alias string) (*Analysis, error) {
	lat, lon, err := c.geocode(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("geocoding %q: %w", region, err)
	}

	start, end := growingSeason(year, lat)

	params := url.Values{}
	params.Set("latitude", fmt.Sprintf("%.4f", lat))
	params.Set("longitude", fmt.Sprintf("%.4f", lon))
	params.Set("start_date", start.Format("2006-01-02"))
	params.Set("end_date", end.Format("2006-01-02"))
	params.Set("daily", "temperature_2m_max,temperature_2m_min,temperature_2m_mean,precipitation_sum,sunshine_duration")
	params.Set("timezone", "UTC")

	var raw archiveResponse
	if err := c.getJSON(ctx, c.cfg.BaseURL+"?"+params.Encode(), &raw); err != nil {
		return nil, err
	}

	expectedDays := int(end.Sub(start).Hours()/24) + 1
	analysis := processDaily(region, year, alias, &raw, expectedDays)
	if analysis == nil {
		return nil, fmt.Errorf("empty daily series for %s %d", region, year)
	}
	return analysis, nil
}

// geocode resolves a region name to coordinates, memoized per process.
func (c *Client) geocode(ctx context.Context, region string) (float64, float64, error) {
	c.mu.Lock()
	if ll, ok := c.coords[region]; ok {
		c.mu.Unlock()
		return ll[0], ll[1], nil
	}
	c.mu.Unlock()

	params := url.Values{}
	params.Set("name", region)
	params.Set("count", "1")

	var resp geocodingResponse
	if err := c.getJSON(ctx, c.cfg.GeocodingURL+"?"+params.Encode(), &resp); err != nil {
		return 0, 0, err
	}
	if len(resp.Results) == 0 {
		return 0, 0, fmt.Errorf("no geocoding result for %q", region)
	}

	r := resp.Results[0]
	c.mu.Lock()
	c.coords[region] = [2]float64{r.Latitude, r.Longitude}
	c.mu.Unlock()

	return r.Latitude, r.Longitude, nil
}

// transientError marks a failure worth retrying (throttling, server side
// errors, network failures).
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// getJSON performs a GET with rate limiting, circuit breaking and retries
// with exponential backoff. Only transient failures are retried, up to
// Retry.Attempts times after the initial call.
func (c *Client) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	retries := c.cfg.Retry.Attempts
	if retries < 0 {
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := c.sleepBackoff(ctx, attempt-1); err != nil {
				return err
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		body, err := c.breaker.Execute(func() (interface{}, error) {
			return c.doGet(ctx, rawURL)
		})
		if err == nil {
			return json.Unmarshal(body.([]byte), out)
		}

		var transient *transientError
		if !errors.As(err, &transient) && !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("all %d calls failed: %w", retries+1, lastErr)
}

func (c *Client) doGet(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &transientError{err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transientError{err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &transientError{err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
}

// sleepBackoff waits initialDelay * factor^attempt, with optional +/-25%
// jitter, honoring context cancellation.
func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	delay := float64(c.cfg.Retry.InitialDelayMs) * math.Pow(c.cfg.Retry.BackoffFactor, float64(attempt))
	if c.cfg.Retry.Jitter {
		delay *= 0.75 + rand.Float64()*0.5
	}

	timer := time.NewTimer(time.Duration(delay) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) recordExplanation(entityID, summary string, factors []string) {
	if c.explain == nil {
		return
	}
	if err := c.explain.Record("weather", entityID, summary, factors); err != nil {
		c.log.Warn().Err(err).Str("entity", entityID).Msg("Failed to record explanation")
	}
}
