package server

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5"

	"github.com/quantrails/strikeline/internal/domain"
	"github.com/quantrails/strikeline/internal/fo"
	"github.com/quantrails/strikeline/internal/payoff"
	"github.com/quantrails/strikeline/internal/utils"
)

// defaultQueryTimeframe is used when the request does not name one.
const defaultQueryTimeframe = "1min"

func (s *Server) handleStrikes(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		s.writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	timeframe := queryDefault(r, "timeframe", defaultQueryTimeframe)
	expiries := utils.ParseCSV(r.URL.Query().Get("expiries"))
	from, to, err := parseRange(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := s.foRepo.FetchStrikeRows(r.Context(), symbol, timeframe, expiries, from, to)
	if err != nil {
		s.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to fetch strike rows")
		s.writeError(w, http.StatusInternalServerError, "failed to fetch strike history")
		return
	}
	if rows == nil {
		rows = []fo.StrikeRow{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":    symbol,
		"timeframe": timeframe,
		"rows":      rows,
	})
}

func (s *Server) handleExpiryMetrics(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		s.writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	timeframe := queryDefault(r, "timeframe", defaultQueryTimeframe)
	expiries := utils.ParseCSV(r.URL.Query().Get("expiries"))
	from, to, err := parseRange(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := s.foRepo.FetchExpiryMetrics(r.Context(), symbol, timeframe, expiries, from, to)
	if err != nil {
		s.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to fetch expiry metrics")
		s.writeError(w, http.StatusInternalServerError, "failed to fetch expiry metrics")
		return
	}
	if rows == nil {
		rows = []fo.ExpiryMetricsRow{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":    symbol,
		"timeframe": timeframe,
		"rows":      rows,
	})
}

func (s *Server) handleExpiries(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	var expiries []string
	var err error
	if limit := r.URL.Query().Get("next"); limit != "" {
		n, convErr := strconv.Atoi(limit)
		if convErr != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "next must be a positive integer")
			return
		}
		expiries, err = s.foRepo.GetNextExpiries(r.Context(), symbol, n)
	} else {
		expiries, err = s.foRepo.ListExpiries(r.Context(), symbol)
	}
	if err != nil {
		s.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to fetch expiries")
		s.writeError(w, http.StatusInternalServerError, "failed to fetch expiries")
		return
	}
	if expiries == nil {
		expiries = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":   symbol,
		"expiries": expiries,
	})
}

func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	timeframe := queryDefault(r, "timeframe", defaultQueryTimeframe)
	from, to, err := parseRange(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}

	bars, err := s.foRepo.FetchUnderlyingBars(r.Context(), symbol, timeframe, from, to, limit)
	if err != nil {
		s.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to fetch bars")
		s.writeError(w, http.StatusInternalServerError, "failed to fetch bars")
		return
	}
	if bars == nil {
		bars = []fo.UnderlyingBarRow{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":    symbol,
		"timeframe": timeframe,
		"bars":      bars,
	})
}

func (s *Server) handleIndicator(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	indicator := r.URL.Query().Get("indicator")
	if indicator == "" {
		s.writeError(w, http.StatusBadRequest, "indicator is required")
		return
	}
	timeframe := queryDefault(r, "timeframe", defaultQueryTimeframe)
	lookback := 0
	if raw := r.URL.Query().Get("lookback"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "lookback must be an integer")
			return
		}
		lookback = n
	}

	value, err := s.indicators.Value(r.Context(), symbol, indicator, timeframe, lookback)
	if err != nil {
		s.log.Debug().Err(err).Str("symbol", symbol).Str("indicator", indicator).Msg("Indicator computation failed")
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":    symbol,
		"indicator": indicator,
		"timeframe": timeframe,
		"value":     value,
	})
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		s.writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	if s.broker == nil {
		s.writeError(w, http.StatusServiceUnavailable, "broker gateway not configured")
		return
	}

	quote, err := s.broker.GetQuote(r.Context(), symbol)
	if err != nil {
		s.log.Debug().Err(err).Str("symbol", symbol).Msg("Quote fetch failed")
		s.writeError(w, http.StatusBadGateway, "failed to fetch quote")
		return
	}
	s.writeJSON(w, http.StatusOK, quote)
}

// handleGreeks serves the averaged greeks of the most recent rolled-up bucket
// for one option instrument. The instrument symbol carries the underlying, the
// strike as the trailing digits, and a CE/PE suffix; explicit strike and type
// query parameters override the parse.
func (s *Server) handleGreeks(w http.ResponseWriter, r *http.Request) {
	instrument := chi.URLParam(r, "symbol")

	underlying, strike, optType, ok := parseOptionSymbol(instrument)
	if raw := r.URL.Query().Get("strike"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "strike must be numeric")
			return
		}
		underlying, strike, ok = instrument, v, true
	}
	if raw := r.URL.Query().Get("type"); raw != "" {
		optType = strings.ToUpper(raw)
	}
	if !ok || (optType != "CE" && optType != "PE") {
		s.writeError(w, http.StatusBadRequest, "cannot resolve strike and option type from symbol")
		return
	}

	timeframe := queryDefault(r, "timeframe", defaultQueryTimeframe)
	expiry := r.URL.Query().Get("expiry")
	if expiry == "" {
		next, err := s.foRepo.GetNextExpiries(r.Context(), underlying, 1)
		if err != nil || len(next) == 0 {
			s.writeError(w, http.StatusNotFound, "no expiries recorded for underlying")
			return
		}
		expiry = next[0]
	}

	rows, err := s.foRepo.FetchLatestStrikeRows(r.Context(), underlying, timeframe, expiry)
	if err != nil {
		s.log.Error().Err(err).Str("underlying", underlying).Msg("Failed to fetch latest strike rows")
		s.writeError(w, http.StatusInternalServerError, "failed to fetch greeks")
		return
	}

	for _, row := range rows {
		if math.Abs(row.Strike-strike) > 1e-9 {
			continue
		}
		side := row.Call
		if optType == "PE" {
			side = row.Put
		}
		if side.Count == 0 {
			break
		}
		s.writeJSON(w, http.StatusOK, domain.GreekSnapshot{
			Symbol: instrument,
			Delta:  deref(side.Delta),
			Gamma:  deref(side.Gamma),
			Theta:  deref(side.Theta),
			Vega:   deref(side.Vega),
			IV:     deref(side.IV),
		})
		return
	}
	s.writeError(w, http.StatusNotFound, "no greeks recorded for instrument")
}

// payoffRequest is the POST /api/payoff body. Either an explicit spot range
// or a centre spot with gap and width.
type payoffRequest struct {
	Legs      []payoff.Leg `json:"legs"`
	SpotRange []float64    `json:"spot_range,omitempty"`
	Spot      float64      `json:"spot,omitempty"`
	StrikeGap float64      `json:"strike_gap,omitempty"`
	RangeN    int          `json:"range_n,omitempty"`
}

func (s *Server) handlePayoff(w http.ResponseWriter, r *http.Request) {
	var req payoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	spots := req.SpotRange
	if len(spots) == 0 {
		if req.Spot <= 0 {
			s.writeError(w, http.StatusBadRequest, "spot_range or a positive spot is required")
			return
		}
		gap := req.StrikeGap
		if gap <= 0 {
			gap = s.cfg.Aggregator.StrikeGap
		}
		spots = payoff.SpotRangeAround(req.Spot, gap, req.RangeN)
	}

	result, err := payoff.Compute(req.Legs, spots)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// parseOptionSymbol splits an NFO-style option symbol into underlying, strike,
// and option type: the underlying is the leading letters, the strike the
// trailing digits before the CE/PE suffix.
func parseOptionSymbol(symbol string) (underlying string, strike float64, optType string, ok bool) {
	upper := strings.ToUpper(symbol)
	switch {
	case strings.HasSuffix(upper, "CE"):
		optType = "CE"
	case strings.HasSuffix(upper, "PE"):
		optType = "PE"
	default:
		return "", 0, "", false
	}
	body := upper[:len(upper)-2]

	end := len(body)
	start := end
	for start > 0 && unicode.IsDigit(rune(body[start-1])) {
		start--
	}
	if start == end {
		return "", 0, "", false
	}
	strike, err := strconv.ParseFloat(body[start:end], 64)
	if err != nil {
		return "", 0, "", false
	}

	head := 0
	for head < len(body) && unicode.IsLetter(rune(body[head])) {
		head++
	}
	if head == 0 {
		return "", 0, "", false
	}
	return body[:head], strike, optType, true
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func queryDefault(r *http.Request, key, fallback string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return fallback
}

// parseRange reads optional from/to epoch-second query parameters.
func parseRange(r *http.Request) (int64, int64, error) {
	parse := func(key string) (int64, error) {
		raw := r.URL.Query().Get(key)
		if raw == "" {
			return 0, nil
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return 0, errBadRange(key)
		}
		return v, nil
	}
	from, err := parse("from")
	if err != nil {
		return 0, 0, err
	}
	to, err := parse("to")
	if err != nil {
		return 0, 0, err
	}
	return from, to, nil
}

type rangeError string

func (e rangeError) Error() string { return string(e) + " must be a non-negative epoch timestamp" }

func errBadRange(key string) error { return rangeError(key) }
