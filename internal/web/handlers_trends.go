package web

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/Laisky/research-aggregator/internal/library/querylog"
	"github.com/Laisky/research-aggregator/library/search"
)

const (
	maxTrendKeywords   = 5
	trendLimit         = 100
	defaultTimeframe   = "12m"
	defaultGeo         = "US"
	defaultHistoryDays = 365
	maxHistoryDays     = 3650
)

// analyzeTrends aggregates every registered trend provider once per keyword.
func (s *Server) analyzeTrends(ctx *gin.Context) {
	started := s.clock()
	var req TrendsRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, "invalid request body: %v", err)
		return
	}

	keywords := make([]string, 0, len(req.Keywords))
	seen := make(map[string]struct{}, len(req.Keywords))
	for _, raw := range req.Keywords {
		keyword := strings.TrimSpace(raw)
		if keyword == "" {
			continue
		}
		if _, dup := seen[strings.ToLower(keyword)]; dup {
			continue
		}
		seen[strings.ToLower(keyword)] = struct{}{}
		keywords = append(keywords, keyword)
	}
	switch {
	case len(keywords) == 0:
		badRequest(ctx, "at least one keyword is required")
		return
	case len(keywords) > maxTrendKeywords:
		badRequest(ctx, "at most %d keywords are allowed, got %d", maxTrendKeywords, len(keywords))
		return
	}
	if req.Timeframe = strings.TrimSpace(req.Timeframe); req.Timeframe == "" {
		req.Timeframe = defaultTimeframe
	}
	if req.Geo = strings.ToUpper(strings.TrimSpace(req.Geo)); req.Geo == "" {
		req.Geo = defaultGeo
	}

	providers := s.aggregator.ProvidersOfKind(search.KindTrend)
	if len(providers) == 0 {
		ctx.AbortWithStatusJSON(http.StatusServiceUnavailable, errorResponse{Error: "no trend provider is configured"})
		return
	}

	resp := TrendsResponse{
		Keywords:  keywords,
		Timeframe: req.Timeframe,
		Geo:       req.Geo,
		Data:      make(map[string][]TrendPoint, len(keywords)),
		Statuses:  make(map[string]map[string]search.ProviderStatus, len(keywords)),
	}

	var mu sync.Mutex
	pool, gctx := errgroup.WithContext(ctx)
	for _, keyword := range keywords {
		pool.Go(func() error {
			result, err := s.aggregator.Aggregate(gctx, search.Query{
				Text:      keyword,
				Providers: providers,
				Limit:     trendLimit,
				Modifiers: search.Modifiers{Timeframe: req.Timeframe, Geo: req.Geo},
			})
			if err != nil {
				return err
			}

			s.logQuery(ctx, querylog.ModeTrends, result, started)
			mu.Lock()
			resp.Data[keyword] = trendPoints(result.Records)
			resp.Statuses[keyword] = result.Statuses
			mu.Unlock()
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		s.abortWithError(ctx, err)
		return
	}

	resp.GeneratedAt = s.clock()
	ctx.JSON(http.StatusOK, resp)
}

// historicalTrends lists persisted trend points of keyword within the last days.
func (s *Server) historicalTrends(ctx *gin.Context) {
	if s.records == nil {
		ctx.AbortWithStatusJSON(http.StatusServiceUnavailable, errorResponse{Error: "record store is not configured"})
		return
	}

	keyword := strings.TrimSpace(ctx.Param("keyword"))
	if keyword == "" {
		badRequest(ctx, "keyword cannot be empty")
		return
	}

	days := defaultHistoryDays
	if raw := ctx.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxHistoryDays {
			badRequest(ctx, "days must be an integer between 1 and %d", maxHistoryDays)
			return
		}
		days = parsed
	}

	to := s.clock()
	from := to.Add(-time.Duration(days) * 24 * time.Hour)
	history, err := s.records.TrendHistory(ctx, keyword, from, to)
	if err != nil {
		s.abortWithError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, HistoricalTrendsResponse{
		Keyword: keyword,
		Period:  fmt.Sprintf("%d days", days),
		Data:    trendPoints(history),
	})
}
