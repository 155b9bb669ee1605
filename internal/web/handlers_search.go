package web

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"

	"github.com/Laisky/research-aggregator/internal/library/querylog"
	"github.com/Laisky/research-aggregator/internal/library/records"
	"github.com/Laisky/research-aggregator/library/search"
	"github.com/Laisky/research-aggregator/library/search/reddit"
)

const (
	defaultPaperLimit      = 20
	defaultDiscussionLimit = 50
	defaultHistoryLimit    = 20
)

var defaultPaperSources = []string{
	search.ProviderSemanticScholar,
	search.ProviderArxiv,
	search.ProviderPubMed,
}

// defaultSources keeps the preferred providers that are actually registered
// for kind, falling back to every registered provider of that kind.
func (s *Server) defaultSources(preferred []string, kinds ...search.RecordKind) []string {
	var registered []string
	for _, kind := range kinds {
		registered = append(registered, s.aggregator.ProvidersOfKind(kind)...)
	}
	if len(preferred) == 0 {
		return registered
	}

	available := make(map[string]struct{}, len(registered))
	for _, name := range registered {
		available[name] = struct{}{}
	}
	var selected []string
	for _, name := range preferred {
		if _, ok := available[name]; ok {
			selected = append(selected, name)
		}
	}
	if len(selected) == 0 {
		return registered
	}
	return selected
}

func (s *Server) searchPapers(ctx *gin.Context) {
	started := s.clock()
	var req SearchRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, "invalid request body: %v", err)
		return
	}
	if len(req.Sources) == 0 {
		req.Sources = s.defaultSources(defaultPaperSources, search.KindPaper)
	}
	if req.Limit == 0 {
		req.Limit = defaultPaperLimit
	}

	result, err := s.aggregator.Aggregate(ctx, search.Query{
		Text:      req.Query,
		Providers: req.Sources,
		Limit:     req.Limit,
	})
	if err != nil {
		s.abortWithError(ctx, err)
		return
	}

	s.logQuery(ctx, querylog.ModePapers, result, started)
	ctx.JSON(http.StatusOK, SearchResponse{
		Query:           result.Query.Text,
		Results:         nonNilRecords(result.Records),
		TotalCount:      len(result.Records),
		SourcesSearched: result.Order,
		Statuses:        result.Statuses,
		FromCache:       result.FromCache,
	})
}

func (s *Server) searchDiscussions(ctx *gin.Context) {
	started := s.clock()
	var req DiscussionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, "invalid request body: %v", err)
		return
	}
	if len(req.Sources) == 0 {
		req.Sources = s.defaultSources([]string{search.ProviderReddit}, search.KindDiscussion)
	}
	if req.Limit == 0 {
		req.Limit = defaultDiscussionLimit
	}
	req.SortBy = strings.ToLower(strings.TrimSpace(req.SortBy))
	if req.SortBy == "" {
		req.SortBy = "relevance"
	}
	if !reddit.SupportedSort(req.SortBy) {
		badRequest(ctx, "unsupported sort_by %q", req.SortBy)
		return
	}

	result, err := s.aggregator.Aggregate(ctx, search.Query{
		Text:      req.Query,
		Providers: req.Sources,
		Limit:     req.Limit,
		Modifiers: search.Modifiers{SortBy: req.SortBy},
	})
	if err != nil {
		s.abortWithError(ctx, err)
		return
	}

	s.logQuery(ctx, querylog.ModeDiscussions, result, started)
	ctx.JSON(http.StatusOK, DiscussionResponse{
		Query:       result.Query.Text,
		Discussions: nonNilRecords(result.Records),
		TotalCount:  len(result.Records),
		Sources:     result.Order,
		Statuses:    result.Statuses,
		FromCache:   result.FromCache,
	})
}

// discussionSentiment reads the stored sentiment of a discussion. A bare id
// is looked up as a reddit post.
func (s *Server) discussionSentiment(ctx *gin.Context) {
	if s.records == nil {
		ctx.AbortWithStatusJSON(http.StatusServiceUnavailable, errorResponse{Error: "record store is not configured"})
		return
	}

	id := strings.TrimSpace(ctx.Param("id"))
	if id == "" {
		badRequest(ctx, "discussion id cannot be empty")
		return
	}
	key := id
	if !strings.Contains(key, ":") {
		key = search.ProviderReddit + ":" + id
	}

	record, err := s.records.Get(ctx, key)
	switch {
	case errors.Is(err, records.ErrNotFound):
		ctx.AbortWithStatusJSON(http.StatusNotFound, errorResponse{Error: "discussion not found: " + id})
		return
	case err != nil:
		s.abortWithError(ctx, err)
		return
	}
	if record.Kind != search.KindDiscussion {
		ctx.AbortWithStatusJSON(http.StatusNotFound, errorResponse{Error: "discussion not found: " + id})
		return
	}

	ctx.JSON(http.StatusOK, SentimentResponse{
		DiscussionID: id,
		Sentiment:    record.Sentiment,
	})
}

func (s *Server) searchHistory(ctx *gin.Context) {
	if s.queryLog == nil {
		ctx.AbortWithStatusJSON(http.StatusServiceUnavailable, errorResponse{Error: "query log is not configured"})
		return
	}

	limit := defaultHistoryLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			badRequest(ctx, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := s.queryLog.Recent(ctx, ctx.Query("mode"), limit)
	if err != nil {
		s.abortWithError(ctx, err)
		return
	}
	if entries == nil {
		entries = []querylog.Entry{}
	}
	ctx.JSON(http.StatusOK, HistoryResponse{Entries: entries})
}

func nonNilRecords(recs []search.CanonicalRecord) []search.CanonicalRecord {
	if recs == nil {
		return []search.CanonicalRecord{}
	}
	return recs
}
