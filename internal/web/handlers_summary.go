package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/Laisky/research-aggregator/internal/library/querylog"
	"github.com/Laisky/research-aggregator/internal/library/summary"
	"github.com/Laisky/research-aggregator/library/search"
)

const defaultSummaryLimit = 20

// prepareSummary validates the request and runs the aggregation the summary is built on.
// It writes the error response itself and returns nil on failure.
func (s *Server) prepareSummary(ctx *gin.Context) *search.AggregatedResult {
	if s.summarizer == nil {
		ctx.AbortWithStatusJSON(http.StatusServiceUnavailable, errorResponse{Error: "summary generation is not configured"})
		return nil
	}

	started := s.clock()
	var req SummaryRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, "invalid request body: %v", err)
		return nil
	}
	summaryType, err := summary.NormalizeType(req.SummaryType)
	if err != nil {
		s.abortWithError(ctx, err)
		return nil
	}
	if len(req.Sources) == 0 {
		req.Sources = s.defaultSources(nil, search.KindPaper, search.KindDiscussion)
	}
	if req.Limit == 0 {
		req.Limit = defaultSummaryLimit
	}

	result, err := s.aggregator.Aggregate(ctx, search.Query{
		Text:      req.Query,
		Providers: req.Sources,
		Limit:     req.Limit,
		Modifiers: search.Modifiers{SummaryType: summaryType, Simplify: req.ELI5Mode},
	})
	if err != nil {
		s.abortWithError(ctx, err)
		return nil
	}

	s.logQuery(ctx, querylog.ModeSummary, result, started)
	return result
}

func (s *Server) generateSummary(ctx *gin.Context) {
	result := s.prepareSummary(ctx)
	if result == nil {
		return
	}

	artifact, err := s.summarizer.Summarize(ctx, result)
	if err != nil {
		s.abortWithError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, SummaryResponse{
		Query:           artifact.Query,
		Summary:         artifact.Summary,
		Sources:         artifact.Sources,
		ConfidenceScore: artifact.Confidence,
		ELI5Version:     artifact.Simplified,
		SummaryType:     artifact.Type,
		Statuses:        result.Statuses,
		GeneratedAt:     artifact.GeneratedAt,
	})
}

// streamSummary relays summary fragments as server-sent events.
// The stream ends with a done event, or with an error event when generation fails.
func (s *Server) streamSummary(ctx *gin.Context) {
	result := s.prepareSummary(ctx)
	if result == nil {
		return
	}

	events, err := s.summarizer.Stream(ctx, result)
	if err != nil {
		s.abortWithError(ctx, err)
		return
	}

	logger := s.loggerFromContext(ctx)
	ctx.Header("Content-Type", "text/event-stream")
	ctx.Header("Cache-Control", "no-cache")
	ctx.Header("Connection", "keep-alive")
	ctx.Header("X-Accel-Buffering", "no")
	ctx.Status(http.StatusOK)

	for event := range events {
		var payload any
		switch {
		case event.Err != nil:
			logger.Warn("summary stream failed", zap.Error(event.Err))
			payload = gin.H{"error": event.Err.Error()}
		case event.Done:
			payload = gin.H{"done": true}
		default:
			payload = gin.H{"content": event.Fragment}
		}

		if err := writeSSE(ctx, payload); err != nil {
			logger.Debug("client left summary stream", zap.Error(err))
			go func() {
				for range events {
				}
			}()
			return
		}
	}
}

func writeSSE(ctx *gin.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(ctx.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	ctx.Writer.Flush()
	return nil
}
