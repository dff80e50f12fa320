package http

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/kiwaku/Sentinel/internal/opportunity"
	"github.com/kiwaku/Sentinel/internal/scoring"
	"github.com/kiwaku/Sentinel/internal/store"
	"github.com/kiwaku/Sentinel/internal/summary"
)

const (
	defaultListLimit   = 50
	maxListLimit       = 500
	defaultSearchLimit = 10
	maxSearchLimit     = 50
	maxSeenIDs         = 1000
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version,omitempty"`
	Telemetry string `json:"telemetry,omitempty"`
}

// ScoredOpportunity is an opportunity with its score under the current
// profile.
type ScoredOpportunity struct {
	*opportunity.Opportunity
	Score     float64           `json:"score"`
	Category  scoring.Category  `json:"category"`
	Breakdown scoring.Breakdown `json:"breakdown"`
}

// ListResponse is the response body for GET /api/v1/opportunities.
type ListResponse struct {
	Opportunities []ScoredOpportunity `json:"opportunities"`
	Count         int                 `json:"count"`
}

// MarkSeenRequest is the request body for POST /api/v1/opportunities/seen.
type MarkSeenRequest struct {
	IDs []string `json:"ids"`
}

// MarkSeenResponse reports how many opportunities moved from new to seen.
type MarkSeenResponse struct {
	Updated int `json:"updated"`
}

// SearchResult is one hit of GET /api/v1/search.
type SearchResult struct {
	Similarity  float32                  `json:"similarity"`
	Opportunity *opportunity.Opportunity `json:"opportunity"`
}

// SearchResponse is the response body for GET /api/v1/search.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Version: s.config.Version}
	if s.tel != nil {
		resp.Telemetry = string(s.tel.State())
	}
	return c.JSON(http.StatusOK, resp)
}

func queryInt(c echo.Context, name string, def, max int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}

// handleListOpportunities returns opportunities ordered by fresh score.
// Without a status parameter only new opportunities are listed; status=all
// lists everything.
func (s *Server) handleListOpportunities(c echo.Context) error {
	limit, err := queryInt(c, "limit", defaultListLimit, maxListLimit)
	if err != nil {
		return err
	}

	f := store.Filter{Account: c.QueryParam("account")}
	switch raw := c.QueryParam("status"); raw {
	case "all":
	case "":
		f.Statuses = []opportunity.Status{opportunity.StatusNew}
	default:
		for _, part := range strings.Split(raw, ",") {
			st, err := opportunity.ParseStatus(part)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
			f.Statuses = append(f.Statuses, st)
		}
	}

	ctx := c.Request().Context()
	opps, err := s.store.Query(ctx, f)
	if err != nil {
		s.logger.Error(ctx, "list opportunities failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "query failed")
	}

	p := s.profiles.Current()
	now := s.now()
	scored := make([]ScoredOpportunity, 0, len(opps))
	for _, o := range opps {
		b := scoring.Explain(o, p, now)
		scored = append(scored, ScoredOpportunity{
			Opportunity: o,
			Score:       b.Total,
			Category:    scoring.Categorize(b.Total),
			Breakdown:   b,
		})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return c.JSON(http.StatusOK, ListResponse{Opportunities: scored, Count: len(scored)})
}

func (s *Server) handleGetOpportunity(c echo.Context) error {
	ctx := c.Request().Context()
	o, err := s.store.Get(ctx, c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "opportunity not found")
	}
	if err != nil {
		s.logger.Error(ctx, "get opportunity failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}
	b := scoring.Explain(o, s.profiles.Current(), s.now())
	return c.JSON(http.StatusOK, ScoredOpportunity{
		Opportunity: o,
		Score:       b.Total,
		Category:    scoring.Categorize(b.Total),
		Breakdown:   b,
	})
}

func (s *Server) handleMarkSeen(c echo.Context) error {
	var req MarkSeenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.IDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "ids field is required")
	}
	if len(req.IDs) > maxSeenIDs {
		return echo.NewHTTPError(http.StatusBadRequest, "too many ids")
	}

	ctx := c.Request().Context()
	n, err := s.store.MarkSeen(ctx, req.IDs)
	if err != nil {
		s.logger.Error(ctx, "mark seen failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "mark seen failed")
	}
	s.logger.Info(ctx, "opportunities marked seen", zap.Int("requested", len(req.IDs)), zap.Int("updated", n))
	return c.JSON(http.StatusOK, MarkSeenResponse{Updated: n})
}

func (s *Server) handleSearch(c echo.Context) error {
	if s.index == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "search index is disabled")
	}
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q parameter is required")
	}
	k, err := queryInt(c, "k", defaultSearchLimit, maxSearchLimit)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	matches, err := s.index.Query(ctx, q, k)
	if err != nil {
		s.logger.Error(ctx, "search failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}

	results := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		o, err := s.store.Get(ctx, m.ID)
		if errors.Is(err, store.ErrNotFound) {
			// Index entries can outlive a store reset.
			continue
		}
		if err != nil {
			s.logger.Error(ctx, "search lookup failed", zap.String("id", m.ID), zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
		}
		results = append(results, SearchResult{Similarity: m.Similarity, Opportunity: o})
	}
	return c.JSON(http.StatusOK, SearchResponse{Query: q, Results: results})
}

// handleSummary previews the digest without marking anything seen.
func (s *Server) handleSummary(c echo.Context) error {
	ctx := c.Request().Context()
	d, err := summary.Build(ctx, s.store, s.profiles.Current(), s.now(), summary.Config{})
	if err != nil {
		s.logger.Error(ctx, "build summary failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "summary failed")
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleLastRun(c echo.Context) error {
	if s.runs == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no run recorded")
	}
	last := s.runs.Last()
	if last == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no run recorded")
	}
	return c.JSON(http.StatusOK, last)
}

func (s *Server) handleStats(c echo.Context) error {
	ctx := c.Request().Context()
	st, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Error(ctx, "stats failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "stats failed")
	}
	return c.JSON(http.StatusOK, st)
}
