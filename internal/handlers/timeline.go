package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"mailcal/internal/cache"
	"mailcal/internal/database"
	"mailcal/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
)

const (
	defaultOccurrenceLimit = 100
	maxOccurrenceLimit     = 1000
	defaultRunLimit        = 20
	maxRunLimit            = 200
)

// Caches shared by the read-only API handlers
type Caches struct {
	Occurrences *cache.Cache[models.OccurrencesResponse]
	Runs        *cache.Cache[models.RunsResponse]
	Status      *cache.Cache[models.StatusResponse]
}

// OccurrencesHandler lists the reconciled timeline
// @Summary List occurrences
// @Description Timeline ordered by start time
// @Tags timeline
// @Produce json
// @Param limit query int false "Maximum number of occurrences" default(100)
// @Param unsynced query bool false "Only occurrences not yet pushed to the calendar"
// @Success 200 {object} models.OccurrencesResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Router /api/occurrences [get]
func OccurrencesHandler(db *sqlx.DB, c *cache.Cache[models.OccurrencesResponse]) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		limit, err := parseLimit(ctx.QueryParam("limit"), defaultOccurrenceLimit, maxOccurrenceLimit)
		if err != nil {
			return ctx.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		}
		unsynced := ctx.QueryParam("unsynced") == "true"

		key := strconv.Itoa(limit) + ":" + strconv.FormatBool(unsynced)
		resp, err := c.GetOrLoad(key, func() (models.OccurrencesResponse, error) {
			var occs []models.Occurrence
			var err error
			if unsynced {
				occs, err = database.ListUnsynced(ctx.Request().Context(), db)
				if len(occs) > limit {
					occs = occs[:limit]
				}
			} else {
				occs, err = database.ListOccurrences(ctx.Request().Context(), db, limit)
			}
			if err != nil {
				return models.OccurrencesResponse{}, err
			}
			if occs == nil {
				occs = []models.Occurrence{}
			}
			return models.OccurrencesResponse{Occurrences: occs, Count: len(occs)}, nil
		})
		if err != nil {
			return internalError(ctx, err, "Failed to list occurrences")
		}

		return ctx.JSON(http.StatusOK, resp)
	}
}

// RunsHandler lists recent scheduler cycles
// @Summary List cycle runs
// @Tags runs
// @Produce json
// @Param limit query int false "Maximum number of runs" default(20)
// @Success 200 {object} models.RunsResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Router /api/runs [get]
func RunsHandler(db *sqlx.DB, c *cache.Cache[models.RunsResponse]) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		limit, err := parseLimit(ctx.QueryParam("limit"), defaultRunLimit, maxRunLimit)
		if err != nil {
			return ctx.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		}

		resp, err := c.GetOrLoad(strconv.Itoa(limit), func() (models.RunsResponse, error) {
			runs, err := database.ListRuns(ctx.Request().Context(), db, limit)
			if err != nil {
				return models.RunsResponse{}, err
			}
			if runs == nil {
				runs = []models.CycleRun{}
			}
			return models.RunsResponse{Runs: runs, Count: len(runs)}, nil
		})
		if err != nil {
			return internalError(ctx, err, "Failed to list runs")
		}

		return ctx.JSON(http.StatusOK, resp)
	}
}

// StatusHandler summarizes ingestion and sync progress
// @Summary Pipeline status
// @Tags status
// @Produce json
// @Success 200 {object} models.StatusResponse
// @Failure 500 {object} models.ErrorResponse
// @Router /api/status [get]
func StatusHandler(db *sqlx.DB, c *cache.Cache[models.StatusResponse]) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		resp, err := c.GetOrLoad("status", func() (models.StatusResponse, error) {
			return loadStatus(ctx, db)
		})
		if err != nil {
			return internalError(ctx, err, "Failed to load status")
		}
		return ctx.JSON(http.StatusOK, resp)
	}
}

func loadStatus(ctx echo.Context, db *sqlx.DB) (models.StatusResponse, error) {
	reqCtx := ctx.Request().Context()
	var resp models.StatusResponse
	var err error

	if resp.Watermark, err = database.Watermark(reqCtx, db); err != nil {
		return resp, err
	}
	if resp.Messages, err = database.CountMessages(reqCtx, db, ""); err != nil {
		return resp, err
	}
	if resp.DeadLetters, err = database.CountMessages(reqCtx, db, models.StatusDeadLetter); err != nil {
		return resp, err
	}
	if resp.PendingRetry, err = database.CountFailures(reqCtx, db); err != nil {
		return resp, err
	}
	if resp.Occurrences, resp.Unsynced, err = database.CountOccurrences(reqCtx, db); err != nil {
		return resp, err
	}
	if resp.Tombstones, err = database.CountTombstones(reqCtx, db); err != nil {
		return resp, err
	}

	runs, err := database.ListRuns(reqCtx, db, 1)
	if err != nil {
		return resp, err
	}
	if len(runs) > 0 {
		resp.LastRun = &runs[0]
	}

	last, err := database.LastSuccessfulRun(reqCtx, db)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return resp, err
	default:
		resp.LastSuccessAt = last.FinishedAt
	}

	return resp, nil
}

func parseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > max {
		limit = max
	}
	return limit, nil
}

func internalError(ctx echo.Context, err error, msg string) error {
	ctx.Logger().Errorf("%s: %v", msg, err)
	return ctx.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: msg})
}
