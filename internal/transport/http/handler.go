package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/cloudfabric/provision-core/internal/domain"
	"github.com/cloudfabric/provision-core/internal/eventstore"
	"github.com/cloudfabric/provision-core/internal/outbox"
	"github.com/cloudfabric/provision-core/internal/projection"
	"github.com/cloudfabric/provision-core/internal/quota"
	"github.com/cloudfabric/provision-core/internal/service"
)

// Deps bundles what the handlers need.
type Deps struct {
	Service   *service.ProjectService
	Publisher *outbox.Publisher
	Engine    *projection.Engine
	Guard     *quota.Guard
}

func RegisterHandlers(r *gin.Engine, deps Deps) {
	v1 := r.Group("/v1", TenantMiddleware())
	{
		v1.POST("/projects/:id/provision", provisionHandler(deps.Service))
		v1.POST("/projects/:id/allocate", allocateHandler(deps.Service))
		v1.POST("/projects/:id/release", releaseHandler(deps.Service))
		v1.POST("/projects/:id/submit", submitHandler(deps.Service))
		v1.GET("/projects/:id", projectHandler(deps.Service))
		v1.GET("/projects/:id/version", versionHandler(deps.Service))
		v1.GET("/projects/:id/quota", quotaHandler(deps.Guard))
	}
	admin := r.Group("/admin")
	{
		admin.GET("/outbox/dead-letters", deadLettersHandler(deps.Publisher))
		admin.POST("/outbox/dead-letters/:id/retry", deadLetterRetryHandler(deps.Publisher))
		admin.POST("/outbox/dead-letters/:id/discard", deadLetterDiscardHandler(deps.Publisher))
		admin.GET("/projections/lag", projectionLagHandler(deps.Engine))
		admin.POST("/projects/:id/snapshot", TenantMiddleware(), snapshotHandler(deps.Service))
	}
}

type amountsReq struct {
	CPU       string `json:"cpu"`
	MemoryGB  string `json:"memory_gb"`
	StorageGB string `json:"storage_gb"`
	Instances string `json:"instances"`
}

func (r amountsReq) parse() (domain.Amounts, error) {
	a := domain.ZeroAmounts()
	var err error
	if r.CPU != "" {
		if a.CPU, err = decimal.NewFromString(r.CPU); err != nil {
			return a, err
		}
	}
	if r.MemoryGB != "" {
		if a.MemoryGB, err = decimal.NewFromString(r.MemoryGB); err != nil {
			return a, err
		}
	}
	if r.StorageGB != "" {
		if a.StorageGB, err = decimal.NewFromString(r.StorageGB); err != nil {
			return a, err
		}
	}
	if r.Instances != "" {
		if a.Instances, err = decimal.NewFromString(r.Instances); err != nil {
			return a, err
		}
	}
	return a, nil
}

func command(c *gin.Context) service.Command {
	return service.Command{
		ProjectID:     c.Param("id"),
		ActorID:       c.GetHeader("X-Actor-ID"),
		CorrelationID: c.GetHeader("X-Correlation-ID"),
	}
}

type provisionReq struct {
	Name   string     `json:"name" binding:"required"`
	Limits amountsReq `json:"limits" binding:"required"`
}

func provisionHandler(svc *service.ProjectService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req provisionReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		limits, err := req.Limits.parse()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limits"})
			return
		}
		if err := svc.Provision(c.Request.Context(), command(c), req.Name, limits); err != nil {
			writeCommandError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"project_id": c.Param("id")})
	}
}

type amountsBody struct {
	Amounts amountsReq `json:"amounts" binding:"required"`
}

func allocateHandler(svc *service.ProjectService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req amountsBody
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		requested, err := req.Amounts.parse()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amounts"})
			return
		}
		if err := svc.Allocate(c.Request.Context(), command(c), requested); err != nil {
			writeCommandError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "allocated"})
	}
}

func releaseHandler(svc *service.ProjectService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req amountsBody
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		released, err := req.Amounts.parse()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amounts"})
			return
		}
		if err := svc.Release(c.Request.Context(), command(c), released); err != nil {
			writeCommandError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "released"})
	}
}

func submitHandler(svc *service.ProjectService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Submit(c.Request.Context(), command(c)); err != nil {
			writeCommandError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "submitted"})
	}
}

func projectHandler(svc *service.ProjectService) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.Load(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeCommandError(c, err)
			return
		}
		if p.Version == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func versionHandler(svc *service.ProjectService) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := svc.CurrentVersion(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeCommandError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"version": v})
	}
}

func quotaHandler(guard *quota.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		row, err := guard.Row(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeCommandError(c, err)
			return
		}
		c.JSON(http.StatusOK, row)
	}
}

func deadLettersHandler(pub *outbox.Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		entries, err := pub.DeadLetters(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

func deadLetterRetryHandler(pub *outbox.Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		if err := pub.Retry(c.Request.Context(), id); err != nil {
			writeAdminError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "requeued"})
	}
}

func deadLetterDiscardHandler(pub *outbox.Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		if err := pub.Discard(c.Request.Context(), id); err != nil {
			writeAdminError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "discarded"})
	}
}

func projectionLagHandler(engine *projection.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		lag, err := engine.Lag(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, lag)
	}
}

func snapshotHandler(svc *service.ProjectService) gin.HandlerFunc {
	return func(c *gin.Context) {
		version, err := svc.TriggerSnapshot(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeCommandError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"version": version})
	}
}

// writeCommandError maps the error taxonomy onto HTTP statuses.
func writeCommandError(c *gin.Context, err error) {
	var quotaErr *quota.QuotaExceededError
	switch {
	case errors.As(err, &quotaErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":     "quota exceeded",
			"dimension": quotaErr.Dimension,
			"current":   quotaErr.Current,
			"max":       quotaErr.Max,
		})
	case errors.Is(err, eventstore.ErrTenantMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, eventstore.ErrConcurrencyConflict), errors.Is(err, service.ErrTooManyConflicts):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, quota.ErrQuotaNotProvisioned), errors.Is(err, domain.ErrNotProvisioned):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

func writeAdminError(c *gin.Context, err error) {
	if errors.Is(err, outbox.ErrNotDeadLettered) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
