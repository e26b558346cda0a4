package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/0x0shephard/t4-bot/internal/errors"
	"github.com/0x0shephard/t4-bot/internal/ledger"
	"github.com/0x0shephard/t4-bot/internal/middleware"
)

// IndexHandler serves t4_index_prices
type IndexHandler struct {
	service *ledger.Service
}

// NewIndexHandler creates a new index handler
func NewIndexHandler(service *ledger.Service) *IndexHandler {
	return &IndexHandler{service: service}
}

// List returns snapshots, newest first
func (h *IndexHandler) List(c *gin.Context) {
	var q ledger.SnapshotQuery
	var err error
	if q.Since, err = timeQuery(c, "since"); err != nil {
		middleware.Abort(c, err)
		return
	}
	if q.Until, err = timeQuery(c, "until"); err != nil {
		middleware.Abort(c, err)
		return
	}
	if q.Limit, err = limitQuery(c); err != nil {
		middleware.Abort(c, err)
		return
	}

	snaps, err := h.service.ListSnapshots(c.Request.Context(), q)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, okList(snaps))
}

// Latest returns the most recently created snapshot
func (h *IndexHandler) Latest(c *gin.Context) {
	snap, err := h.service.LatestSnapshot(c.Request.Context())
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, ok(snap))
}

// Get returns one snapshot
func (h *IndexHandler) Get(c *gin.Context) {
	id, err := uuidParam(c, "id")
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	snap, err := h.service.GetSnapshot(c.Request.Context(), id)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, ok(snap))
}

// Providers returns the provider rows of a snapshot
func (h *IndexHandler) Providers(c *gin.Context) {
	id, err := uuidParam(c, "id")
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	rows, err := h.service.ListProviders(c.Request.Context(), ledger.ProviderQuery{IndexID: &id})
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, okList(rows))
}

// Audit checks the advisory invariants of a stored snapshot
func (h *IndexHandler) Audit(c *gin.Context) {
	id, err := uuidParam(c, "id")
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	report, err := h.service.AuditSnapshot(c.Request.Context(), id)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, ok(report))
}

// Create records a snapshot, together with its providers when the body carries any
func (h *IndexHandler) Create(c *gin.Context) {
	var req SnapshotRequest
	if err := bindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	snap, err := req.toSnapshot()
	if err != nil {
		middleware.Abort(c, err)
		return
	}

	ctx := c.Request.Context()
	if len(req.Providers) == 0 {
		if err := h.service.InsertSnapshot(ctx, snap); err != nil {
			middleware.Abort(c, err)
			return
		}
		c.JSON(http.StatusCreated, ok(RecordResponse{Snapshot: snap}))
		return
	}

	rows, err := providersFrom(req.Providers)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	report, err := h.service.RecordSnapshot(ctx, snap, rows)
	if err != nil {
		if appErr := errors.GetAppError(err); appErr != nil && report != nil {
			err = appErr.WithContext("findings", report.Findings)
		}
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, ok(RecordResponse{
		Snapshot:  snap,
		Providers: derefRows(rows),
		Audit:     report,
	}))
}

// Delete removes a snapshot and its providers
func (h *IndexHandler) Delete(c *gin.Context) {
	id, err := uuidParam(c, "id")
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	removed, err := h.service.DeleteSnapshot(c.Request.Context(), id)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, ok(DeleteResponse{ID: id.String(), ProvidersRemoved: removed}))
}

// ProviderHandler serves t4_provider_prices
type ProviderHandler struct {
	service *ledger.Service
}

// NewProviderHandler creates a new provider handler
func NewProviderHandler(service *ledger.Service) *ProviderHandler {
	return &ProviderHandler{service: service}
}

// List returns provider rows, newest first
func (h *ProviderHandler) List(c *gin.Context) {
	q := ledger.ProviderQuery{ProviderName: c.Query("provider_name")}
	if raw := c.Query("index_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			middleware.Abort(c, invalidParam("index_id", err))
			return
		}
		q.IndexID = &id
	}
	var err error
	if q.Limit, err = limitQuery(c); err != nil {
		middleware.Abort(c, err)
		return
	}

	rows, err := h.service.ListProviders(c.Request.Context(), q)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, okList(rows))
}

// Create inserts one provider object or an array of them, all or nothing
func (h *ProviderHandler) Create(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		middleware.Abort(c, errors.NewAppError(errors.ErrCodeInvalidInput, "unreadable request body", err))
		return
	}

	var reqs []ProviderRequest
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &reqs)
	} else {
		var single ProviderRequest
		err = json.Unmarshal(trimmed, &single)
		reqs = []ProviderRequest{single}
	}
	if err != nil {
		middleware.Abort(c, errors.NewAppErrorWithDetails(errors.ErrCodeInvalidInput, "invalid request body", err.Error(), err))
		return
	}
	if len(reqs) == 0 {
		middleware.Abort(c, missing("at least one provider row"))
		return
	}

	rows, err := providersFrom(reqs)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	if err := h.service.InsertProviders(c.Request.Context(), rows); err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, okList(derefRows(rows)))
}

// Update replaces a provider row
func (h *ProviderHandler) Update(c *gin.Context) {
	id, err := int64Param(c, "id")
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	var req ProviderRequest
	if err := bindJSON(c, &req); err != nil {
		middleware.Abort(c, err)
		return
	}
	p, err := req.toProvider()
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	p.ID = id

	if err := h.service.UpdateProvider(c.Request.Context(), p); err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, ok(p))
}

// Delete removes a provider row
func (h *ProviderHandler) Delete(c *gin.Context) {
	id, err := int64Param(c, "id")
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	if err := h.service.DeleteProvider(c.Request.Context(), id); err != nil {
		middleware.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ViewHandler serves the two read views
type ViewHandler struct {
	service *ledger.Service
}

// NewViewHandler creates a new view handler
func NewViewHandler(service *ledger.Service) *ViewHandler {
	return &ViewHandler{service: service}
}

// LatestPrices returns the latest row per provider
func (h *ViewHandler) LatestPrices(c *gin.Context) {
	rows, err := h.service.LatestPrices(c.Request.Context())
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, okList(rows))
}

// PriceHistory returns daily average effective prices over the last 30 days
func (h *ViewHandler) PriceHistory(c *gin.Context) {
	rows, err := h.service.PriceHistory(c.Request.Context())
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, okList(rows))
}
