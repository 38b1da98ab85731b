package escrows

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/osazeejedi/escrow-interact/internal/auth"
	"github.com/osazeejedi/escrow-interact/internal/escrow"
	"github.com/osazeejedi/escrow-interact/internal/operations"
	"github.com/osazeejedi/escrow-interact/internal/types"
	"github.com/osazeejedi/escrow-interact/pkg/response"
)

// GinHandlers contains HTTP handlers for escrow endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// Register mounts the read routes on public and the write routes on
// protected. protected must run the JWT middleware.
func (h *GinHandlers) Register(public, protected *gin.RouterGroup) {
	public.GET("/assets", h.ListAssetsHandler())
	public.GET("/escrows", h.SnapshotHandler())
	public.GET("/escrows/count", h.CountHandler())
	public.GET("/escrows/:id", h.GetEscrowHandler())
	public.GET("/escrows/:id/transfers", h.TransfersHandler())

	protected.POST("/escrows", h.CreateHandler())
	protected.POST("/escrows/:id/pay", h.PayHandler())
	protected.POST("/escrows/:id/release", h.ReleaseHandler())
	protected.POST("/escrows/:id/dispute", h.DisputeHandler())
	protected.POST("/escrows/:id/resolve", h.ResolveHandler())
	protected.GET("/operations/:id", h.GetOperationHandler())
}

func (h *GinHandlers) ListAssetsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.Assets())
	}
}

// SnapshotHandler handles GET /escrows. Escrows that could not be read are
// listed with their error.
func (h *GinHandlers) SnapshotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := h.service.Snapshot(c.Request.Context())
		if err != nil {
			log.Error().Err(err).Msg("snapshot failed")
		}
		response.Handle(c, snap, err)
	}
}

func (h *GinHandlers) CountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := h.service.Count(c.Request.Context())
		response.Handle(c, gin.H{"count": n}, err)
	}
}

func (h *GinHandlers) GetEscrowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := h.service.Get(c.Request.Context(), c.Param("id"))
		response.Handle(c, v, err)
	}
}

func (h *GinHandlers) TransfersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := h.service.Transfers(c.Request.Context(), c.Param("id"))
		response.Handle(c, list, err)
	}
}

// CreateHandler handles POST /escrows
// Body: buyer, seller, price (base units), token_address
func (h *GinHandlers) CreateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		w, err := h.service.CreateWrite(req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		h.submit(c, w)
	}
}

func (h *GinHandlers) PayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		w, err := h.service.PayWrite(c.Param("id"), req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		h.submit(c, w)
	}
}

func (h *GinHandlers) ReleaseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.submit(c, h.service.ReleaseWrite(c.Param("id")))
	}
}

func (h *GinHandlers) DisputeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.submit(c, h.service.DisputeWrite(c.Param("id")))
	}
}

// ResolveHandler handles POST /escrows/:id/resolve
// Body: outcome, RELEASE or REFUND
func (h *GinHandlers) ResolveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ResolveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		outcome, err := escrow.ParseOutcome(req.Outcome)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		h.submit(c, h.service.ResolveWrite(c.Param("id"), outcome))
	}
}

func (h *GinHandlers) GetOperationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		op, err := h.service.Operation(c.Request.Context(), c.Param("id"))
		if errors.Is(err, operations.ErrOperationNotFound) {
			response.NotFound(c, "Operation not found")
			return
		}
		response.Handle(c, op, err)
	}
}

// submit runs a write for the authenticated wallet. The response is 202 with
// the pending operation unless ?wait=true is given and the write resolves in
// time.
func (h *GinHandlers) submit(c *gin.Context, w Write) {
	session, ok := auth.Session(c)
	if !ok {
		response.Unauthorized(c, "Missing wallet session")
		return
	}
	w.IdempotencyKey = c.GetHeader("Idempotency-Key")

	op, err := h.service.Submit(c.Request.Context(), session, w)
	switch {
	case errors.Is(err, operations.ErrIdempotencyConflict):
		response.Conflict(c, err.Error())
		return
	case err != nil:
		response.Handle(c, nil, err)
		return
	}

	wait, _ := strconv.ParseBool(c.Query("wait"))
	if !wait || op.State != operations.StatePending {
		respondOperation(c, WriteResult{Operation: op})
		return
	}

	result, err := h.service.Await(c.Request.Context(), op)
	if err != nil {
		response.Handle(c, nil, err)
		return
	}
	respondOperation(c, result)
}

func respondOperation(c *gin.Context, result WriteResult) {
	op := result.Operation
	switch op.State {
	case operations.StateConfirmed:
		response.Success(c, result)
	case operations.StateFailed:
		err := failure(op)
		c.JSON(response.StatusFor(types.KindOf(err)), response.Response{
			Success: false,
			Data:    result,
			Error: &response.Error{
				Code:    failureCode(err),
				Message: op.Error,
			},
		})
	default:
		response.Accepted(c, result)
	}
}

func failureCode(err error) string {
	if kind := types.KindOf(err); kind != "" {
		return string(kind)
	}
	return response.ErrCodeInternalError
}
