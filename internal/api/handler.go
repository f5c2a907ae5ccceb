package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/witnz/proofchain/internal/alert"
	"github.com/witnz/proofchain/internal/consensus"
	"github.com/witnz/proofchain/internal/hash"
	"github.com/witnz/proofchain/internal/ledger"
	"go.uber.org/zap"
)

// Handler exposes the ledger over HTTP. Writes go through submitter, which
// is the ledger itself or a raft node in front of it; reads hit the local
// ledger.
type Handler struct {
	ledger    *ledger.Ledger
	submitter ledger.Submitter
	alerts    *alert.Manager
	logger    *zap.Logger
}

func NewHandler(l *ledger.Ledger, submitter ledger.Submitter, alerts *alert.Manager, logger *zap.Logger) *Handler {
	if submitter == nil {
		submitter = l
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		ledger:    l,
		submitter: submitter,
		alerts:    alerts,
		logger:    logger,
	}
}

// Register mounts the routes on rg. limit wraps the routes that write.
func (h *Handler) Register(rg *gin.RouterGroup, limit gin.HandlerFunc) {
	p := rg.Group("/proofs")
	{
		p.POST("", limit, h.Submit)
		p.GET("/:hash", h.GetProof)
		p.POST("/:hash/verify", limit, h.Verify)
	}

	rg.GET("/data/:hash", h.LookupData)

	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.VerifyChain)
	}
}

type submitRequest struct {
	Data *[]byte `json:"data"`
}

var errMissingData = errors.New("missing data field")

// readSubmission accepts either a JSON body {"data": base64} or raw bytes.
// A JSON body must name the data field; "" proves the empty string.
func readSubmission(c *gin.Context) ([]byte, error) {
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var req submitRequest
		if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
			return nil, err
		}
		if req.Data == nil {
			return nil, errMissingData
		}
		return *req.Data, nil
	}
	return io.ReadAll(c.Request.Body)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ledger.ErrDuplicateData), errors.Is(err, ledger.ErrAlreadyExists),
		errors.Is(err, ledger.ErrStaleTip):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case ledger.IsIntegrityError(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, consensus.ErrNotLeader), errors.Is(err, consensus.ErrNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	if code := ledger.Code(err); code != "" {
		return code
	}
	switch {
	case errors.Is(err, consensus.ErrNotLeader):
		return "not_leader"
	case errors.Is(err, consensus.ErrNotInitialized):
		return "not_ready"
	}
	return "internal"
}

func parseDigest(c *gin.Context) (hash.Digest, bool) {
	d, err := hash.ParseDigest(c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hash must be 64 hex characters"})
		return hash.ZeroDigest, false
	}
	return d, true
}

// Submit handles POST /proofs.
func (h *Handler) Submit(c *gin.Context) {
	ctx := c.Request.Context()

	data, err := readSubmission(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		if errors.Is(err, errMissingData) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	identity := IdentityFromCtx(c)
	proofHash, err := h.submitter.SubmitData(ctx, identity, data)
	if err != nil {
		code := errorCode(err)
		recordSubmissionRejection(code)

		resp := gin.H{"error": code}
		if errors.Is(err, ledger.ErrDuplicateData) {
			if existing, lerr := h.ledger.LookupProofForData(ctx, h.ledger.Hasher().Sum(data)); lerr == nil {
				resp["proof_hash"] = existing
			}
		} else {
			h.logger.Error("submission failed",
				zap.Error(err),
				zap.String("submitter", string(identity)),
				zap.String("request_id", requestIDFromCtx(c)),
			)
		}
		c.JSON(statusForError(err), resp)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"proof_hash": proofHash})
}

// GetProof handles GET /proofs/:hash.
func (h *Handler) GetProof(c *gin.Context) {
	proofHash, ok := parseDigest(c)
	if !ok {
		return
	}

	record, err := h.ledger.Proof(c.Request.Context(), proofHash)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": errorCode(err)})
		return
	}

	c.JSON(http.StatusOK, record)
}

// Verify handles POST /proofs/:hash/verify.
func (h *Handler) Verify(c *gin.Context) {
	ctx := c.Request.Context()

	proofHash, ok := parseDigest(c)
	if !ok {
		return
	}

	err := h.ledger.VerifyProof(ctx, IdentityFromCtx(c), proofHash)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"valid": true, "proof_hash": proofHash})
		return
	}

	code := errorCode(err)
	recordVerificationFailure(code)

	if ledger.IsIntegrityError(err) {
		h.logger.Warn("proof failed verification",
			zap.Stringer("proof_hash", proofHash),
			zap.String("code", code),
			zap.Error(err),
		)
		if aerr := h.alerts.SendProofIntegrityAlert(ctx, proofHash.String(), code, err.Error()); aerr != nil {
			h.logger.Warn("failed to send integrity alert", zap.Error(aerr))
		}
	}

	c.JSON(statusForError(err), gin.H{"valid": false, "error": code})
}

// LookupData handles GET /data/:hash.
func (h *Handler) LookupData(c *gin.Context) {
	dataHash, ok := parseDigest(c)
	if !ok {
		return
	}

	proofHash, err := h.ledger.LookupProofForData(c.Request.Context(), dataHash)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": errorCode(err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"proof_hash": proofHash})
}

// Overview handles GET /ledger.
func (h *Handler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	status, err := h.ledger.Status(ctx)
	if err != nil {
		h.logger.Error("ledger status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}

	chainLength.Set(float64(status.Count))

	resp := gin.H{
		"count":     status.Count,
		"algorithm": status.Algorithm,
	}
	if status.HasTip {
		resp["tip"] = status.Tip
	}

	root, err := h.ledger.Commitment(ctx)
	switch {
	case err == nil:
		resp["merkle_root"] = root
	case ledger.IsIntegrityError(err):
		// The root is undefined over a broken chain; report why instead.
		resp["error"] = errorCode(err)
	default:
		h.logger.Error("ledger commitment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger root"})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// VerifyChain handles GET /ledger/verify: walks the whole chain.
func (h *Handler) VerifyChain(c *gin.Context) {
	ctx := c.Request.Context()

	report, err := h.ledger.VerifyChain(ctx)
	if err != nil {
		code := errorCode(err)
		if !ledger.IsIntegrityError(err) {
			h.logger.Error("chain verification", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": code})
			return
		}

		recordVerificationFailure(code)
		h.logger.Warn("ledger integrity check failed", zap.Error(err))
		var pe *ledger.ProofError
		if errors.As(err, &pe) {
			if aerr := h.alerts.SendProofIntegrityAlert(ctx, pe.Digest.String(), code, err.Error()); aerr != nil {
				h.logger.Warn("failed to send integrity alert", zap.Error(aerr))
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"valid":  false,
			"error":  code,
			"detail": err.Error(),
		})
		return
	}

	chainLength.Set(float64(report.Length))
	c.JSON(http.StatusOK, gin.H{
		"valid":   true,
		"length":  report.Length,
		"tip":     report.Tip,
		"genesis": report.Genesis,
	})
}
