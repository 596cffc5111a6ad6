package http

import (
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/sentinel/core"
	"github.com/layer-3/sentinel/service"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Handlers contains the HTTP handlers for every engine operation
type Handlers struct {
	auth     *service.AuthService
	quorum   *service.QuorumService
	messages *service.MessageService
	log      zerolog.Logger
}

// NewHandlers creates new handlers
func NewHandlers(auth *service.AuthService, quorum *service.QuorumService, messages *service.MessageService, log zerolog.Logger) *Handlers {
	return &Handlers{
		auth:     auth,
		quorum:   quorum,
		messages: messages,
		log:      log.With().Str("component", "http").Logger(),
	}
}

// Register handles enrollment
func (h *Handlers) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	principal, enrollment, err := h.auth.Register(c.Request.Context(), service.RegisterRequest{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"principal": principal.Profile(),
		"totp":      enrollment,
	})
}

// Login handles password and TOTP authentication
func (h *Handlers) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
		TOTPCode string `json:"totp_code" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	token, session, err := h.auth.Login(c.Request.Context(), req.Username, req.Password, req.TOTPCode)
	if err != nil {
		h.fail(c, err)
		return
	}

	profile, err := h.auth.Principal(c.Request.Context(), token)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_at":   session.ExpiresAt,
		"expires_in":   int(session.ExpiresAt.Sub(session.IssuedAt).Seconds()),
		"principal":    profile,
	})
}

// Me returns the profile of the authenticated principal
func (h *Handlers) Me(c *gin.Context) {
	profile, err := h.auth.Principal(c.Request.Context(), bearer(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// Principals lists the other principals
func (h *Handlers) Principals(c *gin.Context) {
	profiles, err := h.auth.Directory(c.Request.Context(), bearer(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"principals": profiles})
}

// transactionView adds the hex digest signers must sign
type transactionView struct {
	*core.PendingTransaction
	Digest string `json:"digest"`
}

func (h *Handlers) view(tx *core.PendingTransaction) transactionView {
	return transactionView{PendingTransaction: tx, Digest: "0x" + hex.EncodeToString(h.quorum.Digest(tx))}
}

// CreateTransaction opens a pending transaction
func (h *Handlers) CreateTransaction(c *gin.Context) {
	var req struct {
		Amount            string   `json:"amount" binding:"required"`
		Recipient         string   `json:"recipient" binding:"required"`
		Description       string   `json:"description"`
		Threshold         int      `json:"threshold"`
		AuthorizedSigners []string `json:"authorized_signers"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid amount"})
		return
	}

	tx, err := h.quorum.Create(c.Request.Context(), bearer(c), service.CreateTransactionRequest{
		Amount:            amount,
		Recipient:         req.Recipient,
		Description:       req.Description,
		Threshold:         req.Threshold,
		AuthorizedSigners: req.AuthorizedSigners,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, h.view(tx))
}

// ListTransactions lists transactions the caller initiated or may sign
func (h *Handlers) ListTransactions(c *gin.Context) {
	txs, err := h.quorum.List(c.Request.Context(), bearer(c))
	if err != nil {
		h.fail(c, err)
		return
	}

	views := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, h.view(tx))
	}
	c.JSON(http.StatusOK, gin.H{"transactions": views})
}

// GetTransaction returns one transaction
func (h *Handlers) GetTransaction(c *gin.Context) {
	tx, err := h.quorum.Get(c.Request.Context(), bearer(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(tx))
}

// SignTransaction signs with the caller's vaulted key
func (h *Handlers) SignTransaction(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	tx, err := h.quorum.Sign(c.Request.Context(), c.Param("id"), bearer(c), req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(tx))
}

// ApproveTransaction records a signature made outside the engine
func (h *Handlers) ApproveTransaction(c *gin.Context) {
	var req struct {
		Signature string `json:"signature" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(req.Signature, "0x"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Signature must be hex"})
		return
	}

	tx, err := h.quorum.Approve(c.Request.Context(), c.Param("id"), bearer(c), sig)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(tx))
}

// ExecuteTransaction retries the ledger hand-off of a ready transaction
func (h *Handlers) ExecuteTransaction(c *gin.Context) {
	ctx := c.Request.Context()

	// Only parties to the transaction may trigger a retry
	if _, err := h.quorum.Get(ctx, bearer(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}

	tx, err := h.quorum.Execute(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(tx))
}

// SendMessage encrypts a message to another principal
func (h *Handlers) SendMessage(c *gin.Context) {
	var req struct {
		RecipientID string `json:"recipient_id" binding:"required"`
		Message     string `json:"message" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	env, err := h.messages.Send(c.Request.Context(), bearer(c), req.RecipientID, []byte(req.Message))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, env)
}

// Inbox lists envelopes addressed to the caller
func (h *Handlers) Inbox(c *gin.Context) {
	envs, err := h.messages.Inbox(c.Request.Context(), bearer(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": envs})
}

// ReadMessage decrypts one envelope with the caller's password
func (h *Handlers) ReadMessage(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	plaintext, err := h.messages.Open(c.Request.Context(), bearer(c), c.Param("id"), req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "message": string(plaintext)})
}
