package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"aichatgo/internal/apperr"
	"aichatgo/internal/auth"
	"aichatgo/internal/models"
	"aichatgo/internal/service/ai"
	"aichatgo/internal/service/chat"
	"aichatgo/internal/service/files"
	"aichatgo/internal/service/settings"
)

const maxUploadBytes = 10 << 20 // 10 MB

// Generator runs a streamed generation turn against a conversation.
type Generator interface {
	Generate(ctx context.Context, identity auth.Identity, conversationID int64, events *ai.StreamEvents) (*models.Message, string, error)
}

// Handler wires HTTP routes to the chat, settings, file and generation services.
type Handler struct {
	chat     *chat.Service
	settings *settings.Service
	files    *files.Store
	pipeline Generator
	auth     *auth.Service
}

// NewHandler constructs a Handler instance.
func NewHandler(chatService *chat.Service, settingsService *settings.Service, fileStore *files.Store, pipeline Generator, authService *auth.Service) *Handler {
	return &Handler{
		chat:     chatService,
		settings: settingsService,
		files:    fileStore,
		pipeline: pipeline,
		auth:     authService,
	}
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.Unauthenticated, apperr.InvalidAPIKey:
		return http.StatusUnauthorized
	case apperr.Unauthorized:
		return http.StatusForbidden
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.ValidationFailed, apperr.InvalidModel:
		return http.StatusBadRequest
	case apperr.RateLimited, apperr.QuotaExceeded:
		return http.StatusTooManyRequests
	case apperr.BillingIssue:
		return http.StatusPaymentRequired
	case apperr.NetworkError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusForKind(apperr.KindOf(err)), gin.H{"error": apperr.UserMessage(err)})
}

// check token identity matches the param userID
func (h *Handler) requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := auth.IdentityFromContext(c)
		if !ok || !identity.Valid() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || paramID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		if paramID != identity.UserID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user mismatch"})
			return
		}
		c.Next()
	}
}

func (h *Handler) callerIdentity(c *gin.Context) (auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(c)
	if !ok || !identity.Valid() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return auth.Identity{}, false
	}
	return identity, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)
	// The blob handle is the capability: this route backs the URLs handed to
	// the AI provider, which cannot present a session.
	api.GET("/files/:blob_id", h.downloadBlob)

	authMW := h.auth.Middleware()
	userRoutes := api.Group("/users/:id")
	userRoutes.Use(authMW, h.requirePathUser(), h.auth.CSRFMiddleware())
	userRoutes.POST("/logout", h.logoutUser)
	userRoutes.DELETE("", h.deleteUser)

	userRoutes.GET("/settings", h.getSettings)
	userRoutes.PUT("/settings", h.putSettings)
	userRoutes.DELETE("/settings", h.deleteSettings)

	userRoutes.GET("/conversations", h.listConversations)
	userRoutes.POST("/conversations", h.createConversation)
	userRoutes.PATCH("/conversations/:conversation_id", h.renameConversation)
	userRoutes.DELETE("/conversations/:conversation_id", h.deleteConversation)
	userRoutes.GET("/conversations/:conversation_id/messages", h.listMessages)
	userRoutes.POST("/conversations/:conversation_id/messages", h.appendMessage)
	userRoutes.POST("/conversations/:conversation_id/generate", h.generate)

	userRoutes.POST("/files", h.uploadFile)
	userRoutes.GET("/files/:blob_id", h.downloadUserBlob)
	userRoutes.DELETE("/files/:blob_id", h.deleteUserBlob)
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.chat.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.chat.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	identity, ok := h.callerIdentity(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), identity.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.chat.DeleteUser(c.Request.Context(), identity); err != nil {
		writeError(c, err)
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

// Settings interface
func (h *Handler) getSettings(c *gin.Context) {
	identity, ok := h.callerIdentity(c)
	if !ok {
		return
	}
	userSettings, err := h.settings.Get(c.Request.Context(), identity)
	if err != nil {
		writeError(c, err)
		return
	}
	// The API key never leaves the server.
	c.JSON(http.StatusOK, gin.H{
		"selected_model": userSettings.SelectedModel,
		"has_api_key":    userSettings.APIKey != "",
	})
}

func (h *Handler) putSettings(c *gin.Context) {
	identity, ok := h.callerIdentity(c)
	if !ok {
		return
	}
	var req struct {
		APIKey        string `json:"api_key"`
		SelectedModel string `json:"selected_model"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.SelectedModel != "" && !ai.IsSupportedModel(req.SelectedModel) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported model"})
		return
	}
	if err := h.settings.Upsert(c.Request.Context(), identity, req.APIKey, req.SelectedModel); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteSettings(c *gin.Context) {
	identity, ok := h.callerIdentity(c)
	if !ok {
		return
	}
	if err := h.settings.Delete(c.Request.Context(), identity); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Conversation interface
func (h *Handler) listConversations(c *gin.Context) {
	identity, ok := h.callerIdentity(c)
	if !ok {
		return
	}
	convs, err := h.chat.ListConversations(c.Request.Context(), identity)
	if err != nil {
		writeError(c, err)
		return
	}
	if convs == nil {
		convs = make([]models.Conversation, 0)
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (h *Handler) createConversation(c *gin.Context) {
	identity, ok := h.callerIdentity(c)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	conv, err := h.chat.CreateConversation(c.Request.Context(), identity, req.Title)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) conversationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("conversation_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) renameConversation(c *gin.Context) {
	identity, ok := h.callerIdentity(c)
	if !ok {
		return
	}
	conversationID, ok := h.conversationID(c)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.chat.RenameConversation(c.Request.Context(), identity, conversationID, req.Title); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteConversation(c *gin.Context) {
	identity, ok := h.callerIdentity(c)
	if !ok {
		return
	}
	conversationID, ok := h.conversationID(c)
	if !ok {
		return
	}
	blobIDs, err := h.chat.DeleteConversation(c.Request.Context(), identity, conversationID)
	if err != nil {
		writeError(c, err)
		return
	}
	for _, id := range blobIDs {
		_ = h.files.Delete(c.Request.Context(), id)
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listMessages(c *gin.Context) {
	identity, ok := h.callerIdentity(c)
	if !ok {
		return
	}
	conversationID, ok := h.conversationID(c)
	if !ok {
		return
	}
	messages, err := h.chat.ListMessages(c.Request.Context(), identity, conversationID)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageJSON(m))
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

type appendMessageRequest struct {
	Content     string   `json:"content"`
	Attachments []string `json:"attachments"`
}

func (h *Handler) appendMessage(c *gin.Context) {
	identity, ok := h.callerIdentity(c)
	if !ok {
		return
	}
	conversationID, ok := h.conversationID(c)
	if !ok {
		return
	}
	var req appendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	for _, blobID := range req.Attachments {
		if _, err := h.files.Metadata(c.Request.Context(), blobID); err != nil {
			writeError(c, err)
			return
		}
	}
	message, err := h.chat.AppendMessage(c.Request.Context(), identity, conversationID, models.RoleUser, req.Content, req.Attachments)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, messageJSON(message))
}

func (h *Handler) generate(c *gin.Context) {
	identity, ok := h.callerIdentity(c)
	if !ok {
		return
	}
	conversationID, ok := h.conversationID(c)
	if !ok {
		return
	}

	streamCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
	defer cancel()
	// SSE Request construction
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	events := &ai.StreamEvents{
		OnPlaceholder: func(placeholder *models.Message) error {
			return sendEvent("ack", gin.H{"message_id": placeholder.ID})
		},
		OnDelta: func(accumulated string) error {
			return sendEvent("stream", gin.H{"content": accumulated})
		},
	}
	aiMessage, title, err := h.pipeline.Generate(streamCtx, identity, conversationID, events)
	if err != nil {
		_ = sendEvent("error", gin.H{
			"kind":    string(apperr.KindOf(err)),
			"message": apperr.UserMessage(err),
		})
		return
	}
	payload := gin.H{"message": messageJSON(aiMessage)}
	if title != "" {
		payload["title"] = title
	}
	_ = sendEvent("done", payload)
}

// File interface
func (h *Handler) uploadFile(c *gin.Context) {
	if _, ok := h.callerIdentity(c); !ok {
		return
	}
	if err := c.Request.ParseMultipartForm(maxUploadBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := io.ReadFull(f, buf)
	contentType := http.DetectContentType(buf[:n])
	if declared := file.Header.Get("Content-Type"); declared != "" && contentType == "application/octet-stream" {
		contentType = declared
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read file failed"})
		return
	}

	blob, err := h.files.Save(c.Request.Context(), f, contentType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"file_id":      blob.ID,
		"content_type": blob.ContentType,
		"size":         blob.Size,
	})
}

func (h *Handler) downloadUserBlob(c *gin.Context) {
	identity, ok := h.callerIdentity(c)
	if !ok {
		return
	}
	blobID := c.Param("blob_id")
	allowed, err := h.files.CheckUserAccess(c.Request.Context(), blobID, identity)
	if err != nil {
		writeError(c, err)
		return
	}
	if !allowed {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	h.serveBlob(c, blobID)
}

func (h *Handler) deleteUserBlob(c *gin.Context) {
	identity, ok := h.callerIdentity(c)
	if !ok {
		return
	}
	blobID := c.Param("blob_id")
	allowed, err := h.files.CheckUserAccess(c.Request.Context(), blobID, identity)
	if err != nil {
		writeError(c, err)
		return
	}
	if !allowed {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	if err := h.files.Delete(c.Request.Context(), blobID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) downloadBlob(c *gin.Context) {
	h.serveBlob(c, c.Param("blob_id"))
}

func (h *Handler) serveBlob(c *gin.Context, blobID string) {
	blob, err := h.files.Metadata(c.Request.Context(), blobID)
	if err != nil {
		writeError(c, err)
		return
	}
	rc, err := h.files.Open(c.Request.Context(), blobID)
	if err != nil {
		writeError(c, err)
		return
	}
	defer rc.Close()
	c.DataFromReader(http.StatusOK, blob.Size, blob.ContentType, rc, nil)
}

func messageJSON(m *models.Message) gin.H {
	attachments := m.Attachments
	if attachments == nil {
		attachments = make([]string, 0)
	}
	return gin.H{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"role":            m.Role,
		"content":         m.Content,
		"attachments":     attachments,
		"created_at":      m.CreatedAt,
	}
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
