package server

import (
	"net/http"

	"e2ee-gateway/internal/httputil"
	"e2ee-gateway/internal/platform/middleware"

	"github.com/gin-gonic/gin"
)

type initiateSessionRequest struct {
	SenderID    string `json:"sender_id" binding:"required"`
	RecipientID string `json:"recipient_id" binding:"required"`
	DeviceID    string `json:"device_id" binding:"required"`
}

type acceptSessionRequest struct {
	RecipientID string `json:"recipient_id" binding:"required"`
	SenderID    string `json:"sender_id" binding:"required"`
}

type importSessionRequest struct {
	Data []byte `json:"data" binding:"required"`
}

// sessionParam 讀取並驗證路徑中的 session_id
func sessionParam(c *gin.Context) (string, bool) {
	sessionID := c.Param("session_id")
	if err := middleware.ValidateResourceID("session_id", sessionID); err != nil {
		httputil.BadRequest(c, err.Error())
		return "", false
	}
	return sessionID, true
}

func (a *api) initiateSession(c *gin.Context) {
	var req initiateSessionRequest
	if !bindJSON(c, &req) {
		return
	}
	for _, id := range []string{req.SenderID, req.RecipientID} {
		if err := middleware.ValidateUserID(id); err != nil {
			httputil.BadRequest(c, err.Error())
			return
		}
	}
	if err := middleware.ValidateDeviceID(req.DeviceID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	sessionID, err := a.mgr.InitiateSession(c.Request.Context(), req.SenderID, req.RecipientID, req.DeviceID)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusCreated, httputil.NewSuccessResponse(httputil.DataCreated, gin.H{"session_id": sessionID}))
}

func (a *api) acceptSession(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	var req acceptSessionRequest
	if !bindJSON(c, &req) {
		return
	}
	for _, id := range []string{req.SenderID, req.RecipientID} {
		if err := middleware.ValidateUserID(id); err != nil {
			httputil.BadRequest(c, err.Error())
			return
		}
	}

	peerID, err := a.mgr.AcceptSession(c.Request.Context(), sessionID, req.RecipientID, req.SenderID)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusCreated, httputil.NewSuccessResponse(httputil.DataCreated, gin.H{
		"session_id":      peerID,
		"peer_session_id": sessionID,
	}))
}

func (a *api) getSessionInfo(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	info, err := a.mgr.GetSessionInfo(sessionID)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, info))
}

func (a *api) closeSession(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	if err := a.mgr.CloseSession(c.Request.Context(), sessionID); err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.Success(httputil.DataDeleted))
}

func (a *api) getActiveSessions(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	ids := a.mgr.GetActiveSessions(userID)
	c.JSON(http.StatusOK, gin.H{
		"message": httputil.DataRetrieved,
		"data":    ids,
		"count":   len(ids),
	})
}

func (a *api) closeAllSessions(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	closed := a.mgr.CloseAllSessions(c.Request.Context(), userID)
	c.JSON(http.StatusOK, httputil.SuccessWithCount(httputil.DataDeleted, closed))
}

func (a *api) rotateSessionKeys(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	if err := a.mgr.RotateSessionKeys(c.Request.Context(), sessionID); err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.Success(httputil.DataUpdated))
}

func (a *api) markSessionCompromised(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	var req compromiseRequest
	if !bindJSON(c, &req, true) {
		return
	}
	reason := middleware.SanitizeInput(req.Reason)
	if err := a.mgr.MarkSessionCompromised(c.Request.Context(), sessionID, reason); err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.Success(httputil.DataUpdated))
}

func (a *api) recoverSession(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	if err := a.mgr.RecoverFromCompromise(c.Request.Context(), sessionID); err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.Success(httputil.DataUpdated))
}

func (a *api) verifySession(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	fingerprint, intact, err := a.mgr.VerifySession(sessionID)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, gin.H{
		"fingerprint": fingerprint,
		"intact":      intact,
	}))
}

func (a *api) exportSession(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	data, err := a.mgr.ExportSessionInfo(sessionID)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, gin.H{"data": data}))
}

func (a *api) importSession(c *gin.Context) {
	var req importSessionRequest
	if !bindJSON(c, &req) {
		return
	}
	sessionID, err := a.mgr.ImportSessionInfo(c.Request.Context(), req.Data)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusCreated, httputil.NewSuccessResponse(httputil.DataCreated, gin.H{"session_id": sessionID}))
}
