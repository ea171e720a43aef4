package server

import (
	"net/http"

	"e2ee-gateway/internal/httputil"
	"e2ee-gateway/internal/platform/middleware"
	"e2ee-gateway/internal/security/transparency"

	"github.com/gin-gonic/gin"
)

// verifyIdentityRequest value 為對方顯示的安全碼或掃描到的 QR 內容
type verifyIdentityRequest struct {
	Method string `json:"method" binding:"required"`
	Value  string `json:"value"`
}

type trustLevelRequest struct {
	Level string `json:"level" binding:"required"`
}

// otherParam 讀取並驗證路徑中的 other_id
func otherParam(c *gin.Context) (string, bool) {
	otherID := c.Param("other_id")
	if err := middleware.ValidateUserID(otherID); err != nil {
		httputil.BadRequest(c, err.Error())
		return "", false
	}
	return otherID, true
}

func (a *api) getSafetyNumber(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	otherID, ok := otherParam(c)
	if !ok {
		return
	}
	number, err := a.mgr.GenerateSafetyNumber(userID, otherID)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	qr, err := a.mgr.GenerateQRPayload(userID, otherID)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, gin.H{
		"safety_number": number,
		"qr_payload":    qr,
	}))
}

func (a *api) verifyUserIdentity(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	otherID, ok := otherParam(c)
	if !ok {
		return
	}
	var req verifyIdentityRequest
	if !bindJSON(c, &req) {
		return
	}

	state, err := a.mgr.VerifyUserIdentity(c.Request.Context(), userID, otherID,
		transparency.VerificationMethod(req.Method), req.Value)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataUpdated, gin.H{
		"verified": true,
		"trust":    state,
	}))
}

func (a *api) updateTrustLevel(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	otherID, ok := otherParam(c)
	if !ok {
		return
	}
	var req trustLevelRequest
	if !bindJSON(c, &req) {
		return
	}
	err := a.mgr.UpdateTrustLevel(c.Request.Context(), userID, otherID, transparency.TrustLevel(req.Level))
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.Success(httputil.DataUpdated))
}

func (a *api) resetTrust(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	otherID, ok := otherParam(c)
	if !ok {
		return
	}
	if err := a.mgr.ResetTrust(c.Request.Context(), userID, otherID); err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.Success(httputil.DataDeleted))
}

func (a *api) getTrustRelationships(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	states := a.mgr.GetTrustRelationships(userID)
	c.JSON(http.StatusOK, gin.H{
		"message": httputil.DataRetrieved,
		"data":    states,
		"count":   len(states),
	})
}
