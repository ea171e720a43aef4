package server

import (
	"net/http"
	"time"

	"e2ee-gateway/internal/httputil"
	"e2ee-gateway/internal/platform/middleware"
	"e2ee-gateway/internal/security/e2ee"
	"e2ee-gateway/internal/security/keymanager"
	"e2ee-gateway/internal/security/optimizer"

	"github.com/gin-gonic/gin"
)

// api HTTP 處理器，直接委派給加密核心
type api struct {
	mgr *e2ee.Manager
}

// userParam 讀取並驗證路徑中的 user_id
func userParam(c *gin.Context) (string, bool) {
	userID := c.Param("user_id")
	if err := middleware.ValidateUserID(userID); err != nil {
		httputil.BadRequest(c, err.Error())
		return "", false
	}
	return userID, true
}

// deviceParams 讀取並驗證路徑中的 user_id 與 device_id
func deviceParams(c *gin.Context) (string, string, bool) {
	userID, ok := userParam(c)
	if !ok {
		return "", "", false
	}
	deviceID := c.Param("device_id")
	if err := middleware.ValidateDeviceID(deviceID); err != nil {
		httputil.BadRequest(c, err.Error())
		return "", "", false
	}
	return userID, deviceID, true
}

// bindJSON 解析請求體；optional 時允許空的請求體
func bindJSON(c *gin.Context, req interface{}, optional ...bool) bool {
	if len(optional) > 0 && optional[0] && c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, httputil.ErrorMessage(httputil.InvalidRequest))
		return false
	}
	return true
}

type addDeviceRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
}

// registerDeviceRequest 遠端設備的公開密鑰包，二進位欄位為 base64
type registerDeviceRequest struct {
	DeviceID       string                     `json:"device_id" binding:"required"`
	IdentityKey    []byte                     `json:"identity_key" binding:"required"`
	SigningKey     []byte                     `json:"signing_key" binding:"required"`
	SignedPrekey   []byte                     `json:"signed_prekey" binding:"required"`
	SignedPrekeyID string                     `json:"signed_prekey_id" binding:"required"`
	Signature      []byte                     `json:"signature" binding:"required"`
	OneTimePrekeys []keymanager.OneTimePrekey `json:"one_time_prekeys"`
}

type compromiseRequest struct {
	Reason string `json:"reason"`
}

type prekeyRequest struct {
	Count int `json:"count"`
}

func (a *api) addDevice(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	var req addDeviceRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := middleware.ValidateDeviceID(req.DeviceID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	bundle, err := a.mgr.AddDevice(c.Request.Context(), userID, req.DeviceID)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusCreated, httputil.NewSuccessResponse(httputil.DataCreated, bundle))
}

func (a *api) registerDevice(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	var req registerDeviceRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := middleware.ValidateDeviceID(req.DeviceID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	bundle, err := a.mgr.RegisterUserKeys(c.Request.Context(), keymanager.RegisterRequest{
		UserID:         userID,
		DeviceID:       req.DeviceID,
		IdentityKey:    req.IdentityKey,
		SigningKey:     req.SigningKey,
		SignedPrekey:   req.SignedPrekey,
		SignedPrekeyID: req.SignedPrekeyID,
		Signature:      req.Signature,
		OneTimePrekeys: req.OneTimePrekeys,
	})
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusCreated, httputil.NewSuccessResponse(httputil.DataCreated, bundle))
}

func (a *api) getUserDevices(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	devices := a.mgr.GetUserDevices(userID)
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, devices))
}

func (a *api) removeDevice(c *gin.Context) {
	userID, deviceID, ok := deviceParams(c)
	if !ok {
		return
	}
	if err := a.mgr.RemoveDevice(c.Request.Context(), userID, deviceID); err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.Success(httputil.DataDeleted))
}

func (a *api) updateUserKeys(c *gin.Context) {
	userID, deviceID, ok := deviceParams(c)
	if !ok {
		return
	}
	bundle, err := a.mgr.UpdateUserKeys(c.Request.Context(), userID, deviceID)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataUpdated, bundle))
}

func (a *api) rotateAllUserKeys(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	rotated, err := a.mgr.RotateAllUserKeys(c.Request.Context(), userID)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.SuccessWithCount(httputil.DataUpdated, rotated))
}

func (a *api) markDeviceCompromised(c *gin.Context) {
	userID, deviceID, ok := deviceParams(c)
	if !ok {
		return
	}
	var req compromiseRequest
	if !bindJSON(c, &req, true) {
		return
	}
	reason := middleware.SanitizeInput(req.Reason)
	if err := a.mgr.MarkDeviceCompromised(c.Request.Context(), userID, deviceID, reason); err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.Success(httputil.DataUpdated))
}

func (a *api) getKeyBundle(c *gin.Context) {
	userID, deviceID, ok := deviceParams(c)
	if !ok {
		return
	}
	bundle, err := a.mgr.GetKeyBundle(c.Request.Context(), userID, deviceID)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, bundle))
}

func (a *api) refreshKeyBundle(c *gin.Context) {
	userID, deviceID, ok := deviceParams(c)
	if !ok {
		return
	}
	bundle, err := a.mgr.RefreshKeyBundle(c.Request.Context(), userID, deviceID)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataUpdated, bundle))
}

func (a *api) markBundleStale(c *gin.Context) {
	userID, deviceID, ok := deviceParams(c)
	if !ok {
		return
	}
	if err := a.mgr.MarkBundleStale(userID, deviceID); err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.Success(httputil.DataUpdated))
}

func (a *api) rotateOneTimePrekeys(c *gin.Context) {
	userID, deviceID, ok := deviceParams(c)
	if !ok {
		return
	}
	var req prekeyRequest
	if !bindJSON(c, &req, true) {
		return
	}
	bundle, err := a.mgr.RotateOneTimePrekeys(c.Request.Context(), userID, deviceID, req.Count)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataUpdated, bundle))
}

// getKeyLog since 參數為 RFC3339，未提供時回傳全部
func (a *api) getKeyLog(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	var since time.Time
	if s := c.Query("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			httputil.ValidationError(c, "since", "必須為 RFC3339 格式")
			return
		}
		since = t
	}
	entries := a.mgr.GetKeyLog(userID, since)
	c.JSON(http.StatusOK, gin.H{
		"message":    httputil.DataRetrieved,
		"data":       entries,
		"count":      len(entries),
		"public_key": a.mgr.Ledger().PublicKey(),
	})
}

func (a *api) generateHybridKeys(c *gin.Context) {
	userID, deviceID, ok := deviceParams(c)
	if !ok {
		return
	}
	pub, err := a.mgr.GenerateHybridKeys(c.Request.Context(), userID, deviceID)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusCreated, httputil.NewSuccessResponse(httputil.DataCreated, pub))
}

func (a *api) getHybridPublicKey(c *gin.Context) {
	userID, deviceID, ok := deviceParams(c)
	if !ok {
		return
	}
	pub, err := a.mgr.HybridPublicKey(userID, deviceID)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, pub))
}

func (a *api) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, a.mgr.GetEncryptionMetrics()))
}

// optimizerRequest 執行期調整；省略的欄位不變
type optimizerRequest struct {
	CacheTTLSeconds *int  `json:"cache_ttl_seconds" binding:"omitempty,min=1"`
	CacheMaxSize    *int  `json:"cache_max_size" binding:"omitempty,min=1"`
	BatchSizeLimit  *int  `json:"batch_size_limit" binding:"omitempty,min=1"`
	Compression     *bool `json:"compression"`
}

func (a *api) getOptimizer(c *gin.Context) {
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, a.mgr.OptimizerActivity()))
}

func (a *api) tuneOptimizer(c *gin.Context) {
	var req optimizerRequest
	if !bindJSON(c, &req) {
		return
	}
	t := optimizer.Tuning{
		CacheMaxSize:   req.CacheMaxSize,
		BatchSizeLimit: req.BatchSizeLimit,
		Compression:    req.Compression,
	}
	if req.CacheTTLSeconds != nil {
		ttl := time.Duration(*req.CacheTTLSeconds) * time.Second
		t.CacheTTL = &ttl
	}
	a.mgr.TuneOptimizer(c.Request.Context(), t)
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataUpdated, a.mgr.GetEncryptionMetrics().Optimizer))
}

func (a *api) runMaintenance(c *gin.Context) {
	report, err := a.mgr.RunMaintenance(c.Request.Context())
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataUpdated, report))
}
