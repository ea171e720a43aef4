package server

import (
	"net/http"

	"e2ee-gateway/internal/httputil"
	"e2ee-gateway/internal/platform/config"
	"e2ee-gateway/internal/platform/middleware"

	"github.com/gin-gonic/gin"
)

type createGroupRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids" binding:"required"`
}

type addMemberRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	DeviceID string `json:"device_id" binding:"required"`
}

// groupParam 讀取並驗證路徑中的 group_id
func groupParam(c *gin.Context) (string, bool) {
	groupID := c.Param("group_id")
	if err := middleware.ValidateResourceID("group_id", groupID); err != nil {
		httputil.BadRequest(c, err.Error())
		return "", false
	}
	return groupID, true
}

func (a *api) createGroup(c *gin.Context) {
	var req createGroupRequest
	if !bindJSON(c, &req) {
		return
	}
	cfg := config.Get()
	if cfg != nil && cfg.E2EE.MaxGroupMembers > 0 && len(req.MemberIDs) > cfg.E2EE.MaxGroupMembers {
		httputil.ValidationError(c, "member_ids", "成員數量超過限制")
		return
	}
	for _, id := range req.MemberIDs {
		if err := middleware.ValidateUserID(id); err != nil {
			httputil.BadRequest(c, err.Error())
			return
		}
	}

	info, err := a.mgr.CreateMLSGroup(c.Request.Context(), req.MemberIDs, middleware.SanitizeInput(req.Name))
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusCreated, httputil.NewSuccessResponse(httputil.DataCreated, info))
}

func (a *api) getGroup(c *gin.Context) {
	groupID, ok := groupParam(c)
	if !ok {
		return
	}
	info, err := a.mgr.GetGroup(groupID)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataRetrieved, info))
}

// addGroupMember commit 內的 secrets 與 welcome 已以各葉節點公鑰封裝，由傳輸層轉送
func (a *api) addGroupMember(c *gin.Context) {
	groupID, ok := groupParam(c)
	if !ok {
		return
	}
	var req addMemberRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := middleware.ValidateUserID(req.UserID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	if err := middleware.ValidateDeviceID(req.DeviceID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	commit, err := a.mgr.AddGroupMember(c.Request.Context(), groupID, req.UserID, req.DeviceID)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataUpdated, commit))
}

func (a *api) removeGroupMember(c *gin.Context) {
	groupID, ok := groupParam(c)
	if !ok {
		return
	}
	memberID := c.Param("member_id")
	if err := middleware.ValidateUserID(memberID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	commit, err := a.mgr.RemoveGroupMember(c.Request.Context(), groupID, memberID)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataUpdated, commit))
}

func (a *api) rotateGroupKeys(c *gin.Context) {
	groupID, ok := groupParam(c)
	if !ok {
		return
	}
	commit, err := a.mgr.RotateGroupKeys(c.Request.Context(), groupID)
	if err != nil {
		httputil.CryptoError(c, err)
		return
	}
	c.JSON(http.StatusOK, httputil.NewSuccessResponse(httputil.DataUpdated, commit))
}
