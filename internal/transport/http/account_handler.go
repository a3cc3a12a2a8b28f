package httptransport

import (
	"github.com/gin-gonic/gin"

	"mailpickup/backend/internal/domain"
)

// registerAccountRequest 登记上游账号的请求体。
type registerAccountRequest struct {
	Address     string `json:"address" binding:"required"`
	Provider    string `json:"provider"`
	DisplayName string `json:"displayName"`
}

// registerAccount 登记一个上游账号。
func (h *Handler) registerAccount(c *gin.Context) {
	var req registerAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	ref, err := h.pickup.RegisterAccount(domain.AccountRef{
		Address:     req.Address,
		Provider:    req.Provider,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		BadRequest(c, GetErrorMessage(err))
		return
	}

	Created(c, ref)
}

// syncConfigRequest 同步配置的请求体。
type syncConfigRequest struct {
	Protocol  string `json:"protocol" binding:"required"`
	Folder    string `json:"folder"`
	Temporary bool   `json:"temporary"`
}

// supplySyncConfig 写入账号的同步配置。
func (h *Handler) supplySyncConfig(c *gin.Context) {
	var req syncConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	err := h.pickup.SupplySyncConfig(domain.SyncConfig{
		AccountID: c.Param("id"),
		Protocol:  req.Protocol,
		Folder:    req.Folder,
		Temporary: req.Temporary,
	})
	if err != nil {
		BadRequest(c, GetErrorMessage(err))
		return
	}

	Success(c, gin.H{"accountId": c.Param("id")})
}
