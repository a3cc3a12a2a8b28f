package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"

	"mailpickup/backend/internal/domain"
	"mailpickup/backend/internal/service"
)

// registerMailboxRequest 注册观察地址的请求体。
type registerMailboxRequest struct {
	Address         string                  `json:"address"`
	Domain          string                  `json:"domain"`
	IntervalSeconds int                     `json:"intervalSeconds"`
	TimeoutSeconds  int                     `json:"timeoutSeconds"`
	ExtractionRules []domain.ExtractionRule `json:"extractionRules"`
}

// registerMailbox 注册一个观察地址（地址为空时生成随机地址）。
func (h *Handler) registerMailbox(c *gin.Context) {
	var req registerMailboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	mb, err := h.pickup.Register(service.RegisterInput{
		Address:         req.Address,
		Domain:          req.Domain,
		IntervalSeconds: req.IntervalSeconds,
		TimeoutSeconds:  req.TimeoutSeconds,
		ExtractionRules: req.ExtractionRules,
	})
	if err != nil {
		BadRequest(c, GetErrorMessage(err))
		return
	}

	Created(c, mb)
}

// listMailboxes 返回全部邮箱与当前选中项。
func (h *Handler) listMailboxes(c *gin.Context) {
	Success(c, gin.H{
		"mailboxes": h.pickup.List(),
		"selected":  h.pickup.Selected(),
	})
}

// getMailbox 返回单个邮箱。
func (h *Handler) getMailbox(c *gin.Context) {
	mb, err := h.pickup.Get(c.Param("id"))
	if err != nil {
		NotFound(c, MsgMailboxNotFound)
		return
	}
	Success(c, mb)
}

// deleteMailbox 删除邮箱，监听中的邮箱先停止监听。
func (h *Handler) deleteMailbox(c *gin.Context) {
	if err := h.pickup.Remove(c.Param("id")); err != nil {
		NotFound(c, MsgMailboxNotFound)
		return
	}
	NoContent(c)
}

// updateMailboxConfig 部分更新邮箱配置。
func (h *Handler) updateMailboxConfig(c *gin.Context) {
	var patch domain.MailboxConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	mb, err := h.pickup.UpdateConfig(c.Param("id"), patch)
	if err != nil {
		NotFound(c, MsgMailboxNotFound)
		return
	}
	Success(c, mb)
}

// selectMailbox 设置当前选中的邮箱。
func (h *Handler) selectMailbox(c *gin.Context) {
	if err := h.pickup.Select(c.Param("id")); err != nil {
		NotFound(c, MsgMailboxNotFound)
		return
	}
	Success(c, gin.H{"selected": c.Param("id")})
}

// startListening 启动监听。
//
// 账号或同步配置缺失返回 422，data 里带上缺失细节，调用方补齐
// 配置后可以重试。
func (h *Handler) startListening(c *gin.Context) {
	id := c.Param("id")

	err := h.pickup.StartListening(id)
	if err == nil {
		mb, getErr := h.pickup.Get(id)
		if getErr != nil {
			NotFound(c, MsgMailboxNotFound)
			return
		}
		Success(c, mb)
		return
	}

	var cfgErr *domain.ConfigurationRequiredError
	if errors.As(err, &cfgErr) {
		UnprocessableEntity(c, MsgConfigRequired, gin.H{
			"mailboxId": cfgErr.MailboxID,
			"accountId": cfgErr.AccountID,
		})
		return
	}
	if errors.Is(err, domain.ErrMailboxNotFound) {
		NotFound(c, MsgMailboxNotFound)
		return
	}
	BadRequest(c, GetErrorMessage(err))
}

// stopListening 停止监听。
func (h *Handler) stopListening(c *gin.Context) {
	if err := h.pickup.StopListening(c.Param("id")); err != nil {
		NotFound(c, MsgMailboxNotFound)
		return
	}
	NoContent(c)
}

// listMessages 返回邮件历史与对齐的提取结果。
func (h *Handler) listMessages(c *gin.Context) {
	msgs, extracts, err := h.pickup.Messages(c.Param("id"))
	if err != nil {
		NotFound(c, MsgMailboxNotFound)
		return
	}
	Success(c, gin.H{
		"messages":  msgs,
		"extracted": extracts,
	})
}
