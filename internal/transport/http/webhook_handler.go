package httptransport

import (
	"github.com/gin-gonic/gin"

	"mailpickup/backend/internal/notify"
)

// createWebhookRequest 注册 webhook 端点的请求体。
type createWebhookRequest struct {
	URL    string             `json:"url" binding:"required,url"`
	Secret string             `json:"secret"`
	Events []notify.EventType `json:"events"`
}

// createWebhook 注册 webhook 端点。
func (h *Handler) createWebhook(c *gin.Context) {
	var req createWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	ep := h.notifier.Register(req.URL, req.Secret, req.Events)
	Created(c, ep)
}

// listWebhooks 返回已注册的端点。
func (h *Handler) listWebhooks(c *gin.Context) {
	Success(c, h.notifier.Endpoints())
}

// deleteWebhook 注销端点。
func (h *Handler) deleteWebhook(c *gin.Context) {
	if !h.notifier.Unregister(c.Param("id")) {
		NotFound(c, MsgWebhookNotFound)
		return
	}
	NoContent(c)
}

// listWebhookDeliveries 返回投递记录。
func (h *Handler) listWebhookDeliveries(c *gin.Context) {
	Success(c, h.notifier.Deliveries())
}
