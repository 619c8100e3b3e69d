package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/khenlevy/stocksync-backend/internal/logger"
	"github.com/khenlevy/stocksync-backend/internal/sse"
)

type SSEHandler struct {
	log      *logger.Logger
	hub      *sse.Hub
	listName string
}

func NewSSEHandler(log *logger.Logger, hub *sse.Hub, listName string) *SSEHandler {
	return &SSEHandler{
		log:      log.With("handler", "SSEHandler"),
		hub:      hub,
		listName: listName,
	}
}

// GET /api/sse/stream?channels=jobs,cycled-list
//
// With no channels query the client gets the jobs channel plus the hosted
// list's status channel.
func (h *SSEHandler) Stream(c *gin.Context) {
	client := h.hub.NewClient()

	channels := []string{sse.ChannelJobs}
	if h.listName != "" {
		channels = append(channels, sse.CycleChannel(h.listName))
	}
	if raw := c.Query("channels"); raw != "" {
		channels = channels[:0]
		for _, ch := range strings.Split(raw, ",") {
			if ch == "cycled-list" && h.listName != "" {
				ch = sse.CycleChannel(h.listName)
			}
			channels = append(channels, ch)
		}
	}
	for _, ch := range channels {
		h.hub.AddChannel(client, ch)
	}
	h.log.Debug("SSE stream open", "client_id", client.ID, "channels", channels)

	h.hub.ServeHTTP(c.Writer, c.Request, client)
	h.hub.CloseClient(client)
}
