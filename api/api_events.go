package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parsec-cloud/go-parsec-server/api/interceptors"
	"github.com/parsec-cloud/go-parsec-server/global"
	"github.com/parsec-cloud/go-parsec-server/metrics"
	"github.com/parsec-cloud/go-parsec-server/services"
	"github.com/parsec-cloud/go-parsec-server/types"
)

const defaultKeepalive = 30 * time.Second

// EventsApi streams organization events to an authenticated device over
// SSE. The stream opens with a server_config frame and closes itself when
// the user is revoked or frozen or the organization expires; everything
// else runs until the client disconnects.
type EventsApi struct {
	events *services.EventService
}

func NewEventsApi(events *services.EventService) *EventsApi {
	if events == nil {
		panic("missing required services")
	}
	return &EventsApi{events: events}
}

func (ea *EventsApi) Stream(c *gin.Context) {
	org, user, _ := authorFromContext(c)
	if tosOutdated(org, user) {
		c.AbortWithStatusJSON(interceptors.StatusTosNotAccepted, gin.H{"error": "Terms of service not accepted"})
		return
	}

	keepalive := defaultKeepalive
	if global.Conf.SSE.KeepaliveSeconds > 0 {
		keepalive = time.Duration(global.Conf.SSE.KeepaliveSeconds) * time.Second
	}

	sub := ea.events.Subscribe(org.ID, user.ID)
	defer sub.Close()
	metrics.ActiveSseConnections.Inc()
	defer metrics.ActiveSseConnections.Dec()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent("server_config", types.EventServerConfig{
		ActiveUsersLimit:           org.ActiveUsersLimit,
		UserProfileOutsiderAllowed: org.UserProfileOutsiderAllowed,
	})
	c.Writer.Flush()

	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case event, open := <-sub.Ch:
			if !open {
				return
			}
			c.SSEvent(event.EventType(), event)
			c.Writer.Flush()
			switch e := event.(type) {
			case types.EventUserRevokedOrFrozen:
				if e.UserID == user.ID {
					return
				}
			case types.EventOrganizationExpired:
				return
			}
		case <-ticker.C:
			c.SSEvent("keepalive", "")
			c.Writer.Flush()
		}
	}
}
