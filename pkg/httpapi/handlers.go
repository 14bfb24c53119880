package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/foxford/conference/pkg/apperror"
	"github.com/foxford/conference/pkg/backend"
	"github.com/foxford/conference/pkg/database"
	"github.com/foxford/conference/pkg/metrics"
	"github.com/foxford/conference/pkg/signaling"
)

// healthHandler reports database reachability and publishes the pool
// gauges scraped at /metrics.
func (s *Server) healthHandler(c *gin.Context) {
	status, err := database.Health(c.Request.Context(), s.dbClient.Pool)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": status.Status, "error": err.Error()})
		return
	}

	s.metrics.SetPoolStat(metrics.PoolStat{
		AcquiredConns: status.AcquiredConns,
		IdleConns:     status.IdleConns,
		TotalConns:    status.TotalConns,
		MaxConns:      status.MaxConns,
	})

	c.JSON(http.StatusOK, status)
}

// onlineRequest is the wire shape of a backend's "I'm online" announcement.
type onlineRequest struct {
	AgentID struct {
		Label    string `json:"label" binding:"required"`
		Audience string `json:"audience" binding:"required"`
	} `json:"agent_id"`
	JanusURL         string  `json:"janus_url" binding:"required"`
	Capacity         *int32  `json:"capacity"`
	BalancerCapacity *int32  `json:"balancer_capacity"`
	Group            *string `json:"group"`
}

// backendOnlineHandler runs the registration handshake for a backend
// announcing itself, then upserts and pools the resulting record.
func (s *Server) backendOnlineHandler(c *gin.Context) {
	var req onlineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := withTimeout(c, s.requestTimeout)
	defer cancel()

	rec, err := backend.HandleOnline(ctx, s.registry, s.pool, s.requestTimeout, backend.OnlineRegistration{
		AgentID: backend.AgentID{
			Label:    req.AgentID.Label,
			Audience: req.AgentID.Audience,
		},
		JanusURL:         req.JanusURL,
		Capacity:         req.Capacity,
		BalancerCapacity: req.BalancerCapacity,
		Group:            req.Group,
	})
	if err != nil {
		c.JSON(apperror.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, rec)
}

// streamCallbackRequest is the wire shape of the backend's asynchronous
// plugin reply to a stream.create/stream.read request.
type streamCallbackRequest struct {
	ID       string `json:"id" binding:"required"`
	Response struct {
		Jsep  []byte `json:"jsep"`
		Error *struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"error"`
	} `json:"response"`
}

// streamCallbackHandler resumes the signaling negotiation suspended on
// the waitlist handle named by id, delivering the backend's jsep answer
// or failure.
func (s *Server) streamCallbackHandler(c *gin.Context) {
	var req streamCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := signaling.ParseWaitlistID(req.ID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reply := signaling.PluginReply{Jsep: req.Response.Jsep}
	if req.Response.Error != nil {
		reply.Error = apperror.New(apperror.KindBackendRequestFailed, req.Response.Error.Title).
			WithDetail(req.Response.Error.Detail)
	}

	s.machine.Waitlist.Fire(id, reply)
	c.Status(http.StatusNoContent)
}
