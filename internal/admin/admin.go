// Package admin serves the operator status endpoint.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrownow/internal/circuitbreaker"
	"github.com/mbd888/escrownow/internal/health"
)

// Info describes the running deployment.
type Info struct {
	Version         string   `json:"version"`
	Env             string   `json:"env"`
	Store           string   `json:"store"`
	Currency        string   `json:"currency"`
	CommissionRate  string   `json:"commissionRate"`
	MediatorEnabled bool     `json:"mediatorEnabled"`
	Sinks           []string `json:"sinks"`
}

// StatsSource reports live counters, such as the realtime hub.
type StatsSource interface {
	Stats() map[string]interface{}
}

// Status is the body of GET /admin/status.
type Status struct {
	Info      Info                   `json:"info"`
	Healthy   bool                   `json:"healthy"`
	Checks    []health.Status        `json:"checks"`
	Breakers  map[string]string      `json:"breakers"`
	Realtime  map[string]interface{} `json:"realtime,omitempty"`
	StartedAt time.Time              `json:"startedAt"`
	Uptime    string                 `json:"uptime"`
}

// Handler provides operator HTTP endpoints.
type Handler struct {
	info        Info
	health      *health.Registry
	breaker     *circuitbreaker.Breaker
	breakerKeys []string
	realtime    StatsSource
	startedAt   time.Time
	now         func() time.Time
}

// NewHandler creates the operator handler. breaker and realtime may be nil.
func NewHandler(info Info, registry *health.Registry, breaker *circuitbreaker.Breaker, breakerKeys []string, realtime StatsSource) *Handler {
	return &Handler{
		info:        info,
		health:      registry,
		breaker:     breaker,
		breakerKeys: breakerKeys,
		realtime:    realtime,
		startedAt:   time.Now(),
		now:         time.Now,
	}
}

// RegisterRoutes sets up operator routes. The group must already enforce
// the admin guard.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/status", h.GetStatus)
}

// GetStatus handles GET /v1/admin/status
func (h *Handler) GetStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	st := h.status(ctx)
	code := http.StatusOK
	if !st.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, st)
}

func (h *Handler) status(ctx context.Context) Status {
	st := Status{
		Info:      h.info,
		Healthy:   true,
		Breakers:  make(map[string]string, len(h.breakerKeys)),
		StartedAt: h.startedAt,
		Uptime:    h.now().Sub(h.startedAt).Truncate(time.Second).String(),
	}
	if h.health != nil {
		st.Healthy, st.Checks = h.health.CheckAll(ctx)
	}
	if h.breaker != nil {
		for _, key := range h.breakerKeys {
			st.Breakers[key] = h.breaker.State(key).String()
		}
	}
	if h.realtime != nil {
		st.Realtime = h.realtime.Stats()
	}
	return st
}
