package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/openspore-project/openspore/internal/config"
	"github.com/openspore-project/openspore/internal/events"
	"github.com/openspore-project/openspore/internal/util"
)

// handlePing is a trivial liveness check.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleBootstrapConfig returns the connection endpoints the game
// client reads before opening its Blaze connection.
func (s *Server) handleBootstrapConfig(c *gin.Context) {
	host := s.cfg.GetString(config.KeyExternalHost)
	c.JSON(http.StatusOK, gin.H{
		"game": s.cfg.GetString(config.KeyGameName),
		"blaze": gin.H{
			"host": host,
			"port": s.cfg.GetInt(config.KeyListenBlaze),
		},
		"redirector": gin.H{
			"host": host,
			"port": s.cfg.GetInt(config.KeyListenRedirector),
		},
		"qos": gin.H{
			"host": host,
			"port": s.cfg.GetInt(config.KeyListenQoS),
		},
	})
}

// handleStatus returns a point-in-time server snapshot.
func (s *Server) handleStatus(c *gin.Context) {
	sysInfo := util.GetSystemInfo()

	status := gin.H{
		"name":           "OpenSpore",
		"version":        "0.1.0",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"sessions":       s.blaze.SessionCount(),
		"games":          s.comps.GameCount(),
		"system":         sysInfo,
	}

	if cpu, err := util.GetCPUUsage(); err == nil {
		status["cpu_percent"] = cpu
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		status["memory"] = gin.H{
			"total_mb":     mem.Total,
			"used_mb":      mem.Used,
			"used_percent": mem.UsedPercent,
		}
	}
	if disk, err := util.GetDiskUsage("."); err == nil {
		status["disk"] = gin.H{
			"total_gb":     disk.Total,
			"free_gb":      disk.Free,
			"used_percent": disk.UsedPercent,
		}
	}

	c.JSON(http.StatusOK, status)
}

// handleSessions lists every open Blaze session.
func (s *Server) handleSessions(c *gin.Context) {
	infos := s.blaze.Sessions()

	sessions := make([]gin.H, 0, len(infos))
	for _, info := range infos {
		sessions = append(sessions, gin.H{
			"id":            info.ID,
			"remote_addr":   info.RemoteAddr,
			"endpoint":      info.Endpoint,
			"state":         info.State,
			"subscriptions": info.Subscriptions,
			"last_activity": info.LastActivity.UTC().Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// handleKickSession force-closes one session.
func (s *Server) handleKickSession(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	sess, ok := s.blaze.Session(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "id": id})
		return
	}

	sess.Close()
	log.Info().Uint64("session", id).Str("client", c.ClientIP()).Msg("session kicked via API")

	c.JSON(http.StatusOK, gin.H{"kicked": id})
}

// handleGames lists live games.
func (s *Server) handleGames(c *gin.Context) {
	games := s.comps.Games()

	out := make([]gin.H, 0, len(games))
	for _, g := range games {
		out = append(out, gin.H{
			"id":          g.ID,
			"name":        g.Name,
			"host_id":     g.HostID,
			"max_players": g.MaxPlayers,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"games": out,
		"total": len(out),
	})
}

// handleGetConfig dumps the full configuration bag.
func (s *Server) handleGetConfig(c *gin.Context) {
	keys := s.cfg.Keys()
	sort.Strings(keys)

	values := make(map[string]string, len(keys))
	for _, key := range keys {
		values[key] = s.cfg.GetString(key)
	}

	c.JSON(http.StatusOK, gin.H{"config": values})
}

// handleSetConfig updates a single configuration key and persists the
// file.
func (s *Server) handleSetConfig(c *gin.Context) {
	key := c.Param("key")

	var body struct {
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing value"})
		return
	}

	previous := s.cfg.GetString(key)
	s.cfg.Set(key, body.Value)
	if err := s.cfg.Validate(); err != nil {
		s.cfg.Set(key, previous)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.eventBus.Emit(c.Request.Context(), events.Event{
		Type:    events.EventConfigChanged,
		Source:  "api",
		Payload: events.ConfigChangedPayload{Key: key, Value: body.Value},
	})

	log.Info().Str("key", key).Str("value", body.Value).Msg("config updated via API")
	c.JSON(http.StatusOK, gin.H{"key": key, "value": body.Value})
}
