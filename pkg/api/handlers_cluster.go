package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"collabmesh/pkg/coordination"
	"collabmesh/pkg/storage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// --- Room Handlers ---

// listRooms handles GET /api/v1/rooms?limit=&offset=
func (s *Server) listRooms(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultPageSize)
	if err != nil || limit <= 0 || limit > maxPageSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}

	body := gin.H{}
	if s.hub != nil {
		body["loaded"] = s.hub.Rooms()
	}
	if s.store != nil {
		docs, err := s.store.ListDocuments(c.Request.Context(), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list documents: " + err.Error()})
			return
		}
		body["stored"] = docs
		body["limit"] = limit
		body["offset"] = offset
	}
	c.JSON(http.StatusOK, body)
}

// getRoom handles GET /api/v1/rooms/:room
func (s *Server) getRoom(c *gin.Context) {
	name := c.Param("room")
	body := gin.H{"room": name}
	found := false

	if s.hub != nil {
		if info, ok := s.hub.Room(name); ok {
			body["loaded"] = info
			found = true
		}
	}
	if s.store != nil {
		doc, err := s.store.LoadDocument(c.Request.Context(), name)
		switch {
		case err == nil:
			body["stored"] = doc.Info()
			found = true
		case !errors.Is(err, storage.ErrNotFound):
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load document: " + err.Error()})
			return
		}
	}

	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, body)
}

// listTopics handles GET /api/v1/signaling/topics
func (s *Server) listTopics(c *gin.Context) {
	topics := s.signaling.Topics()
	c.JSON(http.StatusOK, gin.H{
		"topics": topics,
		"count":  len(topics),
	})
}

// --- Cluster Handlers ---

// listNodes handles GET /api/v1/cluster/nodes
func (s *Server) listNodes(c *gin.Context) {
	if s.coordinator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no coordinator configured"})
		return
	}
	nodes, err := s.coordinator.GetActiveNodes(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get nodes: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// getLeader handles GET /api/v1/cluster/leader
func (s *Server) getLeader(c *gin.Context) {
	if s.election == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no election configured"})
		return
	}
	leader, err := s.election.Leader(c.Request.Context())
	switch {
	case errors.Is(err, coordination.ErrNoLeader):
		leader = ""
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get leader: " + err.Error()})
		return
	}

	body := gin.H{"leader": leader}
	if s.archiver != nil {
		body["archiver"] = s.archiver.Status()
	}
	c.JSON(http.StatusOK, body)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
