// Package statusapi serves a minimal read-only operational surface: a
// liveness probe and a status snapshot of the fetch service and
// dispatcher; dictionary state is not reported. It is deliberately not the relational explorer
// API — no query endpoints, no pagination, nothing backed by a database.
package statusapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paw-chain/chain-indexer/internal/dispatcher"
	"github.com/paw-chain/chain-indexer/internal/fetcher"
	"github.com/paw-chain/chain-indexer/pkg/logger"
)

// StatusSource exposes what the status endpoint reports, implemented by
// the fetch service in normal operation and faked in tests.
type StatusSource interface {
	State() fetcher.State
	NextHeight() uint64
}

// Server is the gin-backed status/healthz HTTP surface.
type Server struct {
	srv    *http.Server
	router *gin.Engine
}

// NewServer builds a status server on the given port. A zero port
// disables the server entirely.
func NewServer(port int, source StatusSource, disp *dispatcher.Dispatcher, log *logger.Logger) *Server {
	if port == 0 {
		return nil
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/status", func(c *gin.Context) {
		body := gin.H{
			"state":       source.State().String(),
			"next_height": source.NextHeight(),
		}
		if disp != nil {
			body["dispatcher_free_size"] = disp.FreeSize()
			body["next_commit_height"] = disp.NextCommitHeight()
		}
		c.JSON(http.StatusOK, body)
	})

	return &Server{
		router: router,
		srv: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		},
	}
}

// Start serves until Stop is called; returns nil when disabled.
func (s *Server) Start() error {
	if s == nil {
		return nil
	}
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server; no-op when disabled.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
