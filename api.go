package main

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) runApiServer(addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORS())

	e.GET("/debug", s.handleGetDebugInfo)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e.Start(addr)
}

func (s *Server) handleGetDebugInfo(e echo.Context) error {
	s.epsLk.Lock()
	eps := s.lastEPS
	s.epsLk.Unlock()

	return e.JSON(200, map[string]any{
		"seq":    s.cursor.Get(),
		"eps":    eps,
		"failed": s.failed.Len(),
	})
}
