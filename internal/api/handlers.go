package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/stowage-io/stowage/internal/fault"
	"github.com/stowage-io/stowage/internal/metrics"
	"github.com/stowage-io/stowage/internal/session"
)

const (
	presignTTL  = 15 * time.Minute
	downloadTTL = time.Hour
)

func (s *Server) handleBegin(c echo.Context) error {
	var req session.BeginRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, fault.Wrap(fault.KindValidation, "api.begin", err))
	}
	plan, err := s.manager.Begin(c.Request().Context(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, plan)
}

func (s *Server) handleStatus(c echo.Context) error {
	res, err := s.manager.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

type presignResponse struct {
	URL        string `json:"url"`
	PartNumber int32  `json:"partNumber"`
	ExpiresIn  int64  `json:"expiresIn"`
}

func (s *Server) handlePresignChunk(c echo.Context) error {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return respondError(c, fault.Wrap(fault.KindValidation, "api.presign", err))
	}
	url, partNumber, err := s.manager.PresignChunk(
		c.Request().Context(), c.Param("id"), c.Param("file"), index, presignTTL)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, presignResponse{
		URL:        url,
		PartNumber: partNumber,
		ExpiresIn:  int64(presignTTL.Seconds()),
	})
}

type confirmRequest struct {
	FileName   string `json:"fileName"`
	Index      int    `json:"index"`
	PartNumber int32  `json:"partNumber"`
	Tag        string `json:"tag"`
}

func (s *Server) handleConfirmChunk(c echo.Context) error {
	var req confirmRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, fault.Wrap(fault.KindValidation, "api.confirm", err))
	}
	res, err := s.manager.ConfirmChunk(
		c.Request().Context(), c.Param("id"), req.FileName, req.Index, req.PartNumber, req.Tag)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleFinalize(c echo.Context) error {
	res, err := s.manager.Finalize(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	// Repackaging continues as background work; the acknowledgment is
	// deliberately in-progress.
	status := http.StatusOK
	if res.Status == session.StatusRepackaging || res.Status == session.StatusFinalizing {
		status = http.StatusAccepted
	}
	return c.JSON(status, res)
}

type downloadResponse struct {
	ArtifactID string `json:"artifactId"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	URL        string `json:"url"`
}

func (s *Server) handleDownload(c echo.Context) error {
	rec, url, err := s.artifacts.ResolveDownload(
		c.Request().Context(), c.Param("id"), c.QueryParam("password"), downloadTTL)
	if err != nil {
		return respondError(c, err)
	}
	if m := metrics.Get(); m != nil {
		m.ArtifactDownloads.Inc()
	}
	return c.JSON(http.StatusOK, downloadResponse{
		ArtifactID: rec.ID,
		Name:       rec.Name,
		Size:       rec.Size,
		URL:        url,
	})
}
