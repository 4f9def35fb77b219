// Package http exposes the thin control-plane surface. Handlers
// validate, delegate to the orchestrator and map errors to statuses;
// no session state lives here.
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/pkaminsk/Anchor/internal/app"
	"github.com/pkaminsk/Anchor/internal/domain"
)

const maxUploadBytes = 25 << 20

type Controller struct {
	Orch *app.Orchestrator
}

type joinRequest struct {
	RoomID string `json:"roomId"`
}

func (ctl *Controller) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// AIJoin accepts the launch and returns immediately; the room join and
// model connect proceed asynchronously.
func (ctl *Controller) AIJoin(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	roomID, err := domain.ParseRoomID(req.RoomID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := ctl.Orch.StartAgent(roomID); err != nil {
		if errors.Is(err, app.ErrAlreadyActive) {
			c.JSON(http.StatusConflict, gin.H{"error": "agent already active for room"})
			return
		}
		log.Error().Err(err).Str("module", "adapters.http").Str("room", req.RoomID).Msg("agent launch failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to launch agent"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted", "roomId": req.RoomID})
}

func (ctl *Controller) AILeave(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	roomID, err := domain.ParseRoomID(req.RoomID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := ctl.Orch.StopAgent(roomID); err != nil {
		if errors.Is(err, app.ErrNotActive) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active agent for room"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stop agent"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopping", "roomId": req.RoomID})
}

// RoomStatus lets callers observe asynchronous session outcomes; the
// launch response never waits for them.
func (ctl *Controller) RoomStatus(c *gin.Context) {
	roomID, err := domain.ParseRoomID(c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"roomId": string(roomID),
		"active": ctl.Orch.IsActive(roomID),
	})
}

type questionsRequest struct {
	JobTitle       string `json:"jobTitle"`
	JobDescription string `json:"jobDescription"`
	Count          int    `json:"count"`
}

func (ctl *Controller) GenerateQuestions(c *gin.Context) {
	var req questionsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.JobTitle == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "jobTitle is required"})
		return
	}
	questions, err := ctl.Orch.GenerateQuestions(c.Request.Context(), req.JobTitle, req.JobDescription, req.Count)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("generate questions failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "question generation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"questions": questions})
}

type scoreRequest struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

func (ctl *Controller) Score(c *gin.Context) {
	var req scoreRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Question == "" || req.Answer == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question and answer are required"})
		return
	}
	card, err := ctl.Orch.Score(c.Request.Context(), req.Question, req.Answer)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("scoring failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "scoring failed"})
		return
	}
	c.JSON(http.StatusOK, card)
}

func (ctl *Controller) Transcribe(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	file, header, err := c.Request.FormFile("audio")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "audio file is required"})
		return
	}
	defer file.Close()

	text, err := ctl.Orch.Transcribe(c.Request.Context(), header.Filename, file)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("file", header.Filename).Msg("transcription failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "transcription failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": text})
}
