package http

import (
	"errors"
	"net/http"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/api/http/converter"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/domain"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/repository"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type SessionController struct {
	sessions service.SessionInteractor
}

func NewSessionController(sessions service.SessionInteractor) *SessionController {
	return &SessionController{sessions: sessions}
}

func (c *SessionController) CreateSession(ctx *gin.Context) {
	type CreateSessionRequest struct {
		TeacherID   string `json:"teacher_id" binding:"required"`
		TeacherName string `json:"teacher_name"`
		ClassroomID string `json:"classroom_id"`
	}
	var req CreateSessionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	session, err := c.sessions.CreateSession(ctx.Request.Context(), req.TeacherID, req.TeacherName, req.ClassroomID)
	if err != nil {
		ctx.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"session": converter.SessionToApi(session)})
}

func (c *SessionController) ListSessions(ctx *gin.Context) {
	sessions, err := c.sessions.ListSessions(ctx.Request.Context())
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]*converter.SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, converter.SessionToApi(s))
	}
	ctx.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (c *SessionController) GetSession(ctx *gin.Context) {
	sessionID, ok := sessionParam(ctx)
	if !ok {
		return
	}

	session, err := c.sessions.GetSession(ctx.Request.Context(), sessionID)
	if err != nil {
		ctx.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"session": converter.SessionToApi(session)})
}

func (c *SessionController) EndSession(ctx *gin.Context) {
	sessionID, ok := sessionParam(ctx)
	if !ok {
		return
	}

	session, err := c.sessions.EndSession(ctx.Request.Context(), sessionID)
	if err != nil {
		ctx.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"session": converter.SessionToApi(session)})
}

func (c *SessionController) AdmitParticipant(ctx *gin.Context) {
	sessionID, ok := sessionParam(ctx)
	if !ok {
		return
	}

	type AdmitRequest struct {
		ParticipantID string      `json:"participant_id" binding:"required"`
		Role          domain.Role `json:"role"`
		DisplayName   string      `json:"display_name"`
	}
	var req AdmitRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	p, err := c.sessions.AdmitParticipant(ctx.Request.Context(), sessionID, req.ParticipantID, req.Role, req.DisplayName)
	if err != nil {
		ctx.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"participant": converter.ParticipantsToApi([]*domain.Participant{p})[0]})
}

func (c *SessionController) ListParticipants(ctx *gin.Context) {
	sessionID, ok := sessionParam(ctx)
	if !ok {
		return
	}

	roster, err := c.sessions.ListParticipants(ctx.Request.Context(), sessionID)
	if err != nil {
		ctx.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"participants": converter.ParticipantsToApi(roster)})
}

func (c *SessionController) RemoveParticipant(ctx *gin.Context) {
	sessionID, ok := sessionParam(ctx)
	if !ok {
		return
	}

	if err := c.sessions.RemoveParticipant(ctx.Request.Context(), sessionID, ctx.Param("participantID")); err != nil {
		ctx.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	ctx.Status(http.StatusNoContent)
}

func sessionParam(ctx *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(ctx.Param("sessionID"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return uuid.Nil, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrSessionNotFound),
		errors.Is(err, service.ErrParticipantNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrSessionEnded):
		return http.StatusGone
	case errors.Is(err, service.ErrTeacherRequired),
		errors.Is(err, service.ErrParticipantRequired),
		errors.Is(err, service.ErrNameTooLong):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrCannotRemoveTeacher):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
