package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/domain"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/scoring"
	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/service"
	"github.com/gin-gonic/gin"
)

type QuizController struct {
	quizzes service.QuizInteractor
}

func NewQuizController(quizzes service.QuizInteractor) *QuizController {
	return &QuizController{quizzes: quizzes}
}

// AwardPoints applies scores the session teacher already computed. A repeat
// call for the same quiz reports already_awarded and changes nothing.
func (c *QuizController) AwardPoints(ctx *gin.Context) {
	type AwardRequest struct {
		SessionID string         `json:"session_id"`
		Scores    []domain.Score `json:"scores"`
	}
	var req AwardRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	outcome, err := c.quizzes.Award(ctx.Request.Context(), req.SessionID, ctx.Param("quizID"), req.Scores)
	if err != nil {
		ctx.JSON(quizStatusFor(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

// ScoreQuiz scores raw submissions on the server and awards the winners.
func (c *QuizController) ScoreQuiz(ctx *gin.Context) {
	type ScoreRequest struct {
		SessionID   string               `json:"session_id"`
		StartedAt   time.Time            `json:"started_at"`
		AnswerKey   map[string]string    `json:"answer_key" binding:"required"`
		Submissions []scoring.Submission `json:"submissions"`
	}
	var req ScoreRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	result, err := c.quizzes.ScoreAndAward(ctx.Request.Context(), scoring.ScoreRequest{
		SessionID:   req.SessionID,
		QuizID:      ctx.Param("quizID"),
		StartedAt:   req.StartedAt,
		AnswerKey:   req.AnswerKey,
		Submissions: req.Submissions,
	})
	if err != nil {
		ctx.JSON(quizStatusFor(err), gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"result": result})
}

// Totals reports accumulated points for ?participant=a,b or repeated
// participant parameters.
func (c *QuizController) Totals(ctx *gin.Context) {
	var ids []string
	for _, v := range ctx.QueryArray("participant") {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "participant is required"})
		return
	}

	totals, err := c.quizzes.Totals(ctx.Request.Context(), ids...)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"totals": totals})
}

func quizStatusFor(err error) int {
	if errors.Is(err, scoring.ErrQuizIDRequired) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
