package http

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRouter(sessionController *SessionController, quizController *QuizController, realtimeController *RealtimeController) *gin.Engine {
	router := gin.Default()
	config := cors.DefaultConfig()
	config.AllowOrigins = []string{
		"http://localhost:3000",
		"http://localhost:5173",
	}
	config.AllowCredentials = true
	config.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"Origin",
		"Accept",
	}
	config.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}
	router.Use(cors.New(config))
	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")

	if sessionController != nil {
		sessions := api.Group("/sessions")
		sessions.POST("", sessionController.CreateSession)
		sessions.GET("", sessionController.ListSessions)
		sessions.GET("/:sessionID", sessionController.GetSession)
		sessions.POST("/:sessionID/end", sessionController.EndSession)
		sessions.GET("/:sessionID/participants", sessionController.ListParticipants)
		sessions.POST("/:sessionID/participants", sessionController.AdmitParticipant)
		sessions.DELETE("/:sessionID/participants/:participantID", sessionController.RemoveParticipant)
	}

	if quizController != nil {
		quizzes := api.Group("/quizzes")
		quizzes.POST("/:quizID/award", quizController.AwardPoints)
		quizzes.POST("/:quizID/score", quizController.ScoreQuiz)
		api.GET("/points", quizController.Totals)
	}

	if realtimeController != nil {
		api.GET("/realtime/ws", realtimeController.Connect)
	}

	return router
}
