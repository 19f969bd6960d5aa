package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	corsOriginWildcard    = "*"
	corsHeaderContentType = "Content-Type"
	notFoundBody          = "Not Found"
	corsPreflightMaxAge   = 12 * time.Hour
)

var (
	corsAllowedMethods = []string{http.MethodPost, http.MethodOptions}
	corsAllowedHeaders = []string{corsHeaderContentType}
	corsAllowOrigins   = []string{corsOriginWildcard}
)

// NewRouter builds the single-route engine: POST and OPTIONS on the contact
// path, 405 for other methods on it, plain-text 404 everywhere else.
func NewRouter(logger *zap.Logger, handlers *ContactHandlers) *gin.Engine {
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins: corsAllowOrigins,
		AllowMethods: corsAllowedMethods,
		AllowHeaders: corsAllowedHeaders,
		MaxAge:       corsPreflightMaxAge,
	}))

	router.POST(ContactRoute, handlers.SubmitContact)
	router.OPTIONS(ContactRoute, handlers.PreflightContact)

	router.NoMethod(func(ginContext *gin.Context) {
		ginContext.JSON(http.StatusMethodNotAllowed, gin.H{"error": errorMessageMethodNotAllowed})
	})
	router.NoRoute(func(ginContext *gin.Context) {
		ginContext.String(http.StatusNotFound, notFoundBody)
	})

	return router
}
