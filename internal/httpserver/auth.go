package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/api/idtoken"
)

const (
	contextKeyAdminSubject = "admin_subject"
	contextKeyJobSubject   = "job_subject"
	bearerPrefix           = "Bearer "
)

// AdminClaims are the claims carried by operator tokens.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// adminAuthMiddleware validates HS256 operator tokens and requires the
// admin role.
func adminAuthMiddleware(secret []byte, issuer string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token := bearerToken(ctx.Request)
		if token == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		claims := &AdminClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return secret, nil
		}, jwt.WithIssuer(issuer), jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !parsed.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		if claims.Role != "admin" {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
			return
		}
		ctx.Set(contextKeyAdminSubject, claims.Subject)
		ctx.Next()
	}
}

// IDTokenValidator verifies a bearer token against an expected audience and
// returns its subject. The default wraps Google OIDC verification; tests
// inject their own.
type IDTokenValidator func(ctx context.Context, token string, audience string) (string, error)

// GoogleIDTokenValidator verifies Google-signed OIDC identity tokens, the
// credential Cloud Scheduler and Cloud Run jobs present.
func GoogleIDTokenValidator(ctx context.Context, token string, audience string) (string, error) {
	payload, err := idtoken.Validate(ctx, token, audience)
	if err != nil {
		return "", err
	}
	return payload.Subject, nil
}

// jobAuthMiddleware validates OIDC identity tokens on job trigger routes.
func jobAuthMiddleware(validate IDTokenValidator, audience string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token := bearerToken(ctx.Request)
		if token == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		subject, err := validate(ctx.Request.Context(), token, audience)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid identity token"))
			return
		}
		ctx.Set(contextKeyJobSubject, subject)
		ctx.Next()
	}
}

func bearerToken(request *http.Request) string {
	header := request.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
