package billingapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	claimsContextKey = "billing_claims"
	roleOperator     = "operator"
)

// Claims is the accepted bearer-token payload. Subject is the user id;
// Roles gates the operator-only routes.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the token carries role.
func (claims *Claims) HasRole(role string) bool {
	for _, candidate := range claims.Roles {
		if candidate == role {
			return true
		}
	}
	return false
}

func authMiddleware(signingKey []byte, issuer string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		rawToken, found := strings.CutPrefix(header, "Bearer ")
		if !found || rawToken == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		claims := &Claims{}
		parseOptions := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
		if issuer != "" {
			parseOptions = append(parseOptions, jwt.WithIssuer(issuer))
		}
		token, err := jwt.ParseWithClaims(rawToken, claims, func(*jwt.Token) (any, error) {
			return signingKey, nil
		}, parseOptions...)
		if err != nil || !token.Valid || claims.Subject == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid bearer token"))
			return
		}
		ctx.Set(claimsContextKey, claims)
		ctx.Next()
	}
}

func requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil || !claims.HasRole(role) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "missing role "+role))
			return
		}
		ctx.Next()
	}
}

func getClaims(ctx *gin.Context) *Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*Claims)
	return claims
}
