// Package auth authenticates callers of the expense service: a gRPC unary
// interceptor and an HTTP middleware validate HS256 bearer tokens and put the
// token subject, the caller's user id, into the request context.
package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ServicePrefix is the full-method prefix of every expense RPC.
const ServicePrefix = "/expense.v1.ExpenseService/"

// Interceptor holds the JWT secret and the method prefixes it protects.
type Interceptor struct {
	jwtSecret         string
	protectedPrefixes []string
}

type contextKey string

const (
	userContextKey contextKey = "user"
)

// NewAuthInterceptor creates an Interceptor protecting every expense RPC.
func NewAuthInterceptor(jwtSecret string) *Interceptor {
	return &Interceptor{
		jwtSecret:         jwtSecret,
		protectedPrefixes: []string{ServicePrefix},
	}
}

func (i *Interceptor) protected(fullMethod string) bool {
	for _, p := range i.protectedPrefixes {
		if strings.HasPrefix(fullMethod, p) {
			return true
		}
	}
	return false
}

// Unary returns a gRPC unary interceptor for token validation on protected methods.
func (i *Interceptor) Unary() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !i.protected(info.FullMethod) {
			return handler(ctx, req)
		}
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "metadata missing")
		}

		tokenString, err := extractTokenFromMetadata(md)
		if err != nil {
			return nil, err
		}

		claims, err := validateToken(tokenString, i.jwtSecret)
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "invalid token: %v", err)
		}

		return handler(context.WithValue(ctx, userContextKey, claims), req)
	}
}

// UserIDFromContext returns the authenticated user id carried by ctx.
func UserIDFromContext(ctx context.Context) (uuid.UUID, error) {
	claims, ok := ctx.Value(userContextKey).(jwt.MapClaims)
	if !ok {
		return uuid.Nil, fmt.Errorf("no authenticated user in context")
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid subject: %w", err)
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, fmt.Errorf("subject %q is not a user id: %w", sub, err)
	}
	return id, nil
}

// WithUserID returns a context authenticated as userID.
func WithUserID(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, userContextKey, jwt.MapClaims{"sub": userID.String()})
}

// extractTokenFromMetadata retrieves a Bearer token from gRPC metadata.
func extractTokenFromMetadata(md metadata.MD) (string, error) {
	authHeaders := md.Get("authorization")
	if len(authHeaders) == 0 {
		return "", status.Error(codes.Unauthenticated, "authorization header missing")
	}

	headerValue := authHeaders[0]
	if !strings.HasPrefix(headerValue, "Bearer ") {
		return "", status.Error(codes.Unauthenticated, "invalid authorization format: missing Bearer prefix")
	}

	tokenString := strings.TrimPrefix(headerValue, "Bearer ")
	if tokenString == "" {
		return "", status.Error(codes.Unauthenticated, "invalid authorization format: empty token")
	}

	return tokenString, nil
}

// validateToken checks the signature and expiry and returns the claims.
// Tokens without a subject are rejected.
func validateToken(tokenString, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if sub, _ := claims.GetSubject(); sub == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}
