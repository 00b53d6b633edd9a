package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaymux/relaymux/internal/codec"
	"github.com/relaymux/relaymux/internal/infrastructure/persistence"
	"github.com/relaymux/relaymux/internal/infrastructure/persistence/models"
	"github.com/relaymux/relaymux/pkg/errors"
)

// extractClientKey pulls the client API key from the request. Header
// precedence: Authorization (Bearer only), then x-goog-api-key, x-api-key,
// api-key. A malformed Authorization header fails outright rather than
// falling through to the other headers.
func extractClientKey(c *gin.Context) (string, error) {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if !strings.HasPrefix(auth, "Bearer ") {
			return "", errors.NewUnauthorized("Invalid Authorization header")
		}
		return strings.TrimPrefix(auth, "Bearer "), nil
	}
	for _, header := range []string{"x-goog-api-key", "x-api-key", "api-key"} {
		if key := c.GetHeader(header); key != "" {
			return key, nil
		}
	}
	return "", errors.NewUnauthorized("Missing API key")
}

// authenticate resolves the client token and checks expiry.
func authenticate(ctx context.Context, c *gin.Context, store *persistence.Store) (*models.TokenModel, error) {
	key, err := extractClientKey(c)
	if err != nil {
		return nil, err
	}

	token, err := store.FindTokenByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, errors.NewUnauthorized("Invalid API key")
	}
	if tokenExpired(token, time.Now()) {
		return nil, errors.NewUnauthorized("API key expired")
	}
	return token, nil
}

// tokenExpired compares RFC 3339 timestamps lexicographically; both sides
// are normalized to UTC "Z" form so the comparison is order-preserving.
func tokenExpired(token *models.TokenModel, now time.Time) bool {
	if token.ExpiresAt == nil || *token.ExpiresAt == "" {
		return false
	}
	expires := *token.ExpiresAt
	if parsed, err := time.Parse(time.RFC3339, expires); err == nil {
		expires = parsed.UTC().Format(time.RFC3339)
	}
	return expires <= now.UTC().Format(time.RFC3339)
}

// resolveOutputFormat picks the response wire format: the X-Output-Format
// header wins, then the output_format query parameter, then the input
// format.
func resolveOutputFormat(c *gin.Context, input codec.Format) (codec.Format, error) {
	name := c.GetHeader("X-Output-Format")
	if name == "" {
		name = c.Query("output_format")
	}
	if name == "" {
		return input, nil
	}
	format, ok := codec.ParseFormat(name)
	if !ok {
		return "", errors.NewBadRequest("Unknown output format: " + name)
	}
	return format, nil
}

// respondError writes the error envelope with the mapped status code.
func respondError(c *gin.Context, err error) {
	ge := errors.AsGateway(err)
	c.JSON(ge.HTTPStatus(), gin.H{
		"error": gin.H{
			"message": ge.ClientMessage(),
			"type":    string(ge.Kind),
		},
	})
}
