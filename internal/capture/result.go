// internal/capture/result.go
package capture

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Result is what a capture run hands back to the caller. Fields the flow
// could not capture are nil; absence is data here, not an error. Deciding
// whether a missing token means a failed login is the caller's call.
type Result struct {
	Email    *string `json:"email"`
	Token    *string `json:"token"`
	Username *string `json:"username"`

	// EmailSource records which channel won the email, for diagnostics.
	EmailSource EmailSource `json:"email_source,omitempty"`
}

// Complete reports whether the run captured an authorization token.
func (r Result) Complete() bool {
	return r.Token != nil
}

// Assemble folds the captured state and the extracted username into a Result.
// It never fails; whatever was captured is returned as-is.
func Assemble(snap Snapshot, username string, logger *zap.Logger) Result {
	var r Result

	if snap.Email != "" {
		email := snap.Email
		r.Email = &email
		r.EmailSource = snap.EmailSource
	}
	if snap.Token != "" {
		token := snap.Token
		r.Token = &token
		inspectToken(token, logger)
	}
	if username = strings.TrimSpace(username); username != "" {
		r.Username = &username
	}

	logger.Info("Capture result assembled.",
		zap.Bool("has_email", r.Email != nil),
		zap.Bool("has_token", r.Token != nil),
		zap.Bool("has_username", r.Username != nil),
		zap.String("email_source", string(r.EmailSource)),
	)
	return r
}

// inspectToken peeks at the claims when the captured bearer token happens to
// be a JWT, purely for diagnostics. The token is stored verbatim either way
// and opaque tokens are left alone; no verification is attempted or implied.
func inspectToken(token string, logger *zap.Logger) {
	raw := strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if strings.Count(raw, ".") != 2 {
		return
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return
	}

	fields := []zap.Field{}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		fields = append(fields, zap.String("subject", sub))
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		fields = append(fields, zap.Time("expires_at", exp.Time))
	}
	logger.Debug("Captured token is a JWT.", fields...)
}
