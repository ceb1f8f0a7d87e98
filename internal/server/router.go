package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/civic/internal/auth"
	"github.com/MarcoPoloResearchLab/civic/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sessionClaimsContextKey = "civic_session_claims"
	tokenTypeBearer         = "Bearer"
)

var (
	errMissingGoogleVerifier   = errors.New("google verifier dependency required")
	errMissingAccountResolver  = errors.New("account resolver dependency required")
	errMissingSessionValidator = errors.New("session validator dependency required")
)

type GoogleVerifier interface {
	Verify(ctx context.Context, token string) (auth.GoogleClaims, error)
}

type AccountResolver interface {
	Resolve(ctx context.Context, assertion users.Assertion) (users.Result, error)
}

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	CookieName() string
}

type Dependencies struct {
	GoogleVerifier   GoogleVerifier
	Resolver         AccountResolver
	SessionValidator SessionValidator
	AllowedOrigins   []string
	// SecureCookies marks the session cookie Secure; disable only for plain-HTTP development.
	SecureCookies bool
	Logger        *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.GoogleVerifier == nil {
		return nil, errMissingGoogleVerifier
	}
	if deps.Resolver == nil {
		return nil, errMissingAccountResolver
	}
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		verifier:      deps.GoogleVerifier,
		resolver:      deps.Resolver,
		sessions:      deps.SessionValidator,
		secureCookies: deps.SecureCookies,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/google", handler.handleGoogleAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleCurrentAccount)

	return router, nil
}

// corsMiddleware allows credentialed requests only from explicitly listed
// origins. A wildcard (or empty list) opens the API to any origin without credentials.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Origin"},
		MaxAge:       12 * time.Hour,
	}
	wildcard := len(allowedOrigins) == 0
	for _, origin := range allowedOrigins {
		if origin == "*" {
			wildcard = true
		}
	}
	if wildcard {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

type httpHandler struct {
	verifier      GoogleVerifier
	resolver      AccountResolver
	sessions      SessionValidator
	secureCookies bool
	logger        *zap.Logger
}

type authRequestPayload struct {
	IDToken string `json:"id_token"`
}

type accountPayload struct {
	ID       uint64   `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles"`
}

type authResponsePayload struct {
	Status      string         `json:"status"`
	Path        string         `json:"path"`
	AccessToken string         `json:"access_token"`
	ExpiresIn   int64          `json:"expires_in"`
	TokenType   string         `json:"token_type"`
	Account     accountPayload `json:"account"`
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("google token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, errorPayload{Error: "unauthorized"})
		return
	}
	if !claims.EmailVerified && claims.Email != "" {
		h.logger.Info("google email not verified by provider", zap.String("subject", claims.Subject))
	}

	result, err := h.resolver.Resolve(c.Request.Context(), assertionFromGoogle(claims))
	report := users.Report(result, err)
	if !result.Succeeded() || err != nil {
		c.JSON(httpStatusFor(report.Status), errorPayload{Error: report.Code, Message: report.Message})
		return
	}

	credential := result.Credential
	if cookieName := h.sessions.CookieName(); cookieName != "" {
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(cookieName, credential.Token, int(credential.ExpiresIn), "/", "", h.secureCookies, true)
	}

	c.JSON(http.StatusOK, authResponsePayload{
		Status:      report.Code,
		Path:        string(result.Path),
		AccessToken: credential.Token,
		ExpiresIn:   credential.ExpiresIn,
		TokenType:   tokenTypeBearer,
		Account: accountPayload{
			ID:       result.Account.ID,
			Username: result.Account.Username,
			Email:    result.Account.Email,
			Roles:    result.Account.RoleNames(),
		},
	})
}

func (h *httpHandler) handleCurrentAccount(c *gin.Context) {
	value, exists := c.Get(sessionClaimsContextKey)
	claims, ok := value.(auth.SessionClaims)
	if !exists || !ok {
		c.JSON(http.StatusUnauthorized, errorPayload{Error: "unauthorized"})
		return
	}
	roles := claims.Roles
	if roles == nil {
		roles = []string{}
	}
	c.JSON(http.StatusOK, accountPayload{
		ID:       claims.AccountID,
		Username: claims.Subject,
		Roles:    roles,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: "unauthorized"})
		return
	}
	c.Set(sessionClaimsContextKey, claims)
	c.Next()
}

func assertionFromGoogle(claims auth.GoogleClaims) users.Assertion {
	return users.Assertion{
		Provider:    auth.ProviderGoogle,
		Subject:     claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
		GivenName:   claims.GivenName,
		Surname:     claims.FamilyName,
	}
}

func httpStatusFor(status users.Status) int {
	switch status {
	case users.StatusSuccess:
		return http.StatusOK
	case users.StatusNoEmailClaim:
		return http.StatusBadRequest
	case users.StatusAccountCreationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
