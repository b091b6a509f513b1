package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"auth-session/internal/observability"
)

var (
	usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,32}$`)
	emailRegex    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

const (
	maxJSONBodyBytes = 1 << 20

	msgServerError      = "Server error"
	msgInvalidJSON      = "Invalid JSON body"
	msgInvalidRefresh   = "Invalid refresh token"
	msgInvalidOrExpired = "Invalid or expired token"
	msgForgotPassword   = "If the email exists, a password reset link has been sent."
	msgResendGeneric    = "If the account exists and is not verified, a new verification link has been sent."
)

type HandlerDeps struct {
	Users            UserStore
	Hasher           PasswordHasher
	Tokens           *TokenService
	Resets           *PasswordResetService
	Verifications    *EmailVerificationService
	CSRF             *CSRFGuard
	Limiter          RateLimiter
	Auditor          *Auditor
	Logger           *observability.Logger
	Cookies          CookiePolicy
	VerifySuccessURL string
	TrustedProxyHops int
}

type Handler struct {
	users            UserStore
	hasher           PasswordHasher
	tokens           *TokenService
	resets           *PasswordResetService
	verifications    *EmailVerificationService
	csrf             *CSRFGuard
	limiter          RateLimiter
	auditor          *Auditor
	logger           *observability.Logger
	cookies          CookiePolicy
	verifySuccessURL string
	trustedHops      int
	dummyDigest      string
	now              func() time.Time
}

func NewHandler(deps HandlerDeps) (*Handler, error) {
	// Compared against on unknown emails so both paths cost one hash.
	dummy, err := deps.Hasher.Hash("dummy-password-for-timing")
	if err != nil {
		return nil, err
	}

	h := &Handler{
		users:            deps.Users,
		hasher:           deps.Hasher,
		tokens:           deps.Tokens,
		resets:           deps.Resets,
		verifications:    deps.Verifications,
		csrf:             deps.CSRF,
		limiter:          deps.Limiter,
		auditor:          deps.Auditor,
		logger:           deps.Logger,
		cookies:          deps.Cookies,
		verifySuccessURL: deps.VerifySuccessURL,
		trustedHops:      deps.TrustedProxyHops,
		dummyDigest:      dummy,
		now:              func() time.Time { return time.Now().UTC() },
	}
	h.csrf.WithRejectHook(func(r *http.Request) {
		h.auditor.Record(r.Context(), EventCSRFRejected, "", h.clientInfo(r))
	})
	return h, nil
}

// Mount registers the auth routes. CSRF validation wraps every POST so it
// runs before rate limiting and body parsing.
func (h *Handler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /auth/csrf", h.CSRFToken)
	mux.HandleFunc("GET /auth/verify-email", h.VerifyEmail)
	mux.Handle("GET /auth/me", RequireAccess(h.tokens, http.HandlerFunc(h.Me)))

	mux.Handle("POST /auth/login", h.csrf.Middleware(http.HandlerFunc(h.Login)))
	mux.Handle("POST /auth/register", h.csrf.Middleware(http.HandlerFunc(h.Register)))
	mux.Handle("POST /auth/refresh", h.csrf.Middleware(http.HandlerFunc(h.Refresh)))
	mux.Handle("POST /auth/logout", h.csrf.Middleware(http.HandlerFunc(h.Logout)))
	mux.Handle("POST /auth/forgot-password", h.csrf.Middleware(http.HandlerFunc(h.ForgotPassword)))
	mux.Handle("POST /auth/reset-password", h.csrf.Middleware(http.HandlerFunc(h.ResetPassword)))
	mux.Handle("POST /auth/resend-verification", h.csrf.Middleware(http.HandlerFunc(h.ResendVerification)))
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

func (h *Handler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.csrf.Issue(w)
	if err != nil {
		h.serverError(w, r, "csrf_issue_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"csrfToken": token})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client := h.clientInfo(r)

	if err := h.limiter.Consume(ctx, client.IP); err != nil {
		var limited *RateLimitedError
		if errors.As(err, &limited) {
			h.auditor.Record(ctx, EventLoginRateLimited, "", client)
			w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(limited.RetryAfter)))
			writeError(w, http.StatusTooManyRequests, "Too many login attempts. Try again later.")
			return
		}
		// The limiter is an abuse heuristic; an unavailable backend does not
		// block sign-in.
		h.logger.LogError("rate_limit_unavailable", err, map[string]any{"ip": client.IP})
	}

	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	email := normalizeEmail(body.Email)
	if email == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Missing fields")
		return
	}

	user, err := h.users.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		_, _ = h.hasher.Verify(h.dummyDigest, body.Password)
		h.auditor.Record(ctx, EventLoginFailed, "", client)
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err != nil {
		h.serverError(w, r, "login_user_lookup_failed", err)
		return
	}

	ok, err := h.hasher.Verify(user.PasswordHash, body.Password)
	if err != nil {
		h.logger.LogError("password_digest_unreadable", err, map[string]any{"user_id": user.ID})
	}
	if !ok {
		h.auditor.Record(ctx, EventLoginFailed, user.ID, client)
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	if !user.Verified {
		h.auditor.Record(ctx, EventLoginUnverified, user.ID, client)
		writeError(w, http.StatusForbidden, "Please verify your email")
		return
	}

	if err := h.limiter.Reset(ctx, client.IP); err != nil {
		h.logger.LogError("rate_limit_reset_failed", err, map[string]any{"ip": client.IP})
	}

	if h.hasher.NeedsUpgrade(user.PasswordHash) {
		h.upgradePasswordHash(r, user, body.Password, client)
	}

	pair, err := h.tokens.IssuePair(ctx, user.ID, client)
	if err != nil {
		h.serverError(w, r, "login_issue_tokens_failed", err)
		return
	}
	if _, err := h.csrf.IssueSession(w); err != nil {
		h.serverError(w, r, "login_csrf_failed", err)
		return
	}
	h.cookies.SetSession(w, pair, h.now())

	h.auditor.Record(ctx, EventLoginSuccess, user.ID, client)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Logged in",
		"user":    user.Public(),
	})
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client := h.clientInfo(r)

	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	username := strings.ToLower(strings.TrimSpace(body.Username))
	email := normalizeEmail(body.Email)
	if username == "" || email == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "All fields are required")
		return
	}
	if !emailRegex.MatchString(email) {
		writeError(w, http.StatusBadRequest, "Invalid email address")
		return
	}
	if !usernameRegex.MatchString(username) {
		writeError(w, http.StatusBadRequest, "Username must be 3-32 characters: letters, digits, dot, dash or underscore")
		return
	}
	if len(body.Password) < minPasswordLength {
		writeError(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}

	exists, err := h.users.UserExists(ctx, email, username)
	if err != nil {
		h.serverError(w, r, "register_lookup_failed", err)
		return
	}
	if exists {
		h.auditor.Record(ctx, EventRegisterDuplicate, "", client)
		writeError(w, http.StatusConflict, "User already exists")
		return
	}

	digest, err := h.hasher.Hash(body.Password)
	if err != nil {
		h.serverError(w, r, "register_hash_failed", err)
		return
	}

	user, err := newUser(email, username, digest, h.now())
	if err != nil {
		h.serverError(w, r, "register_id_failed", err)
		return
	}
	if err := h.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrConflict) {
			h.auditor.Record(ctx, EventRegisterDuplicate, "", client)
			writeError(w, http.StatusConflict, "User already exists")
			return
		}
		h.serverError(w, r, "register_create_failed", err)
		return
	}

	if err := h.verifications.Issue(ctx, user); err != nil {
		h.logger.LogError("register_verification_failed", err, map[string]any{"user_id": user.ID})
		observability.CaptureError(err, map[string]string{"flow": "register"})
	}

	h.auditor.Record(ctx, EventRegister, user.ID, client)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Registration successful. Please check your email to verify your account.",
	})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client := h.clientInfo(r)

	raw := cookieValue(r, RefreshCookieName)
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "No refresh token")
		return
	}

	pair, err := h.tokens.Rotate(ctx, raw, client)
	if err != nil {
		var reuse *ReuseDetectedError
		switch {
		case errors.Is(err, ErrRefreshRaced):
			// The concurrent winner already set fresh cookies; leave them.
			h.auditor.Record(ctx, EventRefreshRaced, "", client)
			writeError(w, http.StatusUnauthorized, msgInvalidRefresh)
		case errors.As(err, &reuse):
			h.auditor.Record(ctx, EventRefreshReuseDetected, reuse.UserID, client)
			h.logger.Warn("refresh_reuse_detected", map[string]any{
				"user_id": reuse.UserID,
				"status":  reuse.Status.String(),
				"revoked": reuse.Revoked,
				"ip":      client.IP,
			})
			h.cookies.ClearSession(w)
			writeError(w, http.StatusUnauthorized, "Refresh token revoked or expired")
		case errors.Is(err, ErrInvalidRefreshToken):
			h.auditor.Record(ctx, EventRefreshInvalid, "", client)
			h.cookies.ClearSession(w)
			writeError(w, http.StatusUnauthorized, msgInvalidRefresh)
		default:
			h.serverError(w, r, "refresh_failed", err)
		}
		return
	}

	h.cookies.SetSession(w, pair, h.now())
	h.auditor.Record(ctx, EventRefreshSuccess, pair.UserID, client)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Token refreshed"})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client := h.clientInfo(r)

	h.cookies.ClearSession(w)
	h.csrf.Clear(w)

	userID, err := h.tokens.Revoke(ctx, cookieValue(r, RefreshCookieName))
	if err != nil {
		h.serverError(w, r, "logout_revoke_failed", err)
		return
	}

	h.auditor.Record(ctx, EventLogout, userID, client)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body emailRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.resets.Request(r.Context(), body.Email, h.clientInfo(r)); err != nil {
		h.writeServiceError(w, r, "forgot_password_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msgForgotPassword})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.resets.Complete(r.Context(), body.Token, body.NewPassword, h.clientInfo(r)); err != nil {
		h.writeServiceError(w, r, "reset_password_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Password has been reset successfully"})
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if _, err := h.verifications.Complete(r.Context(), token, h.clientInfo(r)); err != nil {
		h.writeServiceError(w, r, "verify_email_failed", err)
		return
	}
	http.Redirect(w, r, h.verifySuccessURL, http.StatusSeeOther)
}

func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var body emailRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.verifications.Resend(r.Context(), body.Email, h.clientInfo(r)); err != nil {
		h.writeServiceError(w, r, "resend_verification_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msgResendGeneric})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	user, err := h.users.GetUserByID(r.Context(), userID)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		h.serverError(w, r, "me_lookup_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user.Public()})
}

func (h *Handler) upgradePasswordHash(r *http.Request, user User, password string, client ClientInfo) {
	digest, err := h.hasher.Hash(password)
	if err == nil {
		err = h.users.UpdatePasswordHash(r.Context(), user.ID, digest)
	}
	if err != nil {
		h.logger.LogError("password_hash_upgrade_failed", err, map[string]any{"user_id": user.ID})
		return
	}
	h.auditor.Record(r.Context(), EventPasswordHashUpgraded, user.ID, client)
}

// writeServiceError answers with the client-safe message for known errors
// and falls back to a reported 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, event string, err error) {
	var validation *ValidationError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Message)
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrExpiredToken):
		writeError(w, HTTPStatus(err), msgInvalidOrExpired)
	default:
		h.serverError(w, r, event, err)
	}
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, event string, err error) {
	h.logger.LogError(event, err, map[string]any{"path": r.URL.Path})
	observability.CaptureError(err, map[string]string{"event": event})
	writeError(w, http.StatusInternalServerError, msgServerError)
}

func (h *Handler) clientInfo(r *http.Request) ClientInfo {
	return ClientInfo{IP: observability.ClientIP(r, h.trustedHops), UserAgent: r.UserAgent()}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
