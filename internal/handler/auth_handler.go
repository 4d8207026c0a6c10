package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"classpage-auth/internal/config"
	"classpage-auth/internal/model"
	"classpage-auth/internal/service"
	"classpage-auth/internal/util"
)

// requestOTPMessage is returned from every non-actionable branch of the
// request-otp endpoint, including internal failures. The shape must not
// reveal whether the identifier belongs to an account.
const requestOTPMessage = "If that identifier can receive codes, a sign-in code is on its way."

type AuthHandler struct {
	otp         *service.OTPService
	tokens      *service.TokenService
	invitations *service.InvitationService
	resolver    *service.SessionResolver
	gate        *service.AuthorizationGate
	cfg         *config.Config
}

func NewAuthHandler(
	otp *service.OTPService,
	tokens *service.TokenService,
	invitations *service.InvitationService,
	resolver *service.SessionResolver,
	gate *service.AuthorizationGate,
	cfg *config.Config,
) *AuthHandler {
	return &AuthHandler{
		otp:         otp,
		tokens:      tokens,
		invitations: invitations,
		resolver:    resolver,
		gate:        gate,
		cfg:         cfg,
	}
}

type apiResponse struct {
	OK          bool        `json:"ok"`
	Message     string      `json:"message,omitempty"`
	ErrorCode   string      `json:"error_code,omitempty"`
	RetryAfter  int         `json:"retry_after,omitempty"`
	Token       string      `json:"token,omitempty"`
	NeedsRedeem bool        `json:"needs_redeem,omitempty"`
	Redirect    string      `json:"redirect,omitempty"`
	Data        interface{} `json:"data,omitempty"`
}

func getStatusCode(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, service.ErrExpired):
		return http.StatusGone, "expired"
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		util.Error("failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := getStatusCode(err)
	resp := apiResponse{OK: false, ErrorCode: code, Message: publicMessage(err, code)}

	var limited *service.RateLimitedError
	if errors.As(err, &limited) {
		resp.RetryAfter = limited.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
	}
	if status == http.StatusInternalServerError {
		util.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, resp)
}

// publicMessage strips wrapped internals; only the sentinel category leaks.
func publicMessage(err error, code string) string {
	switch code {
	case "rate_limited":
		return "Too many attempts, try again later."
	case "unauthorized":
		return "Invalid or expired credentials."
	case "internal":
		return "Something went wrong."
	default:
		return err.Error()
	}
}

func decode(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed body", service.ErrInvalidInput)
	}
	return nil
}

// formPost reports whether the request body is a browser form submission.
// The invitation landing page posts url-encoded forms at the same endpoints
// API clients hit with JSON.
func formPost(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/x-www-form-urlencoded"
}

func parseForm(r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return fmt.Errorf("%w: malformed form", service.ErrInvalidInput)
	}
	return nil
}

func clientIP(r *http.Request) string {
	// middleware.RealIP has already rewritten RemoteAddr from the
	// forwarding headers.
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.Session.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.Session.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	})
}

// ---- OTP ----

type requestOTPBody struct {
	Identifier string `json:"identifier"`
	// Optional post-verification destination, echoed back for the client
	// to carry through the verify step.
	Q string `json:"q"`
}

// RequestOTP issues a sign-in code. Only validation and rate-limit failures
// are surfaced; everything else collapses into the uniform success shape so
// the endpoint cannot be used to probe which identifiers exist.
func (h *AuthHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var body requestOTPBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}

	err := h.otp.RequestOTP(r.Context(), body.Identifier, clientIP(r))
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) || errors.Is(err, service.ErrRateLimited) {
			writeError(w, err)
			return
		}
		util.Error("otp request failed", zap.Error(err))
	}

	redirect := "/verify"
	if body.Q != "" {
		redirect = "/verify?q=" + url.QueryEscape(body.Q)
	}
	writeJSON(w, http.StatusOK, apiResponse{
		OK:       true,
		Message:  requestOTPMessage,
		Redirect: redirect,
	})
}

type verifyBody struct {
	Identifier string `json:"identifier"`
	Code       string `json:"code"`
}

func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var body verifyBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.otp.VerifyOTP(r.Context(), body.Identifier, body.Code, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, err)
		return
	}

	h.setSessionCookie(w, result.Token, result.ExpiresAt)

	redirect := "/"
	if result.NeedsRedeem {
		redirect = "/redeem"
	}
	writeJSON(w, http.StatusOK, apiResponse{
		OK:          true,
		Token:       result.Token,
		NeedsRedeem: result.NeedsRedeem,
		Redirect:    redirect,
	})
}

// ---- Invitation ----

var invitationPage = template.Must(template.New("invitation").Parse(`<!doctype html>
<html><head><title>{{.SchoolName}}</title></head><body>
<h1>{{.SchoolName}}</h1>
{{if .HasRegistration}}
<form method="post" action="/api/auth/login-with-code">
<input type="hidden" name="code" value="{{.Code}}">
<label>Email <input type="email" name="email" value="{{.Email}}"></label>
<button type="submit">Sign in</button>
</form>
{{else}}
<form method="post" action="/api/auth/register-with-code">
<input type="hidden" name="code" value="{{.Code}}">
<label>Email <input type="email" name="email" value="{{.Email}}"></label>
<label>Child name <input type="text" name="child_name"></label>
<label>Parent name <input type="text" name="parent1_name"></label>
<button type="submit">Register</button>
</form>
{{end}}
</body></html>`))

// InvitationLanding serves the form for an invitation link: registration
// when the code has no stored details yet, login when it does.
func (h *AuthHandler) InvitationLanding(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	inv, err := h.invitations.Inspect(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = invitationPage.Execute(w, map[string]interface{}{
		"SchoolName":      inv.SchoolName,
		"Code":            inv.Code,
		"Email":           r.URL.Query().Get("email"),
		"HasRegistration": inv.HasRegistration(),
	})
	if err != nil {
		util.Error("failed to render invitation page", zap.Error(err))
	}
}

type registerWithCodeBody struct {
	Code           string `json:"code"`
	Email          string `json:"email"`
	ChildName      string `json:"child_name"`
	ChildBirthDate string `json:"child_birth_date"`
	Parent1Name    string `json:"parent1_name"`
	Parent1Role    string `json:"parent1_role"`
	Parent1Phone   string `json:"parent1_phone"`
	Parent2Name    string `json:"parent2_name"`
	Parent2Phone   string `json:"parent2_phone"`
}

// RegisterWithCode stores the family details on the code, then completes
// the claim in the same request.
func (h *AuthHandler) RegisterWithCode(w http.ResponseWriter, r *http.Request) {
	var body registerWithCodeBody
	if formPost(r) {
		if err := parseForm(r); err != nil {
			writeError(w, err)
			return
		}
		body = registerWithCodeBody{
			Code:           r.PostFormValue("code"),
			Email:          r.PostFormValue("email"),
			ChildName:      r.PostFormValue("child_name"),
			ChildBirthDate: r.PostFormValue("child_birth_date"),
			Parent1Name:    r.PostFormValue("parent1_name"),
			Parent1Role:    r.PostFormValue("parent1_role"),
			Parent1Phone:   r.PostFormValue("parent1_phone"),
			Parent2Name:    r.PostFormValue("parent2_name"),
			Parent2Phone:   r.PostFormValue("parent2_phone"),
		}
	} else if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}

	fields := &model.RegistrationFields{
		ChildName:      body.ChildName,
		ChildBirthDate: body.ChildBirthDate,
		Parent1Name:    body.Parent1Name,
		Parent1Role:    body.Parent1Role,
		Parent1Phone:   body.Parent1Phone,
		Parent2Name:    body.Parent2Name,
		Parent2Phone:   body.Parent2Phone,
	}
	if _, err := h.invitations.RegisterWithCode(r.Context(), body.Code, fields); err != nil {
		writeError(w, err)
		return
	}

	h.claimAndRespond(w, r, body.Code, body.Email)
}

type loginWithCodeBody struct {
	Code  string `json:"code"`
	Email string `json:"email"`
}

// LoginWithCode performs the claim directly for a code whose registration
// details were stored in an earlier visit.
func (h *AuthHandler) LoginWithCode(w http.ResponseWriter, r *http.Request) {
	var body loginWithCodeBody
	if formPost(r) {
		if err := parseForm(r); err != nil {
			writeError(w, err)
			return
		}
		body = loginWithCodeBody{
			Code:  r.PostFormValue("code"),
			Email: r.PostFormValue("email"),
		}
	} else if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	h.claimAndRespond(w, r, body.Code, body.Email)
}

func (h *AuthHandler) claimAndRespond(w http.ResponseWriter, r *http.Request, code, email string) {
	result, err := h.invitations.Claim(r.Context(), code, email, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, err)
		return
	}

	h.setSessionCookie(w, result.Token, result.ExpiresAt)
	writeJSON(w, http.StatusOK, apiResponse{
		OK:       true,
		Token:    result.Token,
		Redirect: "/pages/" + result.PageID,
		Data: map[string]interface{}{
			"page_id": result.PageID,
			"user_id": result.User.UserID,
		},
	})
}

type redeemBody struct {
	Code string `json:"code"`
}

// Redeem claims a code on behalf of the already signed-in user.
func (h *AuthHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	actor, err := h.resolver.Resolve(r.Context(), r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body redeemBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}

	h.claimAndRespond(w, r, body.Code, actor.User.Identifier)
}

type generateInvitationBody struct {
	SchoolName string `json:"school_name"`
	AdminEmail string `json:"admin_email"`
}

// GenerateInvitation mints a new invitation code. System admins only.
func (h *AuthHandler) GenerateInvitation(w http.ResponseWriter, r *http.Request) {
	actor, err := h.resolver.Resolve(r.Context(), r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.gate.RequireSystemAdmin(actor.User); err != nil {
		writeError(w, err)
		return
	}

	var body generateInvitationBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}

	inv, err := h.invitations.GenerateCode(r.Context(), body.SchoolName, body.AdminEmail)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, apiResponse{
		OK: true,
		Data: map[string]interface{}{
			"code":        inv.Code,
			"school_name": inv.SchoolName,
			"admin_email": inv.AdminEmail,
			"status":      inv.Status,
		},
	})
}

// ---- Session ----

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	actor, err := h.resolver.Resolve(r.Context(), r)
	if err != nil {
		// Nothing to revoke; still clear the cookie.
		h.clearSessionCookie(w)
		writeJSON(w, http.StatusOK, apiResponse{OK: true})
		return
	}

	if _, err := h.tokens.RevokeAll(r.Context(), actor.User); err != nil {
		writeError(w, err)
		return
	}
	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, apiResponse{OK: true, Redirect: "/"})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	actor, err := h.resolver.Resolve(r.Context(), r)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{
		OK: true,
		Data: map[string]interface{}{
			"user_id":    actor.User.UserID,
			"identifier": actor.User.Identifier,
			"role":       actor.User.Role,
			"source":     actor.Source,
		},
	})
}

type refreshBody struct {
	Token string `json:"token"`
}

// Refresh re-validates a token and returns the bound identity. No rotation:
// the same token stays valid.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}

	user, err := h.tokens.Validate(r.Context(), body.Token)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{
		OK: true,
		Data: map[string]interface{}{
			"user_id":    user.UserID,
			"identifier": user.Identifier,
			"role":       user.Role,
		},
	})
}
