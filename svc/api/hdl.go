package api

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"sharebox/cfg"
	"sharebox/metrics"
	"sharebox/pkg/domain"
	"sharebox/svc/auth"
	"sharebox/svc/lim"
	"sharebox/svc/svc"
	"sharebox/svc/util"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"
)

const (
	maxTitleLength   = 200
	maxConfigBody    = 64 * 1024
	formOverheadSize = 64 * 1024
)

type Hdl struct {
	content  *svc.Content
	sessions *auth.Sessions
	conf     *cfg.Store
	cfg      *cfg.Cfg
}

type CreateResp struct {
	Success  bool   `json:"success"`
	ShortID  string `json:"short_id"`
	ShareURL string `json:"share_url"`
}

type ConfigResp struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *Hdl) LoginPage(w http.ResponseWriter, r *http.Request) {
	if h.sessions.Valid(r) {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	render(w, r, "login", http.StatusOK, loginPage{})
}

func (h *Hdl) Login(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	r.Body = http.MaxBytesReader(w, r.Body, formOverheadSize)
	if err := r.ParseForm(); err != nil {
		writeErr(w, domain.ErrInvalidRequest, util.GetRequestID(r.Context()))
		return
	}
	ip := util.RedactIP(lim.GetRealIP(r, h.cfg.TrustedProxies))
	if !auth.CheckPassword(r.PostForm.Get("password"), h.conf.Current().Auth.Password) {
		metrics.LoginAttempts.WithLabelValues("failure").Inc()
		log.Warn().Str("client_ip", ip).Msg("failed login attempt")
		render(w, r, "login", http.StatusOK, loginPage{Error: "Incorrect password"})
		return
	}
	if err := h.sessions.Issue(w); err != nil {
		log.Error().Err(err).Msg("failed to issue session")
		writeErr(w, domain.ErrInternalServer, util.GetRequestID(r.Context()))
		return
	}
	metrics.LoginAttempts.WithLabelValues("success").Inc()
	log.Info().Str("client_ip", ip).Msg("admin signed in")
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Hdl) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Revoke(w, r); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("failed to record session revocation")
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (h *Hdl) Index(w http.ResponseWriter, r *http.Request) {
	contents, err := h.content.List(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to list contents")
		writeErr(w, domain.ErrInternalServer, util.GetRequestID(r.Context()))
		return
	}
	doc := h.conf.Current()
	render(w, r, "index", http.StatusOK, indexPage{
		Contents:           contents,
		Config:             doc.Safe(),
		DefaultExpireHours: doc.Content.DefaultExpireHours,
	})
}

func (h *Hdl) Create(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	doc := h.conf.Current()

	// Oversized bodies still get the size error rather than a parse failure.
	limit := int64(doc.Content.MaxContentSize)*4 + formOverheadSize
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := parseForm(r, limit); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeErr(w, contentTooLarge(doc.Content.MaxContentSize), requestID)
			return
		}
		log.Warn().Err(err).Msg("invalid create form")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}

	expireHours, err := strconv.Atoi(strings.TrimSpace(r.FormValue("expire_hours")))
	if err != nil {
		expireHours = doc.Content.DefaultExpireHours
	}
	renderMode := r.FormValue("render_mode")
	if renderMode == "" {
		renderMode = string(domain.RenderRaw)
	}
	params := domain.CreateParams{
		Content:     r.FormValue("content"),
		Title:       sanitizeTitle(r.FormValue("title")),
		ExpireHours: expireHours,
		CustomID:    strings.TrimSpace(r.FormValue("custom_id")),
		RenderMode:  domain.RenderMode(renderMode),
	}
	id, err := h.content.Save(r.Context(), params)
	if err != nil {
		switch {
		case err == domain.ErrContentTooLarge:
			writeErr(w, contentTooLarge(doc.Content.MaxContentSize), requestID)
		case domain.IsDuplicateID(err):
			writeErr(w, domain.ErrDuplicateID.WithMsg(fmt.Sprintf("custom id %q is already in use", params.CustomID)), requestID)
		case domain.IsValidation(err):
			writeErr(w, err, requestID)
		default:
			log.Error().Err(err).Msg("failed to save content")
			writeErr(w, err, requestID)
		}
		return
	}
	writeJSON(w, http.StatusOK, CreateResp{
		Success:  true,
		ShortID:  id,
		ShareURL: h.shareURL(r, id),
	})
}

// parseForm accepts urlencoded and multipart bodies alike.
func parseForm(r *http.Request, maxMemory int64) error {
	if err := r.ParseForm(); err != nil {
		return err
	}
	err := r.ParseMultipartForm(maxMemory)
	if errors.Is(err, http.ErrNotMultipart) {
		return nil
	}
	return err
}

func contentTooLarge(max int) error {
	return domain.ErrContentTooLarge.WithMsg(fmt.Sprintf("content exceeds maximum size (%d bytes)", max))
}

// shareURL builds the absolute public link the way the request reached us.
func (h *Hdl) shareURL(r *http.Request, id string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	} else if len(h.cfg.TrustedProxies) > 0 && r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	host := r.Host
	if len(h.cfg.TrustedProxies) > 0 {
		if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
			host = fwd
		}
	}
	return scheme + "://" + host + "/s/" + id
}

func (h *Hdl) View(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.content.Get(r.Context(), id)
	if err != nil {
		if domain.IsNotFound(err) {
			http.NotFound(w, r)
			return
		}
		hlog.FromRequest(r).Error().Err(err).Str("id", id).Msg("failed to load content")
		writeErr(w, domain.ErrInternalServer, util.GetRequestID(r.Context()))
		return
	}
	if c.RenderMode == domain.RenderHTML {
		// Shared markup runs in an opaque origin so it cannot act on the
		// admin session.
		w.Header().Set("Content-Security-Policy", "sandbox allow-scripts allow-popups allow-forms")
		render(w, r, "view", http.StatusOK, viewPage{Title: c.Title, Body: template.HTML(c.Content)})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, c.Content)
}

func (h *Hdl) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.content.Delete(r.Context(), id); err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("id", id).Msg("failed to delete content")
		writeErr(w, domain.ErrInternalServer, util.GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Hdl) ListContents(w http.ResponseWriter, r *http.Request) {
	contents, err := h.content.List(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to list contents")
		writeErr(w, domain.ErrInternalServer, util.GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, contents)
}

func (h *Hdl) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.conf.Current().Safe())
}

func (h *Hdl) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxConfigBody)
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body) == 0 {
		writeErr(w, domain.ErrInvalidRequest.WithMsg("invalid JSON data"), requestID)
		return
	}
	patch := make(cfg.Patch, len(body))
	for section, values := range body {
		if fields, ok := values.(map[string]any); ok {
			patch[section] = fields
		}
	}
	restartNeeded, err := h.conf.Update(patch)
	if err != nil {
		log.Warn().Err(err).Msg("config update rejected")
		writeErr(w, err, requestID)
		return
	}
	msg := "config updated"
	if restartNeeded {
		msg += " (server address and database path changes take effect after a restart)"
	}
	log.Info().Bool("restart_needed", restartNeeded).Msg("config updated")
	writeJSON(w, http.StatusOK, ConfigResp{Success: true, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	writeJSON(w, statusCode, map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}

// sanitizeTitle normalizes to NFC, drops invalid UTF-8 and control characters
// and caps the length.
func sanitizeTitle(s string) string {
	s = norm.NFC.String(s)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	s = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxTitleLength {
		s = string([]rune(s)[:maxTitleLength])
	}
	return s
}
