package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/mind-engage/mindengage-lti-tool/internal/access"
	"github.com/mind-engage/mindengage-lti-tool/internal/ags"
	"github.com/mind-engage/mindengage-lti-tool/internal/opaquekeys"
	"github.com/mind-engage/mindengage-lti-tool/internal/profiles"
)

/*
Package admin exposes the JSON API operators use to manage:
  - Tools (platform registrations: issuer, client_id, OIDC and token URLs, key set, deployments)
  - Course access configurations (one per tool, created with it)
  - The LTI profiles minted under a registration (read only)

Route prefix: /admin. Every route requires the admin bearer token.
*/

// Store is the persistence used by the admin API.
type Store interface {
	CreateTool(ctx context.Context, t access.Tool) (access.Tool, error)
	GetTool(ctx context.Context, id string) (access.Tool, error)
	ListTools(ctx context.Context, offset, limit int) ([]access.Tool, error)
	UpdateTool(ctx context.Context, t access.Tool) error
	DeleteTool(ctx context.Context, id string) error

	GetConfiguration(ctx context.Context, toolID string) (access.Configuration, error)
	UpdateConfiguration(ctx context.Context, c access.Configuration) error
}

type ProfileLister interface {
	ListForTool(ctx context.Context, iss, aud string, offset, limit int) ([]profiles.Profile, error)
}

// Routes returns the CRUD endpoints. Mount it under /admin behind RequireToken.
func Routes(store Store, profs ProfileLister, log logrus.FieldLogger) http.Handler {
	r := chi.NewRouter()

	r.Post("/tools", createTool(store, log))
	r.Get("/tools", listTools(store))
	r.Get("/tools/{id}", getTool(store))
	r.Put("/tools/{id}", updateTool(store))
	r.Delete("/tools/{id}", deleteTool(store, log))

	r.Get("/tools/{id}/configuration", getConfiguration(store))
	r.Put("/tools/{id}/configuration", updateConfiguration(store, log))

	r.Get("/tools/{id}/profiles", listProfiles(store, profs))

	return r
}

// RequireToken guards handlers with a static bearer token.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeErr(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

/* ------------------------------- Tools ------------------------------------ */

func createTool(store Store, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ToolReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if msg := validateToolReq(req); msg != "" {
			writeErr(w, http.StatusBadRequest, msg)
			return
		}
		t, err := store.CreateTool(r.Context(), toolFromReq(req))
		if err != nil {
			if errors.Is(err, access.ErrDuplicateTool) {
				writeErr(w, http.StatusConflict, "issuer and client_id already registered")
				return
			}
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		log.WithFields(logrus.Fields{"tool_id": t.ID, "iss": t.Issuer, "client_id": t.ClientID}).Info("tool registered")
		writeJSON(w, http.StatusCreated, t)
	}
}

func getTool(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := store.GetTool(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			notFoundOr500(w, err, "tool not found")
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func listTools(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, limit := parsePage(r, 0, 100)
		items, err := store.ListTools(r.Context(), offset, limit)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		if items == nil {
			items = []access.Tool{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func updateTool(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		current, err := store.GetTool(r.Context(), id)
		if err != nil {
			notFoundOr500(w, err, "tool not found")
			return
		}

		var req ToolReq // full replacement; is_active keeps its value when omitted
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if msg := validateToolReq(req); msg != "" {
			writeErr(w, http.StatusBadRequest, msg)
			return
		}
		t := toolFromReq(req)
		t.ID, t.CreatedAt = id, current.CreatedAt
		if req.IsActive == nil {
			t.IsActive = current.IsActive
		}
		if err := store.UpdateTool(r.Context(), t); err != nil {
			notFoundOr500(w, err, "tool not found")
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func deleteTool(store Store, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := store.DeleteTool(r.Context(), id); err != nil {
			notFoundOr500(w, err, "tool not found")
			return
		}
		log.WithField("tool_id", id).Info("tool deleted")
		w.WriteHeader(http.StatusNoContent)
	}
}

/* --------------------------- Configuration -------------------------------- */

func getConfiguration(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := store.GetConfiguration(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			notFoundOr500(w, err, "configuration not found")
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func updateConfiguration(store Store, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req ConfigurationReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if req.ProvisioningMode == "" {
			req.ProvisioningMode = access.ModeNewAccountsOnly
		}
		if !req.ProvisioningMode.Valid() {
			writeErr(w, http.StatusBadRequest, "unknown user_provisioning_mode")
			return
		}
		courses := trimAll(req.AllowedCourseIDs)
		for _, c := range courses {
			if _, err := opaquekeys.ParseCourseKey(c); err != nil {
				writeErr(w, http.StatusBadRequest, "allowed_course_ids: "+err.Error())
				return
			}
		}
		c := access.Configuration{
			ToolID:           id,
			AllowedCourseIDs: courses,
			AllowedOrgs:      trimAll(req.AllowedOrgs),
			ProvisioningMode: req.ProvisioningMode,
		}
		if err := store.UpdateConfiguration(r.Context(), c); err != nil {
			notFoundOr500(w, err, "configuration not found")
			return
		}
		updated, err := store.GetConfiguration(r.Context(), id)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		log.WithFields(logrus.Fields{"tool_id": id, "courses": len(courses), "mode": c.ProvisioningMode}).
			Info("course access configuration updated")
		writeJSON(w, http.StatusOK, updated)
	}
}

/* ------------------------------ Profiles ---------------------------------- */

func listProfiles(store Store, profs ProfileLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := store.GetTool(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			notFoundOr500(w, err, "tool not found")
			return
		}
		offset, limit := parsePage(r, 0, 100)
		items, err := profs.ListForTool(r.Context(), t.Issuer, t.ClientID, offset, limit)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		if items == nil {
			items = []profiles.Profile{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

/* ------------------------------- Events ----------------------------------- */

// EventSink accepts grade events for the grade bridge.
type EventSink interface {
	Publish(ctx context.Context, ev ags.Event) error
}

// ChanSink feeds events into the channel consumed by ags.Bridge.Run.
type ChanSink chan<- ags.Event

func (c ChanSink) Publish(ctx context.Context, ev ags.Event) error {
	select {
	case c <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GradeEvents handles POST of one grade event envelope from the host.
func GradeEvents(sink EventSink, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, err := ags.DecodeEvent(http.MaxBytesReader(w, r.Body, 1<<16))
		if err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := sink.Publish(r.Context(), ev); err != nil {
			log.WithError(err).WithField("event_id", ev.ID()).Error("grade event dropped")
			writeErr(w, http.StatusServiceUnavailable, "event queue unavailable")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

/* ------------------------------ Validation -------------------------------- */

func validateToolReq(req ToolReq) string {
	if strings.TrimSpace(req.Issuer) == "" {
		return "issuer is required"
	}
	if strings.TrimSpace(req.ClientID) == "" {
		return "client_id is required"
	}
	for name, u := range map[string]string{
		"auth_login_url": req.AuthLoginURL,
		"auth_token_url": req.AuthTokenURL,
		"key_set_url":    req.KeySetURL,
	} {
		if strings.TrimSpace(u) == "" {
			return name + " is required"
		}
		if !isHTTPURL(u) {
			return name + " must be http(s) URL"
		}
	}
	return ""
}

func toolFromReq(req ToolReq) access.Tool {
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return access.Tool{
		Title:         strings.TrimSpace(req.Title),
		Issuer:        strings.TrimSpace(req.Issuer),
		ClientID:      strings.TrimSpace(req.ClientID),
		AuthLoginURL:  strings.TrimSpace(req.AuthLoginURL),
		AuthTokenURL:  strings.TrimSpace(req.AuthTokenURL),
		KeySetURL:     strings.TrimSpace(req.KeySetURL),
		DeploymentIDs: trimAll(req.DeploymentIDs),
		IsActive:      active,
	}
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

/* ------------------------------ Utilities --------------------------------- */

func notFoundOr500(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, access.ErrToolNotFound) || errors.Is(err, access.ErrConfigurationNotFound) {
		writeErr(w, http.StatusNotFound, msg)
		return
	}
	writeErr(w, http.StatusInternalServerError, err.Error())
}

func parsePage(r *http.Request, defOffset, defLimit int) (offset, limit int) {
	q := r.URL.Query()
	offset = defOffset
	limit = defLimit

	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	return
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errResp struct {
	Error string `json:"error"`
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Error: msg})
}

// trimAll trims whitespace from every string in the slice and removes empties.
func trimAll(xs []string) []string {
	out := make([]string, 0, len(xs))
	for _, s := range xs {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
