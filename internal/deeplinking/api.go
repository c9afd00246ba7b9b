package deeplinking

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

const apiAudience = "deep-linking-content-items"

type pageResponse struct {
	Count    int           `json:"count"`
	Next     *string       `json:"next"`
	Previous *string       `json:"previous"`
	Results  []ContentItem `json:"results"`
}

// apiToken issues the bearer token the selection page uses for the API.
func (f *Flow) apiToken(launchID string) (string, error) {
	if len(f.APISecret) == 0 {
		return "", errors.New("content items API secret not configured")
	}
	ttl := f.APITokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := f.now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   launchID,
		Audience:  jwt.ClaimStrings{apiAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}).SignedString(f.APISecret)
}

func (f *Flow) authorize(r *http.Request, launchID string) bool {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" || len(f.APISecret) == 0 {
		return false
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return f.APISecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(apiAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(f.now),
	)
	return err == nil && claims.Subject == launchID
}

// listCourses handles GET /api/v1/{launch_id}/content_items/courses.
func (f *Flow) listCourses(w http.ResponseWriter, r *http.Request) {
	launchID := chi.URLParam(r, "launch_id")
	if !f.authorize(r, launchID) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "invalid or missing token"})
		return
	}
	msg, err := f.acquire(r, launchID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": failurePrefix + err.Error()})
		return
	}

	q := r.URL.Query()
	page := atoiDefault(q.Get("page"), 1)
	size := atoiDefault(q.Get("page_size"), defaultPageSize)
	if size > f.maxPageSize() {
		size = f.maxPageSize()
	}
	items, total, err := f.Page(r.Context(), msg, page, size)
	if err != nil {
		f.Log.WithError(err).WithField("launch_id", launchID).Error("list content items")
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": failurePrefix + err.Error()})
		return
	}
	resp := pageResponse{Count: total, Results: items}
	if page*size < total {
		resp.Next = f.pageURL(r, page+1, size)
	}
	if page > 1 {
		resp.Previous = f.pageURL(r, page-1, size)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (f *Flow) pageURL(r *http.Request, page, size int) *string {
	q := url.Values{"page": {strconv.Itoa(page)}, "page_size": {strconv.Itoa(size)}}
	s := f.PublicURL + r.URL.Path + "?" + q.Encode()
	return &s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
