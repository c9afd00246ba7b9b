// Package deeplinking lets platform users pick courses to link through an
// LTI Deep Linking request, and serves the same list as a JSON API.
package deeplinking

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/mind-engage/mindengage-lti-tool/internal/access"
	"github.com/mind-engage/mindengage-lti-tool/internal/host"
	"github.com/mind-engage/mindengage-lti-tool/pkg/lti"
)

const (
	ContentTypeResourceLink = "ltiResourceLink"

	responseTTL     = 5 * time.Minute
	defaultPageSize = 10
	defaultMaxPage  = 100
)

type MessageSource interface {
	FromRequest(r *http.Request) (*lti.Message, error)
	FromCache(ctx context.Context, launchID string) (*lti.Message, error)
}

type Signer interface {
	Sign(ctx context.Context, claims jwt.MapClaims) (string, error)
}

// ContentItem is one deep linking content item.
type ContentItem struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	CourseID string `json:"-"`
}

// Flow holds the deep linking collaborators.
type Flow struct {
	Messages MessageSource
	Catalog  host.CourseCatalog
	Configs  access.ConfigurationSource
	Signer   Signer
	// PublicURL is the tool base URL content items launch into.
	PublicURL string
	// APISecret signs the bearer tokens of the content items API.
	APISecret   []byte
	APITokenTTL time.Duration
	PageSizeMax int
	// RestrictCourses applies the registration's course allow-list to the listing.
	RestrictCourses bool
	Log             logrus.FieldLogger
	Now             func() time.Time
}

func (f *Flow) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *Flow) acquire(r *http.Request, launchID string) (*lti.Message, error) {
	var (
		msg *lti.Message
		err error
	)
	if launchID == "" {
		msg, err = f.Messages.FromRequest(r)
	} else {
		msg, err = f.Messages.FromCache(r.Context(), launchID)
	}
	if err != nil {
		return nil, err
	}
	if !msg.IsDeepLinking() {
		return nil, lti.Errorf(lti.KindProtocol, "Invalid message type %q", msg.Type())
	}
	return msg, nil
}

// courseQuery scopes the catalog to what the message's registration may see.
func (f *Flow) courseQuery(ctx context.Context, msg *lti.Message) (host.CourseQuery, error) {
	iss := msg.Claims.String("iss")
	clientID := lti.GetClientID(msg.Claims["aud"], msg.Claims.String("azp"))
	_, cfg, err := f.Configs.ConfigurationFor(ctx, iss, clientID)
	if errors.Is(err, access.ErrToolNotFound) || errors.Is(err, access.ErrConfigurationNotFound) {
		return host.CourseQuery{}, lti.Errorf(lti.KindAuthorization, "Course access configuration for this LTI tool not found.")
	}
	if err != nil {
		return host.CourseQuery{}, lti.Wrap(lti.KindAuthorization, err, "Course access configuration lookup failed.")
	}
	q := host.CourseQuery{Orgs: cfg.AllowedOrgs}
	if f.RestrictCourses {
		q.IDs = cfg.AllowedCourseIDs
	}
	return q, nil
}

// Page lists content items. page is 1-based.
func (f *Flow) Page(ctx context.Context, msg *lti.Message, page, size int) ([]ContentItem, int, error) {
	q, err := f.courseQuery(ctx, msg)
	if err != nil {
		return nil, 0, err
	}
	q.Limit, q.Offset = size, (page-1)*size
	courses, total, err := f.Catalog.ListCourses(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("list courses: %w", err)
	}
	items := make([]ContentItem, 0, len(courses))
	for _, c := range courses {
		items = append(items, f.item(c))
	}
	return items, total, nil
}

func (f *Flow) item(c host.Course) ContentItem {
	return ContentItem{
		Type:     ContentTypeResourceLink,
		URL:      f.PublicURL + "/lti/1.3/launch/" + c.ID,
		Title:    c.Title,
		CourseID: c.ID,
	}
}

// selected resolves the submitted course ids, keeping only visible ones.
func (f *Flow) selected(ctx context.Context, msg *lti.Message, ids []string) ([]ContentItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q, err := f.courseQuery(ctx, msg)
	if err != nil {
		return nil, err
	}
	if len(q.IDs) == 0 {
		q.IDs = ids
	} else {
		q.IDs = intersect(q.IDs, ids)
		if len(q.IDs) == 0 {
			return nil, nil
		}
	}
	q.Limit = len(ids)
	courses, _, err := f.Catalog.ListCourses(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	items := make([]ContentItem, 0, len(courses))
	for _, c := range courses {
		items = append(items, f.item(c))
	}
	return items, nil
}

// Response signs the LtiDeepLinkingResponse returning items to the platform.
func (f *Flow) Response(ctx context.Context, msg *lti.Message, items []ContentItem) (returnURL, token string, err error) {
	settings, ok := msg.DeepLinkingSettings()
	if !ok || !isHTTPURL(settings.ReturnURL) {
		return "", "", lti.Errorf(lti.KindProtocol, "Missing or invalid deep_link_return_url")
	}
	if !settings.AcceptMultiple && len(items) > 1 {
		return "", "", lti.Errorf(lti.KindProtocol, "Platform accepts a single content item")
	}
	if len(settings.AcceptTypes) > 0 && !slices.Contains(settings.AcceptTypes, ContentTypeResourceLink) {
		return "", "", lti.Errorf(lti.KindProtocol, "Platform does not accept %s items", ContentTypeResourceLink)
	}

	list := make([]any, 0, len(items))
	for _, it := range items {
		list = append(list, map[string]any{"type": it.Type, "url": it.URL, "title": it.Title})
	}
	now := f.now()
	claims := jwt.MapClaims{
		"iss":                 lti.GetClientID(msg.Claims["aud"], msg.Claims.String("azp")),
		"aud":                 msg.Claims.String("iss"),
		"iat":                 now.Unix(),
		"exp":                 now.Add(responseTTL).Unix(),
		"nonce":               randHex(16),
		lti.ClaimDeploymentID: msg.Claims.String(lti.ClaimDeploymentID),
		lti.ClaimMessageType:  lti.MessageTypeDeepLinkingResponse,
		lti.ClaimVersion:      lti.Version,
		lti.ClaimContentItems: list,
	}
	if settings.Data != "" {
		claims[lti.ClaimDeepLinkingData] = settings.Data
	}
	token, err = f.Signer.Sign(ctx, claims)
	if err != nil {
		return "", "", fmt.Errorf("sign deep linking response: %w", err)
	}
	return settings.ReturnURL, token, nil
}

func intersect(a, b []string) []string {
	var out []string
	for _, x := range b {
		if slices.Contains(a, x) {
			out = append(out, x)
		}
	}
	return out
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
