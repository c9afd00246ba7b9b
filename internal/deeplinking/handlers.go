package deeplinking

import (
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/mind-engage/mindengage-lti-tool/internal/obs"
	"github.com/mind-engage/mindengage-lti-tool/pkg/lti"
)

const failurePrefix = "LTI 1.3 Deep Linking failed: "

var formTmpl = template.Must(template.New("form").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Select content</title></head>
<body data-api="{{.APIURL}}" data-token="{{.APIToken}}">
  <h1>Select content</h1>
  <form method="post" action="{{.Action}}">
    {{range .Items}}
    <label>
      <input type="{{if $.Multiple}}checkbox{{else}}radio{{end}}" name="course_id" value="{{.CourseID}}">
      {{.Title}}
    </label><br>
    {{else}}
    <p>No courses are available.</p>
    {{end}}
    <button type="submit">Add</button>
  </form>
  {{if .Prev}}<a href="?page={{.Prev}}">Previous</a>{{end}}
  {{if .Next}}<a href="?page={{.Next}}">Next</a>{{end}}
</body>
</html>
`))

var responseTmpl = template.Must(template.New("response").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Returning to platform</title></head>
<body>
  <form id="dl-response" method="post" action="{{.ReturnURL}}">
    <input type="hidden" name="JWT" value="{{.JWT}}">
    <noscript><button type="submit">Continue</button></noscript>
  </form>
  <script>document.getElementById("dl-response").submit();</script>
</body>
</html>
`))

type formView struct {
	Action   string
	APIURL   string
	APIToken string
	Items    []ContentItem
	Multiple bool
	Prev     int
	Next     int
}

// Routes mounts the deep linking entry, the selection form and the API.
func (f *Flow) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", f.start)
	r.Get("/api/v1/{launch_id}/content_items/courses", f.listCourses)
	r.Get("/{launch_id}", f.form)
	r.Post("/{launch_id}", f.submit)
	return r
}

// start verifies the deep linking launch and sends the browser to its form.
func (f *Flow) start(w http.ResponseWriter, r *http.Request) {
	msg, err := f.acquire(r, "")
	if err != nil {
		f.fail(w, r, err)
		return
	}
	http.Redirect(w, r, strings.TrimSuffix(r.URL.Path, "/")+"/"+msg.LaunchID, http.StatusFound)
}

func (f *Flow) form(w http.ResponseWriter, r *http.Request) {
	launchID := chi.URLParam(r, "launch_id")
	msg, err := f.acquire(r, launchID)
	if err != nil {
		f.fail(w, r, err)
		return
	}
	page := atoiDefault(r.URL.Query().Get("page"), 1)
	size := f.maxPageSize()
	items, total, err := f.Page(r.Context(), msg, page, size)
	if err != nil {
		f.fail(w, r, err)
		return
	}
	token, err := f.apiToken(launchID)
	if err != nil {
		f.fail(w, r, err)
		return
	}
	settings, _ := msg.DeepLinkingSettings()
	view := formView{
		Action:   r.URL.Path,
		APIURL:   r.URL.Path[:strings.LastIndex(r.URL.Path, "/")] + "/api/v1/" + launchID + "/content_items/courses",
		APIToken: token,
		Items:    items,
		Multiple: settings.AcceptMultiple,
	}
	if page > 1 {
		view.Prev = page - 1
	}
	if page*size < total {
		view.Next = page + 1
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := formTmpl.Execute(w, view); err != nil {
		f.Log.WithError(err).Error("render deep linking form")
	}
}

func (f *Flow) submit(w http.ResponseWriter, r *http.Request) {
	launchID := chi.URLParam(r, "launch_id")
	msg, err := f.acquire(r, launchID)
	if err != nil {
		f.fail(w, r, err)
		return
	}
	if err := r.ParseForm(); err != nil {
		f.fail(w, r, lti.Wrap(lti.KindProtocol, err, "malformed form"))
		return
	}
	items, err := f.selected(r.Context(), msg, r.PostForm["course_id"])
	if err != nil {
		f.fail(w, r, err)
		return
	}
	returnURL, token, err := f.Response(r.Context(), msg, items)
	if err != nil {
		f.fail(w, r, err)
		return
	}
	obs.DeepLinkResponses.WithLabelValues("ok").Inc()
	f.Log.WithFields(logrus.Fields{"launch_id": launchID, "items": len(items), "return_url": returnURL}).
		Info("deep linking response sent")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := responseTmpl.Execute(w, struct{ ReturnURL, JWT string }{returnURL, token}); err != nil {
		f.Log.WithError(err).Error("render deep linking response")
	}
}

func (f *Flow) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := "internal"
	var le *lti.LaunchError
	if errors.As(err, &le) {
		kind = le.Kind.String()
	}
	obs.DeepLinkResponses.WithLabelValues(kind).Inc()
	msg := failurePrefix + err.Error()
	f.Log.WithError(err).WithFields(logrus.Fields{"kind": kind, "path": r.URL.Path}).Error(msg)
	http.Error(w, msg, http.StatusBadRequest)
}

func (f *Flow) maxPageSize() int {
	if f.PageSizeMax > 0 {
		return f.PageSizeMax
	}
	return defaultMaxPage
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	return n
}
