package launch

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/mind-engage/mindengage-lti-tool/internal/access"
	"github.com/mind-engage/mindengage-lti-tool/internal/obs"
	"github.com/mind-engage/mindengage-lti-tool/pkg/lti"
)

const failurePrefix = "LTI 1.3 Launch failed: "

var promptTmpl = template.Must(template.New("prompt").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Continue to course</title></head>
<body>
  <h1>How do you want to continue?</h1>
  {{if .Message}}<p class="notice">{{.Message}}</p>{{end}}
  {{if .LoggedIn}}
  <form method="post" action="{{.Action}}">
    <input type="hidden" name="launch_id" value="{{.LaunchID}}">
    <input type="hidden" name="resume_token" value="{{.Token}}">
    <input type="hidden" name="user_action" value="link">
    <button type="submit">Use my current account</button>
  </form>
  {{else}}
  <form method="post" action="{{.LoginURL}}">
    <input type="hidden" name="next" value="{{.Resume}}">
    <label>Username <input name="username" autocomplete="username"></label>
    <label>Password <input type="password" name="password" autocomplete="current-password"></label>
    <button type="submit">Sign in and link</button>
  </form>
  {{end}}
  {{if .CanCreate}}
  <form method="post" action="{{.Action}}">
    <input type="hidden" name="launch_id" value="{{.LaunchID}}">
    <input type="hidden" name="resume_token" value="{{.Token}}">
    <input type="hidden" name="user_action" value="create">
    <button type="submit">Continue with a new account</button>
  </form>
  {{end}}
</body>
</html>
`))

var resumeTmpl = template.Must(template.New("resume").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Continuing launch</title></head>
<body>
  <form method="post" action="{{.Action}}">
    <input type="hidden" name="launch_id" value="{{.LaunchID}}">
    <input type="hidden" name="user_action" value="{{.UserAction}}">
    <input type="hidden" name="resume_token" value="{{.Token}}">
    <noscript><button type="submit">Continue</button></noscript>
  </form>
  <script>document.forms[0].submit();</script>
</body>
</html>
`))

type resumeView struct {
	Action     string
	LaunchID   string
	UserAction string
	Token      string
}

type promptView struct {
	*LoginPrompt
	Action    string
	LoginURL  string
	Resume    string
	CanCreate bool
}

// Handler serves the launch endpoints.
type Handler struct {
	Pipeline *Pipeline
	// LoginPath is the local login form target used by the prompt.
	LoginPath string
	Log       logrus.FieldLogger
}

// Routes mounts /, /{course_id} and /{course_id}/{unit_id}.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	for _, p := range []string{"/", "/{course_id}", "/{course_id}/{unit_id}"} {
		r.Get(p, h.launch)
		r.Post(p, h.launch)
	}
	return r
}

func (h *Handler) launch(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Query().Get("launch_id") != "" {
		h.renderResume(w, r)
		return
	}
	// a resumed launch is only read from the post body
	req := Request{
		CourseID:    pathParam(r, "course_id"),
		UnitID:      pathParam(r, "unit_id"),
		LaunchID:    r.PostFormValue("launch_id"),
		UserAction:  r.PostFormValue("user_action"),
		ResumeToken: r.PostFormValue("resume_token"),
	}
	res, err := h.Pipeline.Launch(r, req)
	if err != nil {
		h.fail(w, r, req, err)
		return
	}
	for _, c := range res.Cookies {
		http.SetCookie(w, c)
	}
	if res.Prompt != nil {
		obs.Launches.WithLabelValues("login_prompt").Inc()
		h.renderPrompt(w, r, res.Prompt)
		return
	}
	obs.Launches.WithLabelValues("redirect").Inc()
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

// renderResume turns the GET a login redirect lands on into a same-browser
// form post. It never runs the launch itself.
func (h *Handler) renderResume(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := Request{
		CourseID: pathParam(r, "course_id"),
		UnitID:   pathParam(r, "unit_id"),
		LaunchID: q.Get("launch_id"),
	}
	ck, err := r.Cookie(ResumeCookieName)
	if err != nil || ck.Value == "" {
		h.fail(w, r, req, lti.Errorf(lti.KindProtocol, "Launch can only be resumed from the browser that started it"))
		return
	}
	view := resumeView{Action: r.URL.Path, LaunchID: req.LaunchID, UserAction: ActionLink, Token: ck.Value}
	if q.Get("user_action") == ActionCreate {
		view.UserAction = ActionCreate
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := resumeTmpl.Execute(w, view); err != nil {
		h.Log.WithError(err).Error("render launch resume")
	}
}

func (h *Handler) renderPrompt(w http.ResponseWriter, r *http.Request, p *LoginPrompt) {
	resume := url.Values{"launch_id": {p.LaunchID}, "user_action": {ActionLink}}
	view := promptView{
		LoginPrompt: p,
		Action:      r.URL.Path,
		LoginURL:    h.LoginPath,
		Resume:      r.URL.Path + "?" + resume.Encode(),
		CanCreate:   p.Mode == access.ModeExistingAndNewAccounts,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := promptTmpl.Execute(w, view); err != nil {
		h.Log.WithError(err).Error("render login prompt")
	}
}

// fail logs the error and answers with the uniform 400 body.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, req Request, err error) {
	kind := "internal"
	var le *lti.LaunchError
	if errors.As(err, &le) {
		kind = le.Kind.String()
	}
	obs.Launches.WithLabelValues(kind).Inc()
	msg := failurePrefix + err.Error()
	h.Log.WithError(err).WithFields(logrus.Fields{
		"kind":      kind,
		"course_id": req.CourseID,
		"unit_id":   req.UnitID,
		"launch_id": req.LaunchID,
		"path":      r.URL.Path,
	}).Error(msg)
	http.Error(w, msg, http.StatusBadRequest)
}

func pathParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}
