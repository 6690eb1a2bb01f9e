package api

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"sharebox/pkg/domain"
	"sharebox/svc/util"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = map[string]*template.Template{
	"login": parsePage("login.html"),
	"index": parsePage("index.html"),
	"view":  parsePage("view.html"),
}

var pageFuncs = template.FuncMap{
	"fmtTime": fmtTime,
}

func parsePage(name string) *template.Template {
	return template.Must(template.New(name).Funcs(pageFuncs).ParseFS(templateFS, "templates/layout.html", "templates/"+name))
}

func fmtTime(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.Local().Format("2006-01-02 15:04")
	case *time.Time:
		if t == nil {
			return ""
		}
		return t.Local().Format("2006-01-02 15:04")
	default:
		return ""
	}
}

type loginPage struct {
	Error string
}

type indexPage struct {
	Contents           []*domain.Content
	Config             map[string]map[string]any
	DefaultExpireHours int
}

type viewPage struct {
	Title string
	Body  template.HTML
}

// render buffers the page so a template error never leaves a half-written
// response.
func render(w http.ResponseWriter, r *http.Request, name string, status int, data any) {
	var buf bytes.Buffer
	if err := pages[name].Execute(&buf, data); err != nil {
		requestID := util.GetRequestID(r.Context())
		util.Error().Err(err).Str("page", name).Str("request_id", requestID).Msg("template render failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}
