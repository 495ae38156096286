package http

import (
	"html/template"
	"net/http"
)

const layout = `{{define "head"}}<!DOCTYPE html>
<html lang="en"><head><meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.}}</title>
<style>
body{font-family:system-ui,sans-serif;margin:0;background:#f5f6f8;color:#222}
main{max-width:720px;margin:3rem auto;padding:2rem;background:#fff;border-radius:8px;box-shadow:0 1px 3px rgba(0,0,0,.1)}
.frame{position:fixed;inset:0;border:0;width:100%;height:100%}
.loading{position:fixed;inset:0;display:flex;align-items:center;justify-content:center;background:#fff}
.error{color:#b00020}
label{display:block;margin:.75rem 0 .25rem}
input{width:100%;padding:.5rem;box-sizing:border-box}
button{margin-top:1rem;padding:.5rem 1.25rem}
code{word-break:break-all}
</style></head><body>{{end}}`

var pages = template.Must(template.New("pages").Parse(layout + `
{{define "home"}}{{template "head" "Open edX access links"}}
<main>
<h1>Open edX access links</h1>
<form method="post" action="/generate-link">
<label for="email">Email</label><input id="email" name="email" type="email" required>
<label for="name">Name</label><input id="name" name="name" type="text">
<button type="submit">Generate link</button>
</form>
</main></body></html>{{end}}

{{define "shell"}}{{template "head" "Dashboard"}}
<div id="loading" class="loading"><p>Loading your dashboard&hellip;</p></div>
<iframe class="frame" src="{{.ProxyURL}}" title="Dashboard"
 onload="document.getElementById('loading').style.display='none'"></iframe>
</body></html>{{end}}

{{define "generated"}}{{template "head" "Access link"}}
<main>
<h1>Access link ready</h1>
<p>Share this link: <a href="{{.URL}}"><code>{{.URL}}</code></a></p>
{{if .Alternate}}<p>The original address is in use on the platform; signed in as <strong>{{.Email}}</strong>.</p>{{end}}
</main>
<iframe src="{{.ProxyURL}}" title="Dashboard" style="width:100%;height:80vh;border:0"></iframe>
</body></html>{{end}}

{{define "error"}}{{template "head" "Unable to open dashboard"}}
<main>
<h1 class="error">Unable to open the dashboard</h1>
<p>{{.Message}}</p>
{{if .SuggestedEmail}}<p>Suggested alternate email: <code>{{.SuggestedEmail}}</code></p>{{end}}
{{with .Suggestions}}<ul>{{range .}}<li>{{.}}</li>{{end}}</ul>{{end}}
<p><small>{{.Error}}</small></p>
</main></body></html>{{end}}
`))

const (
	homePage      = "home"
	shellPage     = "shell"
	generatedPage = "generated"
	errorPage     = "error"
)

type generatedView struct {
	URL       string
	ProxyURL  string
	Email     string
	Alternate bool
}

func renderPage(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = pages.ExecuteTemplate(w, name, data)
}
