package authserver

import (
	"fmt"
	"html/template"
	"io"
	"net/url"
	"time"

	"github.com/Masterminds/sprig/v3"
)

const consentPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Authorize {{ .ClientName | trunc 60 }}</title>
</head>
<body>
<h1>{{ .ClientName | trunc 60 }} wants to use your tools</h1>
<p>After you approve, you will be sent back to <strong>{{ .RedirectHost }}</strong>.</p>
<p>Requested access:</p>
<ul>
{{- range .Scope }}
<li>{{ . | title }}</li>
{{- end }}
</ul>
<p>This request expires at {{ .ExpiresAt | date "15:04 MST" }}.</p>
<form method="post" action="{{ .Action }}">
<input type="hidden" name="request_id" value="{{ .ID }}">
<button type="submit" name="decision" value="approve">Approve</button>
<button type="submit" name="decision" value="deny">Deny</button>
</form>
</body>
</html>
`

type consentView struct {
	ID           string
	ClientName   string
	RedirectHost string
	Scope        []string
	ExpiresAt    time.Time
	Action       string
}

func parseConsentTemplate() (*template.Template, error) {
	tmpl, err := template.New("consent").Funcs(sprig.HtmlFuncMap()).Parse(consentPage)
	if err != nil {
		return nil, fmt.Errorf("parsing consent template: %w", err)
	}
	return tmpl, nil
}

// RenderConsent writes the consent page for a pending request.
func (s *Server) RenderConsent(w io.Writer, p *PendingAuthorization) error {
	host := p.RedirectURI
	if u, err := url.Parse(p.RedirectURI); err == nil {
		host = u.Host
	}
	return s.consent.Execute(w, consentView{
		ID:           p.ID,
		ClientName:   p.ClientName,
		RedirectHost: host,
		Scope:        p.Scope,
		ExpiresAt:    p.ExpiresAt,
		Action:       PathDecision,
	})
}
