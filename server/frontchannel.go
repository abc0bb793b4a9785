package server

import (
	"html/template"
	"net/url"
	"strings"
)

// frontchannelPage renders the logout page: one hidden iframe per
// relying-party logout URI, plus an optional script navigating the top
// window to the post-logout redirect once the page loads.
var frontchannelPage = template.Must(template.New("frontchannel").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Logout</title>
{{if .RedirectURI}}<script>
window.onload = function() {
	window.location.href = {{.RedirectURI}};
};
</script>{{end}}
</head>
<body>
{{range .FrontchannelURIs}}<iframe height="0" width="0" src="{{.}}" sandbox="allow-same-origin allow-scripts"></iframe>
{{end}}</body>
</html>
`))

type frontchannelData struct {
	FrontchannelURIs []string
	RedirectURI      string
}

// renderFrontchannelPage builds the HTML logout document.
func renderFrontchannelPage(frontchannelURIs []string, redirectURI string) (string, error) {
	var sb strings.Builder
	err := frontchannelPage.Execute(&sb, frontchannelData{
		FrontchannelURIs: frontchannelURIs,
		RedirectURI:      redirectURI,
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

// appendSid adds the sid query parameter to a logout URI, using '&' when a
// query string already exists.
func appendSid(uri, sid string) string {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	return uri + sep + "sid=" + sid
}

// appendQueryParam appends key=value to a URI the same way.
func appendQueryParam(uri, key, value string) string {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	return uri + sep + key + "=" + url.QueryEscape(value)
}
