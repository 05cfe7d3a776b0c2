package cookies

import (
	"fmt"
	"strings"

	"transcriberd/internal/file"
)

// Cookie mirrors the browser extension's cookie payload.
type Cookie struct {
	Name           string  `json:"name"`
	Value          string  `json:"value"`
	Domain         string  `json:"domain"`
	Path           string  `json:"path"`
	Secure         bool    `json:"secure"`
	HTTPOnly       bool    `json:"httpOnly"`
	ExpirationDate float64 `json:"expirationDate"`
	HostOnly       bool    `json:"hostOnly"`
}

// WriteJar writes cookies as a Netscape cookie-jar file (tab-separated:
// domain, subdomain flag, path, secure flag, expiry epoch seconds, name,
// value) for the download collaborator to consume.
func WriteJar(path string, cookies []Cookie) error {
	var b strings.Builder
	b.WriteString("# Netscape HTTP Cookie File\n")
	b.WriteString("# Generated by transcriberd\n")
	for _, cookie := range cookies {
		domain := cookie.Domain
		includeSubdomains := "TRUE"
		if cookie.HostOnly {
			includeSubdomains = "FALSE"
		} else if !strings.HasPrefix(domain, ".") {
			domain = "." + domain
		}
		cookiePath := cookie.Path
		if cookiePath == "" {
			cookiePath = "/"
		}
		secure := "FALSE"
		if cookie.Secure {
			secure = "TRUE"
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			domain, includeSubdomains, cookiePath, secure,
			int64(cookie.ExpirationDate), cookie.Name, cookie.Value)
	}
	return file.WriteTextAtomic(path, b.String())
}
