package gateway

import (
	"net/http"
	"strings"
)

const (
	SessionCookie    = "JSESSIONID"
	StyleCookie      = "eos_style_cookie"
	styleCookieValue = "default"
)

// AffinityCookies builds the cookies that pin a client to sessionID.
func AffinityCookies(sessionID, path string) []*http.Cookie {
	path = strings.Trim(path, "/")
	p := "/"
	if path != "" {
		p = "/" + path + "/"
	}
	return []*http.Cookie{
		{Name: StyleCookie, Value: styleCookieValue},
		{Name: SessionCookie, Value: sessionID, Path: p, HttpOnly: true},
	}
}

// SessionIDFromHeader recovers the session id from Set-Cookie response headers.
func SessionIDFromHeader(h http.Header) string {
	for _, c := range (&http.Response{Header: h}).Cookies() {
		if c.Name == SessionCookie {
			return c.Value
		}
	}
	return ""
}

// SessionIDFromCookies recovers the session id from a request Cookie header.
func SessionIDFromCookies(h http.Header) string {
	c, err := (&http.Request{Header: h}).Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	return c.Value
}
