package auth

import (
	"net/http"
	"strings"
)

// Source names where a credential came from.
type Source string

const (
	SourceNone     Source = "none"
	SourceExplicit Source = "explicit"
	SourceHeader   Source = "header"
	SourceQuery    Source = "query"
)

// Credential holds the candidate tokens a client presented at connect time.
type Credential struct {
	Explicit string
	Header   string
	Query    string
}

// FromRequest extracts the bearer header and token query parameter.
func FromRequest(r *http.Request) Credential {
	return Credential{
		Header: BearerToken(r.Header.Get("Authorization")),
		Query:  strings.TrimSpace(r.URL.Query().Get("token")),
	}
}

// BearerToken returns the token of an "Authorization: Bearer" value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Token picks the credential by precedence: explicit field, header, query.
func (c Credential) Token() (string, Source) {
	switch {
	case c.Explicit != "":
		return c.Explicit, SourceExplicit
	case c.Header != "":
		return c.Header, SourceHeader
	case c.Query != "":
		return c.Query, SourceQuery
	}
	return "", SourceNone
}
