package filter

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/yourorg/taxsync/internal/config"
	"github.com/yourorg/taxsync/pkg/types"
)

type SanitizeConfig = config.SanitizeConfig

// Sanitize returns a copy of logs with secrets replaced: listed headers,
// listed query and body fields (JSON or form), and cookie values. Cookie
// names are kept so a snapshot still shows which cookies the portal saw.
func Sanitize(logs []types.TrafficLog, cfg SanitizeConfig) []types.TrafficLog {
	r := redactor{
		headers: lowerSet(cfg.Headers),
		fields:  lowerSet(cfg.BodyFields),
		with:    cfg.Replacement,
	}
	out := make([]types.TrafficLog, len(logs))
	for i, l := range logs {
		out[i] = l
		out[i].RequestHeaders = r.headerMap(l.RequestHeaders)
		out[i].ResponseHeaders = r.headerMap(l.ResponseHeaders)
		out[i].QueryParams = r.values(l.QueryParams)
		out[i].RequestBody = r.body(l.RequestBody, l.ContentType)
	}
	return out
}

type redactor struct {
	headers map[string]struct{}
	fields  map[string]struct{}
	with    string
}

func lowerSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, v := range items {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func (r redactor) headerMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return in
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		name := strings.ToLower(k)
		_, listed := r.headers[name]
		switch {
		case !listed:
			out[k] = v
		case name == "cookie":
			out[k] = r.cookiePairs(v)
		case name == "set-cookie":
			out[k] = r.setCookies(v)
		default:
			out[k] = r.with
		}
	}
	return out
}

// cookiePairs redacts "a=1; b=2" to "a=<r>; b=<r>".
func (r redactor) cookiePairs(v string) string {
	parts := strings.Split(v, ";")
	for i, p := range parts {
		name, _, _ := strings.Cut(strings.TrimSpace(p), "=")
		parts[i] = name + "=" + r.with
	}
	return strings.Join(parts, "; ")
}

// setCookies redacts the value of each Set-Cookie line, keeping attributes.
func (r redactor) setCookies(v string) string {
	lines := strings.Split(v, "\n")
	for i, line := range lines {
		pair, attrs, hasAttrs := strings.Cut(line, ";")
		name, _, _ := strings.Cut(strings.TrimSpace(pair), "=")
		lines[i] = name + "=" + r.with
		if hasAttrs {
			lines[i] += ";" + attrs
		}
	}
	return strings.Join(lines, "\n")
}

func (r redactor) values(in map[string][]string) map[string][]string {
	if len(in) == 0 {
		return in
	}
	out := make(map[string][]string, len(in))
	for k, vs := range in {
		cp := append([]string(nil), vs...)
		if _, ok := r.fields[strings.ToLower(k)]; ok {
			for i := range cp {
				cp[i] = r.with
			}
		}
		out[k] = cp
	}
	return out
}

func (r redactor) body(body, contentType string) string {
	if strings.TrimSpace(body) == "" {
		return body
	}
	if strings.HasPrefix(strings.ToLower(contentType), "application/x-www-form-urlencoded") {
		vals, err := url.ParseQuery(body)
		if err != nil {
			return r.with
		}
		return url.Values(r.values(vals)).Encode()
	}
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return body
	}
	out, err := json.Marshal(r.json(v))
	if err != nil {
		return body
	}
	return string(out)
}

func (r redactor) json(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if _, ok := r.fields[strings.ToLower(k)]; ok {
				val[k] = r.with
				continue
			}
			val[k] = r.json(child)
		}
	case []any:
		for i := range val {
			val[i] = r.json(val[i])
		}
	}
	return v
}
