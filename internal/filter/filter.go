// Package filter prepares a browser network log for a postmortem snapshot:
// Apply drops page noise and collapses retries, Sanitize redacts secrets.
package filter

import (
	"encoding/json"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/yourorg/taxsync/internal/config"
	"github.com/yourorg/taxsync/pkg/types"
)

type FilterConfig = config.FilterConfig

// Apply drops static assets and preflights, then collapses back-to-back
// repeats of one call into a single entry carrying the last response and
// the number of attempts. Order is kept. Calls to the same endpoint with
// different payloads stay separate: the portal's data services all answer
// on one path and differ only by body.
func Apply(logs []types.TrafficLog, cfg FilterConfig) []types.TrafficLog {
	kept := make([]types.TrafficLog, 0, len(logs))
	for _, l := range logs {
		if isNoise(l, cfg) {
			continue
		}
		kept = append(kept, l)
	}
	return collapseRepeats(kept, cfg.VolatileFields)
}

func isNoise(l types.TrafficLog, cfg FilterConfig) bool {
	return strings.EqualFold(l.Method, "OPTIONS") ||
		hasIgnoredExtension(l.Path, cfg.IgnoreExtensions) ||
		matchesContentType(l.ResponseContentType, cfg.IgnoreContentTypes) ||
		hasIgnoredPath(l.Path, cfg.IgnorePaths)
}

func hasIgnoredExtension(p string, exts []string) bool {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if strings.EqualFold(strings.TrimSpace(e), ext) {
			return true
		}
	}
	return false
}

func hasIgnoredPath(p string, prefixes []string) bool {
	for _, pref := range prefixes {
		if pref = strings.TrimSpace(pref); pref != "" && strings.HasPrefix(p, pref) {
			return true
		}
	}
	return false
}

// matchesContentType accepts exact types and "type/*" wildcards.
func matchesContentType(ct string, ignores []string) bool {
	base := strings.ToLower(strings.TrimSpace(strings.Split(ct, ";")[0]))
	if base == "" {
		return false
	}
	for _, p := range ignores {
		p = strings.ToLower(strings.TrimSpace(p))
		switch {
		case p == "":
		case strings.HasSuffix(p, "/*"):
			if strings.HasPrefix(base, strings.TrimSuffix(p, "*")) {
				return true
			}
		case base == p:
			return true
		}
	}
	return false
}

func collapseRepeats(logs []types.TrafficLog, volatile []string) []types.TrafficLog {
	drop := make(map[string]struct{}, len(volatile))
	for _, f := range volatile {
		drop[strings.ToLower(strings.TrimSpace(f))] = struct{}{}
	}
	out := make([]types.TrafficLog, 0, len(logs))
	prev := ""
	for _, l := range logs {
		n := l.CallCount
		if n == 0 {
			n = 1
		}
		key := callKey(l, drop)
		if len(out) > 0 && key == prev {
			last := &out[len(out)-1]
			n += last.CallCount
			seq := last.Seq
			*last = l
			last.Seq = seq
			last.CallCount = n
			continue
		}
		l.CallCount = n
		out = append(out, l)
		prev = key
	}
	return out
}

// callKey identifies a call by method, path, query and body, ignoring the
// volatile body fields that change on every attempt.
func callKey(l types.TrafficLog, volatile map[string]struct{}) string {
	return strings.ToUpper(l.Method) + " " + l.Host + l.Path + "?" + canonicalQuery(l.QueryParams) + "\n" + canonicalBody(l.RequestBody, volatile)
}

func canonicalQuery(params map[string][]string) string {
	if len(params) == 0 {
		return ""
	}
	vals := url.Values{}
	for k, vs := range params {
		sorted := append([]string(nil), vs...)
		sort.Strings(sorted)
		vals[k] = sorted
	}
	return vals.Encode()
}

// canonicalBody re-encodes JSON bodies with sorted keys and without the
// volatile fields. Other bodies are used as they are.
func canonicalBody(body string, volatile map[string]struct{}) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return body
	}
	out, err := json.Marshal(dropFields(v, volatile))
	if err != nil {
		return body
	}
	return string(out)
}

func dropFields(v any, fields map[string]struct{}) any {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if _, ok := fields[strings.ToLower(k)]; ok {
				delete(val, k)
				continue
			}
			val[k] = dropFields(child, fields)
		}
	case []any:
		for i := range val {
			val[i] = dropFields(val[i], fields)
		}
	}
	return v
}
