package netlog

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/yourorg/taxsync/pkg/types"
)

type HARFile struct {
	Log struct {
		Version string  `json:"version"`
		Creator Creator `json:"creator"`
		Entries []Entry `json:"entries"`
	} `json:"log"`
}

type Creator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type NameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Entry struct {
	StartedDateTime string `json:"startedDateTime"`
	Time            int64  `json:"time"`
	Request         struct {
		Method   string      `json:"method"`
		URL      string      `json:"url"`
		Headers  []NameValue `json:"headers"`
		PostData struct {
			MimeType string `json:"mimeType"`
			Text     string `json:"text"`
			Encoding string `json:"encoding,omitempty"`
		} `json:"postData"`
	} `json:"request"`
	Response struct {
		Status  int         `json:"status"`
		Headers []NameValue `json:"headers"`
		Content struct {
			MimeType string `json:"mimeType"`
			Text     string `json:"text"`
			Encoding string `json:"encoding,omitempty"`
		} `json:"content"`
	} `json:"response"`
}

// Parse reads a HAR file, e.g. a snapshot written by Write.
func Parse(filePath string) ([]types.TrafficLog, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read decodes HAR entries into traffic logs ordered by start time.
func Read(r io.Reader) ([]types.TrafficLog, error) {
	var hf HARFile
	if err := json.NewDecoder(r).Decode(&hf); err != nil {
		return nil, err
	}
	logs := make([]types.TrafficLog, 0, len(hf.Log.Entries))
	for _, e := range hf.Log.Entries {
		ts, err := time.Parse(time.RFC3339Nano, e.StartedDateTime)
		if err != nil {
			return nil, fmt.Errorf("parse startedDateTime: %w", err)
		}
		u, err := url.Parse(e.Request.URL)
		if err != nil {
			return nil, fmt.Errorf("parse request url: %w", err)
		}
		reqBody, reqEnc := decodeBody(e.Request.PostData.Text, e.Request.PostData.Encoding, e.Request.PostData.MimeType)
		respBody, _ := decodeBody(e.Response.Content.Text, e.Response.Content.Encoding, e.Response.Content.MimeType)

		logs = append(logs, types.TrafficLog{
			Timestamp:           ts,
			Method:              strings.ToUpper(e.Request.Method),
			Host:                u.Host,
			Path:                u.Path,
			QueryParams:         u.Query(),
			RequestHeaders:      toMap(e.Request.Headers),
			RequestBody:         reqBody,
			RequestBodyEncoding: reqEnc,
			ContentType:         e.Request.PostData.MimeType,
			StatusCode:          e.Response.Status,
			ResponseHeaders:     toMap(e.Response.Headers),
			ResponseBody:        respBody,
			ResponseContentType: e.Response.Content.MimeType,
			LatencyMs:           e.Time,
			CallCount:           1,
		})
	}
	sortAndNumber(logs)
	return logs, nil
}

// Write encodes logs as a HAR document so a snapshot opens in browser devtools.
func Write(w io.Writer, logs []types.TrafficLog) error {
	var hf HARFile
	hf.Log.Version = "1.2"
	hf.Log.Creator = Creator{Name: "taxsync", Version: "1"}
	hf.Log.Entries = make([]Entry, 0, len(logs))
	for _, l := range logs {
		var e Entry
		e.StartedDateTime = l.Timestamp.UTC().Format(time.RFC3339Nano)
		e.Time = l.LatencyMs
		e.Request.Method = l.Method
		e.Request.URL = buildURL(l)
		e.Request.Headers = fromMap(l.RequestHeaders)
		e.Request.PostData.MimeType = l.ContentType
		e.Request.PostData.Text = l.RequestBody
		e.Response.Status = l.StatusCode
		e.Response.Headers = fromMap(l.ResponseHeaders)
		e.Response.Content.MimeType = l.ResponseContentType
		e.Response.Content.Text = l.ResponseBody
		hf.Log.Entries = append(hf.Log.Entries, e)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(hf)
}

func buildURL(l types.TrafficLog) string {
	u := url.URL{Scheme: "https", Host: l.Host, Path: l.Path}
	if len(l.QueryParams) > 0 {
		u.RawQuery = url.Values(l.QueryParams).Encode()
	}
	return u.String()
}

func toMap(in []NameValue) map[string]string {
	out := make(map[string]string, len(in))
	for _, h := range in {
		out[h.Name] = h.Value
	}
	return out
}

func fromMap(in map[string]string) []NameValue {
	out := make([]NameValue, 0, len(in))
	for k, v := range in {
		out = append(out, NameValue{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortAndNumber(logs []types.TrafficLog) {
	sort.SliceStable(logs, func(i, j int) bool {
		return logs[i].Timestamp.Before(logs[j].Timestamp)
	})
	for i := range logs {
		logs[i].Seq = i + 1
	}
}

func decodeBody(text, encoding, mimeType string) (string, string) {
	if text == "" {
		return "", "plain"
	}
	if isBinaryContentType(mimeType) {
		return "", "omitted"
	}
	if strings.EqualFold(encoding, "base64") {
		decoded, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return "", "omitted"
		}
		return string(decoded), "base64"
	}
	return text, "plain"
}

func isBinaryContentType(mimeType string) bool {
	mt := strings.ToLower(mimeType)
	return strings.HasPrefix(mt, "image/") || strings.HasPrefix(mt, "audio/") || strings.HasPrefix(mt, "video/") || mt == "application/octet-stream" || mt == "application/pdf"
}
