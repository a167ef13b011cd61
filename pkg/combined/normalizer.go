package combined

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// RequestLog is a structured request-log entry as exported by App Engine
type RequestLog struct {
	Method       string       `json:"method"`
	Resource     string       `json:"resource"`
	HTTPVersion  string       `json:"httpVersion"`
	IP           string       `json:"ip"`
	StartTime    string       `json:"startTime"`
	EndTime      string       `json:"endTime"`
	Status       int          `json:"status"`
	ResponseSize flexibleInt  `json:"responseSize"`
	Referrer     string       `json:"referrer"`
	UserAgent    string       `json:"userAgent"`
	Host         string       `json:"host"`
	Latency      string       `json:"latency"`
	VersionID    string       `json:"versionId"`
	RequestID    string       `json:"requestId"`
	Line         []AppLogLine `json:"line"`
}

// AppLogLine is an application log message attached to a request
type AppLogLine struct {
	LogMessage string `json:"logMessage"`
}

type requestLogEnvelope struct {
	ProtoPayload *RequestLog `json:"protoPayload"`
}

// flexibleInt accepts both 123 and "123"
type flexibleInt string

func (f *flexibleInt) UnmarshalJSON(data []byte) error {
	*f = flexibleInt(strings.Trim(string(data), `"`))
	if *f == "null" {
		*f = ""
	}
	return nil
}

var startTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
}

// Normalize converts one JSON request-log record, either a full log entry
// with a protoPayload or the bare payload, into a combined log line.
func Normalize(data []byte) (string, error) {
	var envelope requestLogEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", fmt.Errorf("failed to decode request log: %w", err)
	}

	record := envelope.ProtoPayload
	if record == nil {
		record = &RequestLog{}
		if err := json.Unmarshal(data, record); err != nil {
			return "", fmt.Errorf("failed to decode request log: %w", err)
		}
	}

	return ToCombined(*record)
}

// ToCombined renders a request-log record in combined log format.
//
// Quoted values have embedded double quotes replaced by DoubleQuoteMarker,
// absent values are written as a bare "-", and trailing key="value" pairs
// are left out entirely when their value is absent.
func ToCombined(record RequestLog) (string, error) {
	if record.IP == "" {
		return "", fmt.Errorf("request log has no client address")
	}

	startTime, err := parseStartTime(record.StartTime)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer

	buf.WriteString(record.IP)
	buf.WriteString(" - - ")
	buf.WriteString(startTime.Format("[" + TimestampLayout + "]"))
	buf.WriteByte(' ')
	request := strings.Join(nonEmpty(record.Method, record.Resource, record.HTTPVersion), " ")
	if request == "" {
		request = "-"
	}
	writeQuoted(&buf, request)
	buf.WriteByte(' ')
	writeStatus(&buf, record.Status)
	buf.WriteByte(' ')
	writeSize(&buf, string(record.ResponseSize))
	buf.WriteByte(' ')
	writeQuoted(&buf, record.Referrer)
	buf.WriteByte(' ')
	writeQuoted(&buf, record.UserAgent)
	buf.WriteByte(' ')
	writeQuoted(&buf, record.Host)

	writePair(&buf, "latency", record.Latency)
	writePair(&buf, "end_time", record.EndTime)
	writePair(&buf, "version", record.VersionID)
	writePair(&buf, "request_id", record.RequestID)
	if len(record.Line) > 0 {
		writePair(&buf, "message", record.Line[0].LogMessage)
	}

	return buf.String(), nil
}

func parseStartTime(value string) (time.Time, error) {
	for _, layout := range startTimeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized start time %q", value)
}

// writeQuoted writes a quoted value, or "-" when absent
func writeQuoted(w *bytes.Buffer, s string) {
	if s == "" {
		w.WriteByte('-')
		return
	}
	w.WriteByte('"')
	w.WriteString(strings.ReplaceAll(s, `"`, DoubleQuoteMarker))
	w.WriteByte('"')
}

// writePair writes ` key="value"`, or nothing when the value is absent
func writePair(w *bytes.Buffer, key, value string) {
	if value == "" {
		return
	}
	w.WriteByte(' ')
	w.WriteString(key)
	w.WriteByte('=')
	writeQuoted(w, value)
}

func writeStatus(w *bytes.Buffer, status int) {
	if status <= 0 {
		w.WriteByte('-')
		return
	}
	w.WriteString(strconv.Itoa(status))
}

func writeSize(w *bytes.Buffer, size string) {
	if _, err := strconv.ParseInt(size, 10, 64); err != nil {
		w.WriteByte('-')
		return
	}
	w.WriteString(size)
}

func nonEmpty(values ...string) []string {
	result := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			result = append(result, v)
		}
	}
	return result
}
