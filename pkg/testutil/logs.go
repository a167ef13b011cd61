package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/scality/log-index/pkg/source"
)

// CombinedLine formats a combined log line for ip at ts
func CombinedLine(ip string, ts time.Time, request string, status int, agent string) string {
	return fmt.Sprintf(`%s - - [%s] "%s" %d 512 "-" "%s" "example.com"`,
		ip, ts.UTC().Format("02/Jan/2006:15:04:05 -0700"), request, status, agent)
}

// WriteDayLog writes the log file of day under root and returns its path
func WriteDayLog(root string, day time.Time, lines ...string) (string, error) {
	file := filepath.Join(root, filepath.FromSlash(source.DayPath(day, ".log")))
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return "", err
	}
	return file, os.WriteFile(file, []byte(joinLines(lines)), 0o600)
}

// AppendDayLog appends raw content to the log file of day under root
func AppendDayLog(root string, day time.Time, content string) error {
	file := filepath.Join(root, filepath.FromSlash(source.DayPath(day, ".log")))
	f, err := os.OpenFile(file, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
