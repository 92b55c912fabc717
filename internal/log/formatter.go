package log

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// formatter renders entries through a pattern with the placeholders %time,
// %level, %msg, %field and %caller.
type formatter struct {
	pattern string
	time    string
}

func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	pairs := []string{
		"%time", entry.Time.Format(f.time),
		"%level", entry.Level.String(),
		"%msg", entry.Message,
		"%field", fields(entry.Data),
	}
	if strings.Contains(f.pattern, "%caller") {
		pairs = append(pairs, "%caller", caller())
	}
	line := strings.NewReplacer(pairs...).Replace(f.pattern)
	// an empty %field leaves a trailing blank
	line = strings.Replace(line, " \n", "\n", 1)
	return []byte(line), nil
}

const adapterPrefix = "firestige.xyz/applayer/internal/log.(*logrusAdapter)"

// caller renders file.go:line of the first frame outside logrus and the
// adapter.
func caller() string {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		if !strings.Contains(fr.Function, "github.com/sirupsen/logrus") && !strings.HasPrefix(fr.Function, adapterPrefix) {
			return fmt.Sprintf("%s:%d", filepath.Base(fr.File), fr.Line)
		}
		if !more {
			return "-"
		}
	}
}

// fields renders data as space separated k=v pairs sorted by key. Values
// holding blanks, quotes or '=' are quoted.
func fields(data logrus.Fields) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		v, ok := data[k].(string)
		if !ok {
			v = fmt.Sprint(data[k])
		}
		if strings.ContainsAny(v, " \t\"=") {
			v = strconv.Quote(v)
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}
