package log

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

type formatter struct {
	pattern string
	time    string
}

// Format expands %time, %level, %caller, %func, %msg, %field and %n.
// %field renders " key=value" pairs sorted by key, or nothing.
func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	output := f.pattern
	output = strings.Replace(output, "%time", entry.Time.Format(f.time), 1)
	output = strings.Replace(output, "%level", strings.ToUpper(entry.Level.String()), 1)
	output = strings.Replace(output, "%caller", getCaller(entry), 1)
	output = strings.Replace(output, "%func", getFunc(entry), 1)
	output = strings.Replace(output, "%msg", entry.Message, 1)
	output = strings.Replace(output, "%field", buildFields(entry), 1)
	output = strings.ReplaceAll(output, "%n", "\n")
	return []byte(output), nil
}

// getCaller renders package/file:line when caller reporting is on.
func getCaller(entry *logrus.Entry) string {
	if !entry.HasCaller() {
		return "-"
	}
	file := entry.Caller.File
	if i := strings.LastIndex(file, "/"); i != -1 {
		file = file[i+1:]
	}
	pkg := ""
	if fn := entry.Caller.Function; fn != "" {
		if i := strings.LastIndex(fn, "/"); i != -1 {
			fn = fn[i+1:]
		}
		pkg, _, _ = strings.Cut(fn, ".")
	}
	return fmt.Sprintf("%s/%s:%d", pkg, file, entry.Caller.Line)
}

func getFunc(entry *logrus.Entry) string {
	if !entry.HasCaller() {
		return "-"
	}
	fn := entry.Caller.Function
	if i := strings.LastIndex(fn, "."); i != -1 {
		return fn[i+1:]
	}
	return fn
}

func buildFields(entry *logrus.Entry) string {
	if len(entry.Data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(entry.Data[k]))
	}
	return b.String()
}
