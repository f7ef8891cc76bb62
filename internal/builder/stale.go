package builder

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"
)

// ModTime returns the modification time of path, or the Unix epoch when it
// cannot be stat'ed.
func ModTime(path string) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Unix(0, 0)
	}
	return fi.ModTime()
}

// Newest returns the latest modification time among paths. Missing paths
// count as the epoch, as does an empty list.
func Newest(paths ...string) time.Time {
	newest := time.Unix(0, 0)
	for _, p := range paths {
		if t := ModTime(p); t.After(newest) {
			newest = t
		}
	}
	return newest
}

// IsStale reports whether output has to be regenerated: it is missing, or
// some input is strictly newer. A missing input never makes output stale.
func IsStale(output string, inputs ...string) bool {
	fi, err := os.Stat(output)
	if err != nil {
		return true
	}
	return Newest(inputs...).After(fi.ModTime())
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// DepfileInputs parses a Make-syntax dependency file as written by `gcc -MD`
// and returns every prerequisite of every rule. A missing depfile yields no
// inputs.
func DepfileInputs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	// join continuation lines first
	var logical []string
	var cur strings.Builder
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasSuffix(line, "\\") && !strings.HasSuffix(line, "\\\\") {
			cur.WriteString(strings.TrimSuffix(line, "\\"))
			cur.WriteByte(' ')
			continue
		}
		cur.WriteString(line)
		logical = append(logical, cur.String())
		cur.Reset()
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if cur.Len() > 0 {
		logical = append(logical, cur.String())
	}

	var inputs []string
	for _, line := range logical {
		_, prereqs, ok := splitRule(line)
		if !ok {
			continue
		}
		inputs = append(inputs, splitDepWords(prereqs)...)
	}
	return inputs, nil
}

// splitRule splits "target: prereqs" on the first colon that is followed by
// whitespace or end of line, so drive letters like C:\ survive.
func splitRule(line string) (string, string, bool) {
	for i := 0; i < len(line); i++ {
		if line[i] != ':' {
			continue
		}
		if i+1 == len(line) || line[i+1] == ' ' || line[i+1] == '\t' {
			return line[:i], line[i+1:], true
		}
	}
	return "", "", false
}

// splitDepWords splits on unescaped whitespace; "\ " is a literal space.
func splitDepWords(s string) []string {
	var words []string
	var w strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s) && s[i+1] == ' ':
			w.WriteByte(' ')
			i++
		case c == ' ' || c == '\t':
			if w.Len() > 0 {
				words = append(words, w.String())
				w.Reset()
			}
		default:
			w.WriteByte(c)
		}
	}
	if w.Len() > 0 {
		words = append(words, w.String())
	}
	return words
}
