package chatexport

import (
	"path"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// attachmentMatcher extracts the referenced filename from a message body.
type attachmentMatcher struct {
	name string
	re   *regexp.Regexp
}

// Ordered; the first matcher that hits wins.
var attachmentMatchers = []attachmentMatcher{
	{name: "ios", re: regexp.MustCompile(`<attached: ([^<>\n]+?)>`)},
	{name: "android", re: regexp.MustCompile(`(?m)^\x{200e}?(\S[^\n]*?\.[[:alnum:]]{1,8}) \((?i:file attached|archivo adjunto|arquivo anexado|datei angehängt|fichier joint|file allegato|bestand bijgevoegd)\)`)},
	{name: "bracketed", re: regexp.MustCompile(`[\[(<]([^\[\]()<>\n/\\]+\.[[:alnum:]]{1,8})[\])>]`)},
}

// AttachmentName returns the filename a message body refers to, or "" when it
// references none. "<Media omitted>" placeholders carry no filename.
func AttachmentName(body string) string {
	for _, m := range attachmentMatchers {
		match := m.re.FindStringSubmatch(body)
		if match == nil {
			continue
		}
		name := strings.TrimSpace(trimMarks(match[1]))
		if name != "" {
			return name
		}
	}
	return ""
}

// resolver maps attachment names to extracted files. Each file is handed out
// at most once so duplicate names resolve to distinct files in archive order.
type resolver struct {
	files    []ExtractedFile
	consumed []bool
	exact    map[string][]int
	folded   map[string][]int
	fold     cases.Caser
}

func newResolver(files []ExtractedFile, skip int) *resolver {
	r := &resolver{
		files:    files,
		consumed: make([]bool, len(files)),
		exact:    make(map[string][]int),
		folded:   make(map[string][]int),
		fold:     cases.Fold(),
	}
	for i, f := range files {
		if i == skip {
			continue
		}
		name := f.Name()
		r.exact[name] = append(r.exact[name], i)
		key := r.foldKey(name)
		r.folded[key] = append(r.folded[key], i)
	}
	return r
}

func (r *resolver) foldKey(name string) string {
	return r.fold.String(norm.NFC.String(name))
}

// Resolve returns the archive path for name, or nil when no unconsumed file matches.
func (r *resolver) Resolve(name string) *string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "" || name == "." || name == "/" {
		return nil
	}
	if idx, ok := r.take(r.exact[name]); ok {
		return r.pathOf(idx)
	}
	if idx, ok := r.take(r.folded[r.foldKey(name)]); ok {
		return r.pathOf(idx)
	}
	return nil
}

func (r *resolver) take(indexes []int) (int, bool) {
	for _, idx := range indexes {
		if !r.consumed[idx] {
			r.consumed[idx] = true
			return idx, true
		}
	}
	return 0, false
}

func (r *resolver) pathOf(idx int) *string {
	p := r.files[idx].Path
	return &p
}
