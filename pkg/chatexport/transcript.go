package chatexport

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// iOS exports always use this name; Android names the file after the chat.
const iosTranscriptName = "_chat.txt"

const (
	datePart = `(?P<date>\d{1,4}[./-]\d{1,2}[./-]\d{1,4})`
	timePart = `(?P<time>\d{1,2}[:.]\d{2}(?:[:.]\d{2})?(?:[ \x{202F}\x{00A0}]?(?i:[ap]\.?[ \x{202F}\x{00A0}]?m\.?))?)`
	restPart = `(?P<rest>.*)`
)

// HeaderPattern recognizes the first line of a message. The expression must
// define the named groups date, time and rest.
type HeaderPattern struct {
	Name string
	re   *regexp.Regexp
	date int
	time int
	rest int
}

// NewHeaderPattern compiles expr and checks its named groups.
func NewHeaderPattern(name, expr string) (HeaderPattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return HeaderPattern{}, fmt.Errorf("header pattern %q: %w", name, err)
	}
	p := HeaderPattern{
		Name: name,
		re:   re,
		date: re.SubexpIndex("date"),
		time: re.SubexpIndex("time"),
		rest: re.SubexpIndex("rest"),
	}
	if p.date < 0 || p.time < 0 || p.rest < 0 {
		return HeaderPattern{}, fmt.Errorf("header pattern %q: groups date, time and rest are required", name)
	}
	return p, nil
}

func mustHeaderPattern(name, expr string) HeaderPattern {
	p, err := NewHeaderPattern(name, expr)
	if err != nil {
		panic(err)
	}
	return p
}

var defaultHeaderPatterns = []HeaderPattern{
	mustHeaderPattern("bracketed", `^\[`+datePart+`,?[ \x{00A0}]`+timePart+`\][ \x{00A0}]`+restPart+`$`),
	mustHeaderPattern("dash", `^`+datePart+`,[ \x{00A0}]`+timePart+`[ \x{00A0}][-\x{2013}][ \x{00A0}]`+restPart+`$`),
	mustHeaderPattern("dash-nocomma", `^`+datePart+`[ \x{00A0}]`+timePart+`[ \x{00A0}][-\x{2013}][ \x{00A0}]`+restPart+`$`),
}

// DefaultHeaderPatterns returns the built-in patterns in priority order.
func DefaultHeaderPatterns() []HeaderPattern {
	out := make([]HeaderPattern, len(defaultHeaderPatterns))
	copy(out, defaultHeaderPatterns)
	return out
}

func (p HeaderPattern) match(line string) (date, clock, rest string, ok bool) {
	m := p.re.FindStringSubmatch(line)
	if m == nil {
		return "", "", "", false
	}
	return m[p.date], m[p.time], m[p.rest], true
}

// RawLine is one physical line of transcript text.
type RawLine struct {
	Number int
	Text   string
}

// ParsedMessage is a tokenized message before IDs and attachments are assigned.
type ParsedMessage struct {
	Line       int
	Sender     string
	Date       string
	Time       string
	Body       string
	Attachment string
}

// Tokenizer splits transcript text into messages.
type Tokenizer struct {
	patterns []HeaderPattern
}

// NewTokenizer tries patterns in order. An empty list means DefaultHeaderPatterns.
func NewTokenizer(patterns []HeaderPattern) *Tokenizer {
	if len(patterns) == 0 {
		patterns = DefaultHeaderPatterns()
	}
	return &Tokenizer{patterns: patterns}
}

// Lines splits decoded text into numbered physical lines, normalizing CRLF and CR.
func (t *Tokenizer) Lines(text string) []RawLine {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	parts := strings.Split(text, "\n")
	lines := make([]RawLine, len(parts))
	for i, part := range parts {
		lines[i] = RawLine{Number: i + 1, Text: part}
	}
	return lines
}

// IsHeader reports whether line starts a new message.
func (t *Tokenizer) IsHeader(line string) bool {
	_, ok := t.header(line)
	return ok
}

func (t *Tokenizer) header(line string) (ParsedMessage, bool) {
	line = trimMarks(line)
	for _, p := range t.patterns {
		date, clock, rest, ok := p.match(line)
		if !ok {
			continue
		}
		msg := ParsedMessage{Date: date, Time: clock}
		rest = trimMarks(rest)
		if idx := strings.Index(rest, ": "); idx > 0 {
			msg.Sender = trimMarks(rest[:idx])
			msg.Body = trimMarks(rest[idx+2:])
		} else {
			msg.Body = rest
		}
		return msg, true
	}
	return ParsedMessage{}, false
}

// Tokenize returns messages in line order. Lines that do not open a message
// continue the previous body; lines before the first header are dropped.
func (t *Tokenizer) Tokenize(text string) []ParsedMessage {
	out, _ := t.tokenize(text)
	return out
}

// tokenize also reports how many lines preceded the first header.
// Body lines are buffered per message so long continuations stay linear.
func (t *Tokenizer) tokenize(text string) ([]ParsedMessage, int) {
	var (
		out     []ParsedMessage
		current *ParsedMessage
		body    []string
		orphans int
	)
	flush := func() {
		if current == nil {
			return
		}
		current.Body = strings.Join(body, "\n")
		current.Attachment = AttachmentName(current.Body)
		out = append(out, *current)
		current = nil
		body = body[:0]
	}
	for _, line := range t.Lines(text) {
		if msg, ok := t.header(line.Text); ok {
			flush()
			msg.Line = line.Number
			body = append(body, msg.Body)
			current = &msg
			continue
		}
		if current == nil {
			orphans++
			continue
		}
		body = append(body, line.Text)
	}
	flush()
	return out, orphans
}

// Orphans counts lines that precede the first header.
func (t *Tokenizer) Orphans(text string) int {
	n := 0
	for _, line := range t.Lines(text) {
		if t.IsHeader(line.Text) {
			return n
		}
		n++
	}
	return n
}

// FindTranscript picks the chat log among the extracted files and returns its
// index and decoded text.
func (t *Tokenizer) FindTranscript(files []ExtractedFile) (int, string, error) {
	candidates := make([]int, 0, 1)
	for i, f := range files {
		if f.Name() == iosTranscriptName {
			return t.checkTranscript(files, i)
		}
		if strings.EqualFold(path.Ext(f.Path), ".txt") {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return -1, "", missingTranscript("archive contains no .txt chat log")
	}
	for _, i := range candidates {
		if t.IsHeader(firstLine(decodeText(files[i].Data))) {
			return t.checkTranscript(files, i)
		}
	}
	return t.checkTranscript(files, candidates[0])
}

func (t *Tokenizer) checkTranscript(files []ExtractedFile, idx int) (int, string, error) {
	text := decodeText(files[idx].Data)
	if strings.TrimSpace(text) == "" {
		return -1, "", missingTranscript(fmt.Sprintf("chat log %q is empty", files[idx].Path))
	}
	return idx, text, nil
}

// decodeText converts transcript bytes to UTF-8, honoring UTF-8 and UTF-16 BOMs.
func decodeText(data []byte) string {
	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	out, _, err := transform.Bytes(decoder, data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "\ufffd")
	}
	return string(out)
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			return line
		}
	}
	return ""
}

// trimMarks strips the invisible direction marks exports put around names and attachments.
func trimMarks(s string) string {
	return strings.Trim(s, "\u200e\u200f\ufeff")
}
