package decode

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"

	"catalog-sync/pkg/config"
	"catalog-sync/pkg/models"
	"catalog-sync/pkg/utils"
)

// maxDepth bounds how often an encoded "file" field is fed back through the pipeline
const maxDepth = 2

// maxCleanPasses caps the clean fixpoint loop on adversarial input
const maxCleanPasses = 64

var looseFileRe = regexp.MustCompile(`["']?file["']?\s*:\s*["']((?:[^"'\\]|\\.)*)["']`)

// DecodeError is returned when no parser could read the payload. Another fetch may succeed.
type DecodeError struct {
	Raw     string // payload as found in the page
	Decoded string // base64-decoded text, empty if base64 itself failed
	Reason  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %s (raw %d bytes, decoded %d bytes)", utils.ErrRetryableDecode, e.Reason, len(e.Raw), len(e.Decoded))
}

func (e *DecodeError) Unwrap() error {
	return utils.ErrRetryableDecode
}

// Decoder turns an obfuscated player payload into validated media URLs.
// It is safe for concurrent use.
type Decoder struct {
	cfg       config.DecoderConfig
	junkRe    *regexp.Regexp
	payloadRe *regexp.Regexp
	trailers  []*regexp.Regexp
	parsers   []parser
	log       *logrus.Entry
}

// input is what every parser sees for one pipeline pass
type input struct {
	raw     string // script text or nested field value
	decoded string // base64-decoded cleaned payload
	strict  bool
	depth   int
}

// parser returns refs on success, or a reason to try the next parser
type parser struct {
	name   string
	loose  bool // only tried in permissive mode
	decode func(d *Decoder, in input) ([]models.MediaRef, string)
}

// New builds a decoder for one source
func New(cfg config.DecoderConfig, log *logrus.Entry) (*Decoder, error) {
	payloadRe, err := utils.CompileOptionalRegex("decoder.payload_pattern", cfg.PayloadPattern)
	if err != nil {
		return nil, err
	}
	trailers, err := utils.CompileRegexPatterns(cfg.TrailerPatterns)
	if err != nil {
		return nil, err
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".mp4", ".m3u8", ".mpd"}
	}
	if cfg.OptionDelimiter == "" {
		cfg.OptionDelimiter = " or "
	}

	d := &Decoder{
		cfg:       cfg,
		payloadRe: payloadRe,
		trailers:  trailers,
		log:       log,
	}
	d.junkRe = buildJunkRegex(cfg.Separator, cfg.JunkTokens)
	d.parsers = []parser{
		{name: "marker", decode: (*Decoder).parseMarker},
		{name: "structured", decode: (*Decoder).parseStructured},
		{name: "loose", loose: true, decode: (*Decoder).parseLoose},
	}
	return d, nil
}

// buildJunkRegex matches any run of separators followed by one junk token
func buildJunkRegex(sep string, tokens []string) *regexp.Regexp {
	var quoted []string
	for _, t := range tokens {
		if t != "" {
			quoted = append(quoted, regexp.QuoteMeta(t))
		}
	}
	if len(quoted) == 0 {
		return nil
	}
	// longest alternative first, Go alternation is leftmost-first
	sort.Slice(quoted, func(i, j int) bool { return len(quoted[i]) > len(quoted[j]) })
	pattern := "(?:" + strings.Join(quoted, "|") + ")"
	if sep != "" {
		pattern = "(?:" + regexp.QuoteMeta(sep) + ")*" + pattern
	}
	return regexp.MustCompile(pattern)
}

// Payload returns the encoded payload inside a player script, or the trimmed text itself
// when no payload pattern is configured or it does not match.
func (d *Decoder) Payload(script string) string {
	if d.payloadRe != nil {
		if m := d.payloadRe.FindStringSubmatch(script); len(m) > 1 {
			return m[1]
		}
	}
	return strings.TrimSpace(script)
}

// Clean removes the obfuscation from an encoded payload. Clean(Clean(s)) == Clean(s).
func (d *Decoder) Clean(s string) string {
	for i := 0; i < maxCleanPasses; i++ {
		next := d.cleanPass(s)
		if next == s {
			return s
		}
		s = next
	}
	return s
}

func (d *Decoder) cleanPass(s string) string {
	if d.cfg.Prefix != "" {
		for strings.HasPrefix(s, d.cfg.Prefix) {
			s = s[len(d.cfg.Prefix):]
		}
	}
	if d.junkRe != nil {
		// a removal can join the halves of a split token, so repeat before dropping separators
		for i := 0; i < maxCleanPasses; i++ {
			next := d.junkRe.ReplaceAllString(s, "")
			if next == s {
				break
			}
			s = next
		}
	}
	if d.cfg.Separator != "" {
		s = strings.ReplaceAll(s, d.cfg.Separator, "")
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimRight(s, "=")
	if s == "" {
		return s
	}
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	return s
}

func decodeBase64(s string) (string, bool) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return string(b), true
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return string(b), true
	}
	return "", false
}

// Decode returns the validated media URLs of a player script.
// In strict mode the loose fallback parser is skipped.
func (d *Decoder) Decode(script string, strict bool) ([]string, error) {
	refs, err := d.DecodeRefs(script, strict)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(refs))
	for _, r := range refs {
		urls = append(urls, r.URL)
	}
	return urls, nil
}

// DecodeRefs is Decode keeping the quality label of every URL
func (d *Decoder) DecodeRefs(script string, strict bool) ([]models.MediaRef, error) {
	refs, err := d.run(script, strict, 0)
	if err != nil {
		return nil, err
	}
	return d.validate(refs)
}

// DecodeField resolves a value that is either a plain option list or an encoded payload,
// such as the file field of a playlist entry.
func (d *Decoder) DecodeField(value string, strict bool) ([]string, error) {
	value = strings.TrimSpace(value)
	var refs []models.MediaRef
	if d.hasMarker(value) {
		refs = d.splitOptions(value)
	} else {
		var err error
		if refs, err = d.run(value, strict, 0); err != nil {
			return nil, err
		}
	}
	refs, err := d.validate(refs)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(refs))
	for _, r := range refs {
		urls = append(urls, r.URL)
	}
	return urls, nil
}

func (d *Decoder) run(raw string, strict bool, depth int) ([]models.MediaRef, error) {
	cleaned := d.Clean(d.Payload(raw))
	decoded, ok := decodeBase64(cleaned)
	if !ok {
		d.log.WithField("depth", depth).Debug("Payload is not valid base64 after cleaning")
	}

	in := input{raw: raw, decoded: decoded, strict: strict, depth: depth}
	var reasons []string
	for _, p := range d.parsers {
		if p.loose && strict {
			continue
		}
		refs, reason := p.decode(d, in)
		if len(refs) > 0 {
			return refs, nil
		}
		reasons = append(reasons, p.name+": "+reason)
	}
	return nil, &DecodeError{Raw: raw, Decoded: decoded, Reason: strings.Join(reasons, "; ")}
}

func (d *Decoder) hasMarker(s string) bool {
	lower := strings.ToLower(s)
	for _, ext := range d.cfg.Extensions {
		if strings.Contains(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// parseMarker reads "[label]url or url,[label]url" option lists
func (d *Decoder) parseMarker(in input) ([]models.MediaRef, string) {
	if in.decoded == "" {
		return nil, "nothing decoded"
	}
	if strings.HasPrefix(strings.TrimSpace(in.decoded), "{") {
		return nil, "decoded text is a JSON object"
	}
	if !d.hasMarker(in.decoded) {
		return nil, "no media extension in decoded text"
	}
	return d.splitOptions(in.decoded), "no URL tokens"
}

func (d *Decoder) splitOptions(text string) []models.MediaRef {
	var refs []models.MediaRef
	for _, option := range strings.Split(text, ",") {
		option = strings.TrimSpace(option)
		label := ""
		if strings.HasPrefix(option, "[") {
			if end := strings.Index(option, "]"); end > 0 {
				label = strings.TrimSpace(option[1:end])
				option = option[end+1:]
			}
		}
		for _, token := range strings.Split(option, d.cfg.OptionDelimiter) {
			fields := strings.Fields(token)
			if len(fields) == 0 {
				continue
			}
			refs = append(refs, models.MediaRef{Quality: label, URL: fields[0]})
		}
	}
	return refs
}

type descriptor struct {
	File     string          `json:"file"`
	Poster   string          `json:"poster"`
	Duration json.RawMessage `json:"duration"`
	URL      string          `json:"url"`
}

// parseStructured reads a JSON descriptor whose file field is a URL list or another encoded payload
func (d *Decoder) parseStructured(in input) ([]models.MediaRef, string) {
	text := strings.TrimSpace(in.decoded)
	if !strings.HasPrefix(text, "{") {
		return nil, "decoded text is not a JSON object"
	}
	var desc descriptor
	if err := json.Unmarshal([]byte(text), &desc); err != nil {
		return nil, fmt.Sprintf("invalid JSON: %v", err)
	}
	for _, field := range []string{desc.File, desc.URL} {
		if refs := d.field(field, in); len(refs) > 0 {
			return refs, ""
		}
	}
	return nil, "descriptor has no usable file or url"
}

// parseLoose scans the raw script after the loose marker for a "file" key
func (d *Decoder) parseLoose(in input) ([]models.MediaRef, string) {
	if d.cfg.LooseMarker == "" {
		return nil, "no loose marker configured"
	}
	idx := strings.Index(in.raw, d.cfg.LooseMarker)
	if idx < 0 {
		return nil, "loose marker not found"
	}
	m := looseFileRe.FindStringSubmatch(in.raw[idx+len(d.cfg.LooseMarker):])
	if m == nil {
		return nil, "no file key after loose marker"
	}
	if refs := d.field(unescapeJSON(m[1]), in); len(refs) > 0 {
		return refs, ""
	}
	return nil, "file value did not decode"
}

// field resolves a descriptor value that is either a plain option list or an encoded payload
func (d *Decoder) field(value string, in input) []models.MediaRef {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if d.hasMarker(value) {
		return d.splitOptions(value)
	}
	if in.depth+1 > maxDepth {
		return nil
	}
	refs, err := d.run(value, in.strict, in.depth+1)
	if err != nil {
		return nil
	}
	return refs
}

func unescapeJSON(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err == nil {
		return out
	}
	return strings.ReplaceAll(s, `\/`, "/")
}

// validate drops trailer URLs and rejects anything that is not a pure ASCII media URL
func (d *Decoder) validate(refs []models.MediaRef) ([]models.MediaRef, error) {
	var out []models.MediaRef
	for _, r := range refs {
		if d.isTrailer(r.URL) {
			continue
		}
		if !isASCII(r.URL) {
			return nil, utils.WrapErrorf(utils.ErrFatalFormat, "non-ASCII characters in %q", r.URL)
		}
		if !d.hasAllowedExtension(r.URL) {
			return nil, utils.WrapErrorf(utils.ErrFatalFormat, "%q does not end with one of %v", r.URL, d.cfg.Extensions)
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no media URL left after trailer filtering", utils.ErrFatalFormat)
	}
	return out, nil
}

func (d *Decoder) isTrailer(u string) bool {
	for _, re := range d.trailers {
		if re.MatchString(u) {
			return true
		}
	}
	return false
}

func (d *Decoder) hasAllowedExtension(u string) bool {
	lower := strings.ToLower(u)
	for _, ext := range d.cfg.Extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII {
			return false
		}
	}
	return true
}
