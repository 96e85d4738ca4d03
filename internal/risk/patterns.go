package risk

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

// Pre-compiled matchers shared by the assessor, the sanitizer, the trust
// manager and the anomaly detector.
var sensitivePathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/etc/(passwd|shadow|gshadow|sudoers)\b`),
	regexp.MustCompile(`(?i)(^|[/\\])\.ssh([/\\]|$)`),
	regexp.MustCompile(`(?i)\bid_(rsa|dsa|ecdsa|ed25519)\b`),
	regexp.MustCompile(`(?i)\bauthorized_keys\b`),
	regexp.MustCompile(`(?i)(^|[/\\])\.aws[/\\](credentials|config)\b`),
	regexp.MustCompile(`(?i)(^|[/\\])\.config[/\\]gcloud\b`),
	regexp.MustCompile(`(?i)(^|[/\\])\.azure([/\\]|$)`),
	regexp.MustCompile(`(?i)(^|[/\\])\.kube[/\\]config\b`),
	regexp.MustCompile(`(?i)(^|[/\\])\.docker[/\\]config\.json\b`),
	regexp.MustCompile(`(?i)(^|[/\\])\.(netrc|pgpass|gnupg)\b`),
	regexp.MustCompile(`(?i)(^|[/\\])\.env$`),
	regexp.MustCompile(`(?i)windows[/\\]system32[/\\]config[/\\](sam|system|security)\b`),
	regexp.MustCompile(`(?i)^[a-z]:[/\\]windows[/\\]system32\b`),
}

var destructiveCommandPatterns = []struct {
	re     *regexp.Regexp
	detail string
}{
	{regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f[a-z]*|-[a-z]*f[a-z]*r[a-z]*|-r\s+-f|-f\s+-r|--recursive\s+--force|--force\s+--recursive)\b`), "recursive forced delete"},
	{regexp.MustCompile(`(?i)\bdd\s+.*\bif=`), "raw disk copy"},
	{regexp.MustCompile(`(?i)\bmkfs(\.[a-z0-9]+)?\b`), "filesystem format"},
	{regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`), "fork bomb"},
	{regexp.MustCompile(`(?i)>\s*/dev/(sd[a-z]|nvme\d|hd[a-z])`), "raw device overwrite"},
	{regexp.MustCompile(`(?i)\bshred\b`), "secure erase"},
	{regexp.MustCompile(`(?i)\bchmod\s+(-R\s+)?777\s+/(\s|$)`), "world-writable root"},
	{regexp.MustCompile(`(?i)\bformat\s+[a-z]:`), "drive format"},
}

var privilegeEscalationPattern = regexp.MustCompile(`(?i)(^|[\s;&|(])(sudo|su|doas|pkexec)(\s|$)`)

var commandInjectionPattern = regexp.MustCompile("(;|&&|\\|\\||\\||\\$\\(|`|\\n)")

var pathTraversalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.\.[/\\]`),
	regexp.MustCompile(`[/\\]\.\.$`),
	regexp.MustCompile(`^\.\.$`),
	regexp.MustCompile(`(?i)%2e%2e`),
	regexp.MustCompile(`(?i)%252e%252e`),
	regexp.MustCompile(`(?i)\.\.%(2f|5c)`),
	regexp.MustCompile(`(?i)%c0%ae`),
}

var sensitiveValuePatterns = []struct {
	re     *regexp.Regexp
	detail string
}{
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "SSN"},
	{regexp.MustCompile(`\b4\d{3}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), "credit card (Visa)"},
	{regexp.MustCompile(`\b5[1-5]\d{2}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), "credit card (Mastercard)"},
	{regexp.MustCompile(`\b3[47]\d{2}[-\s]?\d{6}[-\s]?\d{5}\b`), "credit card (Amex)"},
}

var schemePattern = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.\-]*):`)

var sensitiveKeyFragments = []string{"password", "passwd", "token", "secret", "key", "credential", "private"}

var pathKeys = map[string]bool{
	"path": true, "file": true, "filename": true, "filepath": true, "file_path": true,
	"dir": true, "directory": true, "source": true, "destination": true, "target": true,
	"src": true, "dst": true, "dest": true, "cwd": true, "root": true, "location": true,
}

var commandKeys = map[string]bool{
	"command": true, "cmd": true, "script": true, "shell": true, "exec": true,
	"command_line": true, "commandline": true,
}

var urlKeys = map[string]bool{
	"url": true, "uri": true, "endpoint": true, "href": true, "link": true, "webhook": true,
}

// IsSensitivePath reports whether p names a credential or system file.
func IsSensitivePath(p string) bool {
	for _, re := range sensitivePathPatterns {
		if re.MatchString(p) {
			return true
		}
	}
	return false
}

// DestructiveCommand returns a short description of the destructive pattern
// cmd matches, or "" when none does.
func DestructiveCommand(cmd string) string {
	for _, p := range destructiveCommandPatterns {
		if p.re.MatchString(cmd) {
			return p.detail
		}
	}
	return ""
}

// IsPrivilegeEscalation reports whether cmd elevates privileges (sudo and friends).
func IsPrivilegeEscalation(cmd string) bool {
	return privilegeEscalationPattern.MatchString(cmd)
}

// HasCommandInjection reports whether cmd chains or substitutes commands.
func HasCommandInjection(cmd string) bool {
	return commandInjectionPattern.MatchString(cmd)
}

// HasPathTraversal reports whether p contains a traversal sequence, including
// backslash and percent-encoded forms. Besides the raw patterns, p is decoded
// up to twice and any ".." segment in the result counts, so mixed forms such
// as ".%2e/" are caught.
func HasPathTraversal(p string) bool {
	for _, re := range pathTraversalPatterns {
		if re.MatchString(p) {
			return true
		}
	}
	decoded := p
	for i := 0; i < 2; i++ {
		d, err := url.PathUnescape(decoded)
		if err != nil || d == decoded {
			break
		}
		decoded = d
		if hasDotDotSegment(decoded) {
			return true
		}
	}
	return hasDotDotSegment(p)
}

func hasDotDotSegment(s string) bool {
	segments := strings.FieldsFunc(s, func(r rune) bool {
		return r == '/' || r == '\\' || unicode.IsSpace(r)
	})
	for _, seg := range segments {
		if seg == ".." {
			return true
		}
	}
	return false
}

// IsSensitiveKey reports whether a parameter key names credential material.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}

// SensitiveValue returns what kind of personal data v looks like, or "".
func SensitiveValue(v string) string {
	for _, p := range sensitiveValuePatterns {
		if p.re.MatchString(v) {
			return p.detail
		}
	}
	return ""
}

// Scheme returns the lower-cased URL scheme of v, or "" if v has none.
// Windows drive letters ("C:") are not schemes.
func Scheme(v string) string {
	m := schemePattern.FindStringSubmatch(v)
	if m == nil || len(m[1]) < 2 {
		return ""
	}
	return strings.ToLower(m[1])
}

// IsPathKey reports whether a parameter key conventionally holds a filesystem path.
func IsPathKey(key string) bool {
	k := strings.ToLower(key)
	return pathKeys[k] || strings.HasSuffix(k, "_path") || strings.HasSuffix(k, "_file") || strings.HasSuffix(k, "_dir")
}

// IsCommandKey reports whether a parameter key conventionally holds a shell command.
func IsCommandKey(key string) bool {
	return commandKeys[strings.ToLower(key)]
}

// IsURLKey reports whether a parameter key conventionally holds a URL.
func IsURLKey(key string) bool {
	k := strings.ToLower(key)
	return urlKeys[k] || strings.HasSuffix(k, "_url") || strings.HasSuffix(k, "_uri")
}
