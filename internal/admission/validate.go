package admission

import (
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/supercheck-io/supercheck/internal/apperr"
)

const maxScriptBytes = 1 << 20

// Node builtins a load-test script may not import; k6 scripts run outside
// node and these imports mean the author is testing the wrong runtime.
var forbiddenModules = []string{
	"child_process",
	"fs",
	"net",
	"os",
	"cluster",
	"worker_threads",
}

var (
	k6ImportRe      = regexp.MustCompile(`(?m)^\s*import\s+(?:[\w{}\s,*]+\s+from\s+)?['"]k6(?:/[\w/-]+)?['"]`)
	defaultExportRe = regexp.MustCompile(`(?m)^\s*export\s+default\s+(?:async\s+)?function\b`)
	importModuleRe  = regexp.MustCompile(`(?:import\s+[^'"]*from\s*|import\s*\(\s*|require\s*\(\s*)['"]([^'"]+)['"]`)
)

// DecodeScript decodes the base64 script body, enforcing the size ceiling.
func DecodeScript(encoded string) (string, error) {
	if strings.TrimSpace(encoded) == "" {
		return "", apperr.Validation("script", "script is required")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", apperr.Validation("script", "script must be base64-encoded")
	}
	if len(raw) > maxScriptBytes {
		return "", apperr.Validation("script", "script exceeds the 1 MiB limit")
	}
	return string(raw), nil
}

// ValidateK6Script checks a decoded load-test script: it must import the k6
// framework, declare a default entry point, import no forbidden modules, and
// contain no top-level await.
func ValidateK6Script(script string) error {
	if !k6ImportRe.MatchString(script) {
		return apperr.Validation("script", "load-test script must import the k6 framework")
	}
	if !defaultExportRe.MatchString(script) {
		return apperr.Validation("script", "load-test script must declare a default exported function")
	}

	for _, m := range importModuleRe.FindAllStringSubmatch(script, -1) {
		module := m[1]
		base := module
		if i := strings.IndexByte(base, '/'); i >= 0 {
			base = base[:i]
		}
		base = strings.TrimPrefix(base, "node:")
		for _, forbidden := range forbiddenModules {
			if base == forbidden {
				return apperr.Validation("script", "forbidden module import: "+module)
			}
		}
	}

	if hasTopLevelAwait(script) {
		return apperr.Validation("script", "top-level await is not allowed in load-test scripts")
	}
	return nil
}

var awaitRe = regexp.MustCompile(`\bawait\b`)

// hasTopLevelAwait scans for await outside any braced body. Brace depth is a
// heuristic, not a parser; strings and comments containing braces can skew
// it, which errs on the permissive side inside function bodies.
func hasTopLevelAwait(script string) bool {
	depth := 0
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "//") {
			continue
		}
		if depth == 0 && awaitRe.MatchString(trimmed) {
			return true
		}
		depth += strings.Count(line, "{") - strings.Count(line, "}")
		if depth < 0 {
			depth = 0
		}
	}
	return false
}
