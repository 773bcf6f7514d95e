package session

import (
	"regexp"
	"strings"
)

// needsInputWindow bounds how much of the output tail the heuristic
// inspects.
const needsInputWindow = 500

var needsInputPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)\?\s*$`),
	regexp.MustCompile(`(?i)\b(which|what|how|should i|do you want|would you)\b[^?]{0,120}\?`),
	regexp.MustCompile(`(?i)\bplease (choose|select|specify|confirm|clarify)\b`),
	regexp.MustCompile(`(?i)\bwaiting for (your|user) (approval|input|response|reply|confirmation)\b`),
	regexp.MustCompile(`(?i)\boption [A-D]\b`),
	regexp.MustCompile(`(?i)\b(allow|deny|permit|authorize)\b[^?]{0,80}\?`),
}

// NeedsInput reports whether an exited session's output tail looks
// like a question to the user. False positives are tolerable because
// the resulting wait is bounded and cancellable.
func NeedsInput(output string) bool {
	tail := strings.TrimSpace(output)
	if tail == "" {
		return false
	}
	if len(tail) > needsInputWindow {
		tail = tail[len(tail)-needsInputWindow:]
	}
	for _, p := range needsInputPatterns {
		if p.MatchString(tail) {
			return true
		}
	}
	return false
}
