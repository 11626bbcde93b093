package shell

import "regexp"

// longRunningPatterns match dev servers and watchers that are not
// expected to exit on their own. Matched commands are spawned detached
// with a short output capture instead of being awaited.
var longRunningPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(^|\s)npm\s+(run\s+)?(dev|start|serve)(\s|$)`),
	regexp.MustCompile(`(^|\s)yarn\s+dev(\s|$)`),
	regexp.MustCompile(`(^|\s)pnpm\s+dev(\s|$)`),
	regexp.MustCompile(`(^|\s)vite(\s|$)`),
	regexp.MustCompile(`(^|\s)next\s+dev(\s|$)`),
	regexp.MustCompile(`(^|\s)react-scripts\s+start(\s|$)`),
	regexp.MustCompile(`(^|\s)ng\s+serve(\s|$)`),
	regexp.MustCompile(`(^|\s)nodemon(\s|$)`),
	regexp.MustCompile(`(^|\s)webpack\s+serve(\s|$)`),
	regexp.MustCompile(`(^|\s)watch(\s|$)`),
	regexp.MustCompile(`--watch(\s|$)`),
	regexp.MustCompile(`(^|\s)python3?\s+-m\s+http\.server(\s|$)`),
}

// IsLongRunning reports whether command looks like a process that will
// not terminate by itself.
func IsLongRunning(command string) bool {
	for _, p := range longRunningPatterns {
		if p.MatchString(command) {
			return true
		}
	}
	return false
}
