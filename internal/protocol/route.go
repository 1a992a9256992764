package protocol

import (
	"regexp"
	"strings"
)

// Route is the classifier's decision: answer in place, or run the full
// planner→executor→reviewer pipeline.
type Route string

const (
	RouteDirectAnswer Route = "DIRECT_ANSWER"
	RoutePipeline     Route = "PIPELINE"
)

var routeDirectiveRe = regexp.MustCompile(`(?im)^\s*ROUTE:\s*(\S+)`)

// ParseRouteDirective scans planner output for an explicit
// "ROUTE: DIRECT_ANSWER" / "ROUTE: PIPELINE" declaration. The planner's
// own call overrides the heuristic classifier. Returns ("", false) when
// no recognizable directive is present.
func ParseRouteDirective(output string) (Route, bool) {
	m := routeDirectiveRe.FindStringSubmatch(output)
	if m == nil {
		return "", false
	}
	switch strings.ToUpper(m[1]) {
	case string(RouteDirectAnswer):
		return RouteDirectAnswer, true
	case string(RoutePipeline), "MAS_PIPELINE":
		return RoutePipeline, true
	}
	return "", false
}
