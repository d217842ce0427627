package metadata

import "strings"

// StartStep is the first step of every flow; trigger metadata is attached to its task.
const StartStep = "start"

// Route names a resource in the metadata service. Empty fields are absent.
type Route struct {
	Flow string
	Run  string
	Step string
	Task string
}

// BuildRoute appends /flows and then each present level of r onto base.
// Levels nest: a level is only appended when every level above it is
// present, so a step without a run yields just the flow path.
func BuildRoute(base string, r Route) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("/flows")
	if r.Flow == "" {
		return b.String()
	}
	b.WriteString("/" + r.Flow)
	if r.Run == "" {
		return b.String()
	}
	b.WriteString("/runs/" + r.Run)
	if r.Step == "" {
		return b.String()
	}
	b.WriteString("/steps/" + r.Step)
	if r.Task == "" {
		return b.String()
	}
	b.WriteString("/tasks/" + r.Task)
	return b.String()
}
