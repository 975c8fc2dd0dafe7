package orchestrator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/opsdeck/reprocessor/internal/domain"
)

// BuildArgv produces the argv vector for the external CLI for the given
// plan/task pair, per §4.2. It never returns a shell string: the caller
// dispatches argv directly via exec.CommandContext with no shell in the
// middle, and uses RenderCommand only to produce a display string for
// the audit log.
func BuildArgv(oozieBin, defaultURL string, plan *domain.Plan, task *domain.Task) ([]string, error) {
	effectiveURL := plan.OozieURL
	if effectiveURL == "" {
		effectiveURL = defaultURL
	}
	if effectiveURL == "" {
		return nil, &ConfigError{Reason: "no oozie url configured (plan.oozie_url and OOZIE_DEFAULT_URL both empty)"}
	}

	argv := []string{oozieBin, "job", "-oozie", effectiveURL, "-rerun", task.JobID}

	switch task.Type {
	case domain.TaskWorkflow:
		props := workflowProperties(task)
		for _, kv := range sortedPairs(props) {
			argv = append(argv, fmt.Sprintf("-D%s=%s", kv.key, kv.value))
		}
		argv = append(argv, "-nocleanup")

	case domain.TaskCoordinator:
		switch {
		case task.Action != "":
			argv = append(argv, "-action", task.Action)
		case task.Date != "":
			argv = append(argv, "-date", task.Date)
		default:
			return nil, &ConfigError{Reason: "coordinator task has neither action nor date"}
		}
		if task.Failed {
			argv = append(argv, "-failed")
		}
		if task.Refresh {
			argv = append(argv, "-refresh")
		}
		argv = append(argv, "-nocleanup")

	case domain.TaskBundle:
		switch {
		case task.Coordinator != "":
			argv = append(argv, "-coordinator", task.Coordinator)
		case task.Date != "":
			argv = append(argv, "-date", task.Date)
		default:
			return nil, &ConfigError{Reason: "bundle task has neither coordinator nor date"}
		}
		if task.Refresh {
			argv = append(argv, "-refresh")
		}
		argv = append(argv, "-nocleanup")

	default:
		return nil, &ConfigError{Reason: fmt.Sprintf("unknown task type %q", task.Type)}
	}

	return argv, nil
}

// workflowProperties builds the -D property map for a workflow task:
// skip-nodes takes precedence over failnodes, then extra_props are merged
// in (stringified).
func workflowProperties(task *domain.Task) map[string]string {
	props := make(map[string]string, len(task.ExtraProps)+1)
	if task.WFSkipNodes != "" {
		props["oozie.wf.rerun.skip.nodes"] = task.WFSkipNodes
	} else {
		props["oozie.wf.rerun.failnodes"] = strconv.FormatBool(task.WFFailNodes)
	}
	for k, v := range task.ExtraProps {
		props[k] = v
	}
	return props
}

type kvPair struct{ key, value string }

// sortedPairs returns the map's entries sorted lexicographically by key,
// so the same task always renders the same argv / command string (§4.2).
func sortedPairs(m map[string]string) []kvPair {
	pairs := make([]kvPair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, kvPair{key: k, value: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })
	return pairs
}

// RenderCommand renders argv as a shell-safe-quoted string for display in
// the task's command/audit field only; it is never executed.
func RenderCommand(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = shellQuote(a)
	}
	return strings.Join(parts, " ")
}

// shellQuote quotes a single argv element for human-readable display.
// Elements with no shell metacharacters are left bare.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '/' || r == ':' || r == '=':
		default:
			safe = false
		}
		if !safe {
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
