package filter

import (
	"errors"
	"fmt"
	"io"

	"github.com/migadu/eaf/consts"
	"github.com/migadu/eaf/logger"
	"github.com/migadu/eaf/pkg/metrics"
)

const ReasonArchiveOK = "Archive OK"

// Inspector runs the deep content checks for one policy.
type Inspector struct {
	Rules  RuleSet
	Types  FileTypes
	Limits Limits
}

type taskKind int

const (
	taskClassify taskKind = iota
	taskArchive
	taskOpenXML
	taskEncrypted
)

// task is one unit of work on the inspection stack.
type task struct {
	kind  taskKind
	name  string
	depth int
	data  []byte
	entry *entry
}

// InspectArchive opens r as a zip-family container and returns the worst
// verdict found among its entries and everything nested inside them.
func (in *Inspector) InspectArchive(r io.Reader) Verdict {
	return in.InspectArchiveNamed("", r)
}

// InspectArchiveNamed is InspectArchive for a stream whose file name is
// known; the name is used to label single-member compressed streams.
func (in *Inspector) InspectArchiveNamed(name string, r io.Reader) Verdict {
	data, err := io.ReadAll(r)
	if err != nil {
		return archiveFailure(name, err)
	}
	return in.walk(task{kind: taskArchive, name: name, depth: 1, data: data}, newBudget(in.Limits))
}

// walk drains the task stack depth first. Tasks for the entries of one
// container are pushed in reverse so they pop in entry order, which keeps
// verdict ties resolved in favour of the first finding.
func (in *Inspector) walk(root task, b *budget) Verdict {
	result := newVerdict(Accept, ReasonArchiveOK)
	stack := []task{root}
	for len(stack) > 0 {
		t := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch t.kind {
		case taskClassify:
			result = Merge(result, Classify(t.name, in.Rules))

		case taskEncrypted:
			_, err := in.taskData(t, b)
			result = Merge(result, archiveFailure(t.name, err))

		case taskOpenXML:
			data, err := in.taskData(t, b)
			if err != nil {
				result = Merge(result, archiveFailure(t.name, err))
				if errors.Is(err, consts.ErrBudgetExceeded) {
					return result
				}
				continue
			}
			result = Merge(result, inspectOpenXMLBytes(data, b))

		case taskArchive:
			if in.Limits.MaxDepth > 0 && t.depth > in.Limits.MaxDepth {
				err := fmt.Errorf("%w: %q is nested %d levels deep (limit %d)", consts.ErrDepthExceeded, t.name, t.depth, in.Limits.MaxDepth)
				result = Merge(result, archiveFailure(t.name, err))
				continue
			}
			data, err := in.taskData(t, b)
			if err != nil {
				result = Merge(result, archiveFailure(t.name, err))
				if errors.Is(err, consts.ErrBudgetExceeded) {
					return result
				}
				continue
			}
			entries, err := listEntries(t.name, data)
			if err != nil {
				result = Merge(result, archiveFailure(t.name, err))
				continue
			}
			stack = append(stack, in.entryTasks(entries, t.depth)...)
		}
	}
	return result
}

// entryTasks expands container entries into tasks, reversed for the stack.
func (in *Inspector) entryTasks(entries []entry, depth int) []task {
	var tasks []task
	for i := range entries {
		e := &entries[i]
		tasks = append(tasks, task{kind: taskClassify, name: e.name})
		if e.encrypted {
			tasks = append(tasks, task{kind: taskEncrypted, name: e.name, entry: e})
			continue
		}
		if in.Types.IsArchive(e.name) {
			tasks = append(tasks, task{kind: taskArchive, name: e.name, depth: depth + 1, entry: e})
		}
		if in.Types.IsOpenXML(e.name) {
			tasks = append(tasks, task{kind: taskOpenXML, name: e.name, depth: depth + 1, entry: e})
		}
	}
	for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
		tasks[i], tasks[j] = tasks[j], tasks[i]
	}
	return tasks
}

func (in *Inspector) taskData(t task, b *budget) ([]byte, error) {
	if t.entry == nil {
		return t.data, nil
	}
	return t.entry.content(b)
}

func archiveFailure(name string, err error) Verdict {
	class := errorClass(err)
	metrics.InspectorErrors.WithLabelValues("archive", class).Inc()
	logger.Warn("Archive inspection failed", "file", name, "class", class, "error", err)
	return newVerdict(RemoveAttachment, fmt.Sprintf("Archive ERROR [%s]: %v", class, err))
}
