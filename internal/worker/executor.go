package worker

import (
	"fmt"
	"sort"
	"strings"
)

// Kind is the executor variant.
type Kind string

const (
	KindLLM    Kind = "llm"
	KindShell  Kind = "shell"
	KindCustom Kind = "custom"
)

// Invocation is the command a wrapper script runs for a job.
type Invocation struct {
	Argv  []string
	Env   []string
	Stdin string // file fed to stdin, empty for none
}

// Executor turns a job into a process invocation.
type Executor interface {
	Name() string
	Kind() Kind
	Invocation(job *Job) (Invocation, error)
}

// ExecutorDef configures a named executor.
type ExecutorDef struct {
	Kind      Kind     `yaml:"kind" json:"kind"`
	Command   string   `yaml:"command" json:"command"`
	Args      []string `yaml:"args" json:"args,omitempty"`
	ModelFlag string   `yaml:"model_flag" json:"model_flag,omitempty"`
	Env       []string `yaml:"env" json:"env,omitempty"`
}

// LLMExecutor runs an agent CLI with the rendered prompt on stdin.
type LLMExecutor struct {
	name string
	def  ExecutorDef
}

func (e *LLMExecutor) Name() string { return e.name }
func (e *LLMExecutor) Kind() Kind   { return KindLLM }

func (e *LLMExecutor) Invocation(job *Job) (Invocation, error) {
	argv := append([]string{e.def.Command}, e.def.Args...)
	if job.Model != "" && e.def.ModelFlag != "" {
		argv = append(argv, e.def.ModelFlag, job.Model)
	}
	return Invocation{Argv: argv, Env: e.def.Env, Stdin: job.PromptPath}, nil
}

// ShellExecutor runs the task's exec command through the shell.
type ShellExecutor struct {
	name string
	def  ExecutorDef
}

func (e *ShellExecutor) Name() string { return e.name }
func (e *ShellExecutor) Kind() Kind   { return KindShell }

func (e *ShellExecutor) Invocation(job *Job) (Invocation, error) {
	if strings.TrimSpace(job.Exec) == "" {
		return Invocation{}, fmt.Errorf("%w: task %s has no exec command for shell executor %s", ErrExecutorConfig, job.TaskID, e.name)
	}
	shell := e.def.Command
	if shell == "" {
		shell = "/bin/sh"
	}
	return Invocation{Argv: []string{shell, "-c", job.Exec}, Env: e.def.Env}, nil
}

// CustomExecutor runs a configured command line with placeholders expanded:
// {task_id}, {worker_id}, {model}, {prompt_file}, {output_file}, {dir}.
type CustomExecutor struct {
	name string
	def  ExecutorDef
}

func (e *CustomExecutor) Name() string { return e.name }
func (e *CustomExecutor) Kind() Kind   { return KindCustom }

func (e *CustomExecutor) Invocation(job *Job) (Invocation, error) {
	r := strings.NewReplacer(
		"{task_id}", job.TaskID,
		"{worker_id}", job.WorkerID,
		"{model}", job.Model,
		"{prompt_file}", job.PromptPath,
		"{output_file}", job.OutputPath,
		"{dir}", job.StoreDir,
	)
	argv := []string{r.Replace(e.def.Command)}
	for _, a := range e.def.Args {
		argv = append(argv, r.Replace(a))
	}
	return Invocation{Argv: argv, Env: e.def.Env}, nil
}

// NewExecutor builds an executor from its definition.
func NewExecutor(name string, def ExecutorDef) (Executor, error) {
	switch def.Kind {
	case KindLLM:
		if def.Command == "" {
			return nil, fmt.Errorf("%w: %s: llm executor needs a command", ErrExecutorConfig, name)
		}
		return &LLMExecutor{name: name, def: def}, nil
	case KindShell:
		return &ShellExecutor{name: name, def: def}, nil
	case KindCustom:
		if def.Command == "" {
			return nil, fmt.Errorf("%w: %s: custom executor needs a command", ErrExecutorConfig, name)
		}
		return &CustomExecutor{name: name, def: def}, nil
	default:
		return nil, fmt.Errorf("%w: %s: unknown kind %q", ErrExecutorConfig, name, def.Kind)
	}
}

// BuiltinExecutors are available without configuration.
func BuiltinExecutors() map[string]ExecutorDef {
	return map[string]ExecutorDef{
		"claude": {Kind: KindLLM, Command: "claude", Args: []string{"--print", "--dangerously-skip-permissions"}, ModelFlag: "--model"},
		"codex":  {Kind: KindLLM, Command: "codex", Args: []string{"exec", "-"}, ModelFlag: "--model"},
		"shell":  {Kind: KindShell},
	}
}

// ExecutorSet resolves executors by name.
type ExecutorSet struct {
	executors map[string]Executor
}

// NewExecutorSet builds the builtins overlaid with defs.
func NewExecutorSet(defs map[string]ExecutorDef) (*ExecutorSet, error) {
	all := BuiltinExecutors()
	for name, def := range defs {
		all[name] = def
	}
	set := &ExecutorSet{executors: make(map[string]Executor, len(all))}
	for name, def := range all {
		ex, err := NewExecutor(name, def)
		if err != nil {
			return nil, err
		}
		set.executors[name] = ex
	}
	return set, nil
}

// Get returns the named executor.
func (s *ExecutorSet) Get(name string) (Executor, error) {
	ex, ok := s.executors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecutor, name)
	}
	return ex, nil
}

// Names lists executor names in order.
func (s *ExecutorSet) Names() []string {
	names := make([]string, 0, len(s.executors))
	for n := range s.executors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
