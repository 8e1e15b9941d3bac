// Package testutil provides a scripted utils.Runner so hardware paths can
// be tested without devices.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"ltfs-tapemgr/utils"
)

// Call is one recorded command.
type Call struct {
	Name string
	Args []string
}

func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner records every command and answers from Responses, keyed by the
// command name. A missing key succeeds with empty output.
type Runner struct {
	mu        sync.Mutex
	Calls     []Call
	Responses map[string][]byte
	Errors    map[string]error
	// OnStart runs when a process is started, e.g. to mark a mountpoint mounted.
	OnStart func(name string, args []string)
	Procs   []*Process
}

func NewRunner() *Runner {
	return &Runner{Responses: map[string][]byte{}, Errors: map[string]error{}}
}

func (r *Runner) record(name string, args []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, Call{Name: name, Args: append([]string(nil), args...)})
	return r.Errors[name]
}

func (r *Runner) Run(ctx context.Context, name string, args ...string) error {
	return r.record(name, args)
}

func (r *Runner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := r.record(name, args); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Responses[name], nil
}

func (r *Runner) Start(name string, args ...string) (utils.Process, error) {
	if err := r.record(name, args); err != nil {
		return nil, err
	}
	p := &Process{}
	r.mu.Lock()
	r.Procs = append(r.Procs, p)
	r.mu.Unlock()
	if r.OnStart != nil {
		r.OnStart(name, args)
	}
	return p, nil
}

// Named returns the recorded calls of one command.
func (r *Runner) Named(name string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.Calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Process is a fake child process that exits when Kill or Finish is called.
type Process struct {
	mu     sync.Mutex
	exited bool
	Killed bool
}

func (p *Process) Wait() error {
	p.Finish()
	return nil
}

func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return fmt.Errorf("process already exited")
	}
	p.Killed = true
	p.exited = true
	return nil
}

func (p *Process) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exited = true
}
