package subprocess

import (
	"time"

	"github.com/GriffinCanCode/AgentOS/subprocess/internal/subprocess"
)

// ProcessInfo is the public representation of a process
type ProcessInfo struct {
	ID       string  `json:"id"`
	PID      int     `json:"pid"`
	Command  string  `json:"command"`
	State    string  `json:"state"`
	ExitCode *int    `json:"exit_code,omitempty"`
	Stdin    int     `json:"stdin"`
	Stdout   int     `json:"stdout"`
	Stderr   *int    `json:"stderr,omitempty"`
	Pipes    []int   `json:"pipes"`
	Uptime   float64 `json:"uptime_seconds,omitempty"`
}

func describe(proc *subprocess.Process) ProcessInfo {
	info := ProcessInfo{
		ID:      proc.ID().String(),
		PID:     proc.PID(),
		Command: proc.Command(),
		State:   proc.State().String(),
		Stdin:   proc.Stdin().ID(),
		Stdout:  proc.Stdout().ID(),
	}
	if stderr := proc.Stderr(); stderr != nil {
		pipeID := stderr.ID()
		info.Stderr = &pipeID
	}
	for _, p := range proc.Pipes() {
		info.Pipes = append(info.Pipes, p.ID())
	}
	if status := proc.ExitStatus(); status.Exited {
		code := status.Code
		info.ExitCode = &code
	} else {
		info.Uptime = time.Since(proc.StartedAt()).Seconds()
	}
	return info
}

// toMap converts info into the loosely typed form results carry
func (info ProcessInfo) toMap() map[string]interface{} {
	data := map[string]interface{}{
		"id":      info.ID,
		"pid":     info.PID,
		"command": info.Command,
		"state":   info.State,
		"stdin":   info.Stdin,
		"stdout":  info.Stdout,
		"pipes":   info.Pipes,
	}
	if info.Stderr != nil {
		data["stderr"] = *info.Stderr
	}
	if info.ExitCode != nil {
		data["exit_code"] = *info.ExitCode
	}
	if info.Uptime > 0 {
		data["uptime_seconds"] = info.Uptime
	}
	return data
}
