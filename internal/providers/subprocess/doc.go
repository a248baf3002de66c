// Package subprocess exposes the child-process multiplexer as a service
// with request/response tools.
//
// A remote dispatcher calls Execute with a tool ID and decoded JSON
// parameters; every tool maps onto one multiplexer operation and waits for
// its result under the caller's context. Binary data travels base64 encoded.
//
// Example Usage:
//
//	// Spawn a process
//	subprocess.spawn(command: "/bin/cat", stderr: "stdout")
//	// → Returns id, pid and pipe ids
//
//	subprocess.write(pipe_id: 1, data: "hello")
//	subprocess.read(pipe_id: 2, max_length: 5)
//	subprocess.wait(process_id: "proc_01J...")
//	subprocess.cleanup(process_id: "proc_01J...")
//
// Tools:
//   - subprocess.spawn: Start a child with redirected stdio
//   - subprocess.write: Write to a child's stdin pipe
//   - subprocess.read: Read from a child's stdout or stderr pipe
//   - subprocess.close_pipe: Close a pipe, gracefully or forcibly
//   - subprocess.kill: Forcibly terminate a child
//   - subprocess.wait: Wait for a child to exit
//   - subprocess.get_process: Describe one child
//   - subprocess.list_processes: Describe every child
//   - subprocess.cleanup: Forget an exited child
package subprocess
