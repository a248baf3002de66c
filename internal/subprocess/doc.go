// Package subprocess spawns child processes and drives their standard
// streams without blocking the caller.
//
// A Multiplexer owns every live Pipe and Process. All state transitions run
// on the multiplexer's single loop goroutine; public methods marshal their
// work onto that goroutine and hand back a Future.
//
// Architecture:
//   - Handle: owns one OS handle and releases it exactly once
//   - Pipe: one direction of a child's stdio, at most one OS operation in flight
//   - Process: the child itself, its exit status and its pipes
//   - Multiplexer: registry, wait-set and the polling loop
//
// The wait primitive is selected at build time: poll(2) on POSIX systems
// (pidfd for exit detection on Linux) and WaitForMultipleObjects with
// overlapped named pipes on Windows.
//
// Example Usage:
//
//	mux := subprocess.New(subprocess.WithLogger(logger))
//	if err := mux.Start(); err != nil {
//	    return err
//	}
//	defer mux.Stop(context.Background())
//
//	proc, err := mux.Spawn(ctx, subprocess.Options{
//	    Command:   "/bin/cat",
//	    Stderr:    subprocess.StderrStdout,
//	})
//	if err != nil {
//	    return err
//	}
//
//	n, err := proc.Stdin().WriteContext(ctx, []byte("hello"))
//	out, err := proc.Stdout().ReadContext(ctx, 5)
//	code, err := proc.Wait(ctx)
package subprocess
