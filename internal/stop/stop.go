// Package stop implements a pattern for shutting down a group of
// long-running subsystems (the swarm manager, the HTTP API, the census
// server, the metrics server, the daemon's TCP listener) in parallel and
// collecting whatever errors they report.
package stop

import "sync"

// AlreadyStopped is a closed error channel, for Stoppers that were asked
// to stop a second time or were never started.
var AlreadyStopped <-chan error

// AlreadyStoppedFunc is a Func that returns AlreadyStopped.
var AlreadyStoppedFunc = func() <-chan error { return AlreadyStopped }

func init() {
	c := make(chan error)
	close(c)
	AlreadyStopped = c
}

// Stopper is implemented by anything that can be asked to shut down
// cleanly. Stop must return immediately and perform the actual shutdown
// in a separate goroutine; the returned channel is closed (or yields a
// single error) once shutdown is complete.
type Stopper interface {
	Stop() <-chan error
}

// Func adapts a plain function to the Stopper interface.
type Func func() <-chan error

// Group stops a collection of Stoppers concurrently and joins on their
// completion.
type Group struct {
	mu         sync.Mutex
	stoppables []Func
}

// NewGroup allocates an empty Group.
func NewGroup() *Group {
	return &Group{}
}

// Add appends a Stopper to the Group.
func (g *Group) Add(s Stopper) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stoppables = append(g.stoppables, s.Stop)
}

// AddFunc appends a raw stop Func to the Group.
func (g *Group) AddFunc(f Func) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stoppables = append(g.stoppables, f)
}

// Stop stops every member of the Group concurrently, waits for all of
// them to finish, and returns every error reported.
func (g *Group) Stop() []error {
	g.mu.Lock()
	defer g.mu.Unlock()

	waiting := make([]<-chan error, 0, len(g.stoppables))
	for _, stop := range g.stoppables {
		ch := stop()
		if ch == nil {
			panic("stop: Stop() returned a nil channel")
		}
		waiting = append(waiting, ch)
	}

	var errs []error
	done := make(chan struct{})
	go func() {
		for _, ch := range waiting {
			if err := <-ch; err != nil {
				errs = append(errs, err)
			}
		}
		close(done)
	}()
	<-done

	return errs
}
