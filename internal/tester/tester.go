// Package tester probes a remote before a dependency is added: it resolves
// the credentials for the URL and checks that the branch exists.
//
// A Tester runs one probe at a time. The probe runs on the shared pool and
// its result is handed back through a single slot that the caller drains
// with Update or Wait. The tester stays busy until the result was drained.
package tester

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/depsync/depsync/internal/credentials"
	"github.com/depsync/depsync/internal/errs"
	"github.com/depsync/depsync/internal/logging"
	"github.com/depsync/depsync/internal/metrics"
	"github.com/depsync/depsync/internal/pool"
	"github.com/depsync/depsync/internal/vcs"
)

const successMessage = "Success. The url points to a valid git repository."

// ErrTestInProgress is returned by Test while the previous result has not
// been drained. Callers are expected to never do that.
var ErrTestInProgress = errors.New("connectivity test already in progress")

type Result struct {
	URL     string
	Branch  string
	OK      bool
	Message string
	Err     error
}

type Tester struct {
	client vcs.Client
	creds  credentials.Provider
	pool   *pool.Pool
	log    *logging.Logger

	mu   sync.Mutex
	busy bool
	runs int
	done chan Result
}

func New(client vcs.Client, creds credentials.Provider, p *pool.Pool) *Tester {
	if creds == nil {
		creds = credentials.Anonymous{}
	}
	return &Tester{
		client: client,
		creds:  creds,
		pool:   p,
		log:    logging.NewNoop(),
		done:   make(chan Result, 1),
	}
}

func (t *Tester) WithLogger(log *logging.Logger) *Tester {
	t.log = log
	return t
}

// Test starts probing url for branch in the background.
func (t *Tester) Test(url, branch string) error {
	t.mu.Lock()
	if t.busy {
		t.mu.Unlock()
		return ErrTestInProgress
	}
	t.busy = true
	t.runs++
	name := fmt.Sprintf("test:%s#%d", url, t.runs)
	t.mu.Unlock()

	err := t.pool.Go(name, func(ctx context.Context) {
		res := t.probe(ctx, url, branch)
		if res.OK {
			metrics.ConnectivityTested("ok")
		} else {
			metrics.ConnectivityTested(errs.Kind(res.Err))
		}
		t.done <- res
	})
	if err != nil {
		t.mu.Lock()
		t.busy = false
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *Tester) probe(ctx context.Context, url, branch string) (res Result) {
	res = Result{URL: url, Branch: branch}

	defer func() {
		if r := recover(); r != nil {
			res.OK = false
			res.Err = fmt.Errorf("connectivity test panicked: %v", r)
			res.Message = fmt.Sprintf("Failed to connect to url\n%s %v", url, r)
		}
	}()

	if _, err := t.creds.Resolve(ctx, url); err != nil {
		if !errors.Is(err, errs.ErrCredentialFailure) {
			err = fmt.Errorf("%w: %w", errs.ErrCredentialFailure, err)
		}
		res.Err = err
		res.Message = "Failed getting credentials: " + err.Error()
		t.log.Debugf("connectivity test of %s: %v", url, err)
		return res
	}

	found, err := t.client.ListRemoteRefs(ctx, url, branch)
	switch {
	case err != nil:
		if errs.Kind(err) == "internal" {
			err = fmt.Errorf("%w: %w", errs.ErrRemoteUnreachable, err)
		}
		res.Err = err
		res.Message = fmt.Sprintf("Failed to connect to url\n%s %v", url, err)
	case !found:
		res.Err = fmt.Errorf("%w: no branch %q on %s", errs.ErrRefNotFound, branch, url)
		res.Message = fmt.Sprintf("Failed to connect to url\n%s no such branch: %s", url, branch)
	default:
		res.OK = true
		res.Message = successMessage
	}

	t.log.Debugf("connectivity test of %s (%s): %s", url, branch, res.Message)
	return res
}

// Update returns the result of the last test if it is available.
func (t *Tester) Update() (Result, bool) {
	select {
	case res := <-t.done:
		t.release()
		return res, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the result of the last test is available.
func (t *Tester) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-t.done:
		t.release()
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Busy reports whether a test is running or its result was not drained yet.
func (t *Tester) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busy
}

func (t *Tester) release() {
	t.mu.Lock()
	t.busy = false
	t.mu.Unlock()
}
