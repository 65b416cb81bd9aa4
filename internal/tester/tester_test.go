package tester

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/depsync/depsync/internal/credentials"
	"github.com/depsync/depsync/internal/errs"
	"github.com/depsync/depsync/internal/pool"
	"github.com/depsync/depsync/internal/test/repotest"
	"github.com/depsync/depsync/internal/vcs"
)

type fakeClient struct {
	vcs.Client
	found bool
	err   error
	block chan struct{}
}

func (f *fakeClient) ListRemoteRefs(ctx context.Context, _, _ string) (bool, error) {
	if f.block != nil {
		<-f.block
	}
	return f.found, f.err
}

func wait(t *testing.T, tt *Tester) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()
	res, err := tt.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestResults(t *testing.T) {
	const url = "https://example.com/acme/widgets.git"

	tests := []struct {
		note    string
		client  *fakeClient
		creds   credentials.Provider
		ok      bool
		kind    error
		message string
	}{
		{
			note:    "branch exists",
			client:  &fakeClient{found: true},
			ok:      true,
			message: "Success. The url points to a valid git repository.",
		},
		{
			note:    "branch missing",
			client:  &fakeClient{found: false},
			kind:    errs.ErrRefNotFound,
			message: "Failed to connect to url\n" + url + " no such branch: main",
		},
		{
			note:    "unreachable",
			client:  &fakeClient{err: errors.New("dial tcp: connection refused")},
			kind:    errs.ErrRemoteUnreachable,
			message: "Failed to connect to url\n" + url + " remote unreachable: dial tcp: connection refused",
		},
		{
			note:   "credentials",
			client: &fakeClient{found: true},
			creds: credentials.Func(func(context.Context, string) (transport.AuthMethod, error) {
				return nil, errors.New("secret acme not found")
			}),
			kind:    errs.ErrCredentialFailure,
			message: "Failed getting credentials: credential failure: secret acme not found",
		},
	}

	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			p := pool.New(1)
			defer p.Close()

			tt := New(tc.client, tc.creds, p)
			if err := tt.Test(url, "main"); err != nil {
				t.Fatal(err)
			}
			res := wait(t, tt)

			if res.OK != tc.ok {
				t.Fatalf("expected ok=%v, got %+v", tc.ok, res)
			}
			if tc.kind != nil && !errors.Is(res.Err, tc.kind) {
				t.Fatalf("expected %v, got %v", tc.kind, res.Err)
			}
			if res.Message != tc.message {
				t.Fatalf("expected message %q, got %q", tc.message, res.Message)
			}
			if res.URL != url || res.Branch != "main" {
				t.Fatalf("unexpected url/branch in %+v", res)
			}
		})
	}
}

func TestOneAtATime(t *testing.T) {
	p := pool.New(2)
	defer p.Close()

	client := &fakeClient{found: true, block: make(chan struct{})}
	tt := New(client, nil, p)

	if err := tt.Test("https://example.com/a.git", "main"); err != nil {
		t.Fatal(err)
	}
	if !tt.Busy() {
		t.Fatal("expected tester to be busy")
	}
	if err := tt.Test("https://example.com/b.git", "main"); !errors.Is(err, ErrTestInProgress) {
		t.Fatalf("expected ErrTestInProgress, got %v", err)
	}
	if _, ok := tt.Update(); ok {
		t.Fatal("expected no result while the probe is blocked")
	}

	close(client.block)
	res := wait(t, tt)
	if !res.OK || res.URL != "https://example.com/a.git" {
		t.Fatalf("unexpected result %+v", res)
	}
	if tt.Busy() {
		t.Fatal("expected tester to be free once the result was drained")
	}

	if err := tt.Test("https://example.com/b.git", "main"); err != nil {
		t.Fatalf("expected a new test to start, got %v", err)
	}
	deadline := time.Now().Add(30 * time.Second)
	for {
		if res, ok := tt.Update(); ok {
			if res.URL != "https://example.com/b.git" {
				t.Fatalf("unexpected result %+v", res)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the result")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGoGitRemote(t *testing.T) {
	repo := repotest.New(t, map[string]string{"README.md": "hello"})
	repo.Branch(t, "dev")

	p := pool.New(1)
	defer p.Close()
	tt := New(vcs.NewGoGit(nil), nil, p)

	for branch, exp := range map[string]bool{"main": true, "dev": true, "nope": false} {
		if err := tt.Test(repo.URL(), branch); err != nil {
			t.Fatal(err)
		}
		res := wait(t, tt)
		if res.OK != exp {
			t.Errorf("branch %s: expected ok=%v, got %+v", branch, exp, res)
		}
	}

	if err := tt.Test(repo.URL()+"-missing", "main"); err != nil {
		t.Fatal(err)
	}
	if res := wait(t, tt); res.OK || !strings.HasPrefix(res.Message, "Failed to connect to url\n") {
		t.Fatalf("expected a connection failure, got %+v", res)
	}
}
