package builder

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-git/go-git/v5"
)

// CloneError represents a failed checkout of a repository.
type CloneError struct {
	// GitURL is the URL that was being cloned
	GitURL string

	// Err is the underlying error
	Err error
}

// Error implements the error interface.
func (e *CloneError) Error() string {
	return fmt.Sprintf("git clone %s failed: %v", e.GitURL, e.Err)
}

// Unwrap returns the underlying error.
func (e *CloneError) Unwrap() error {
	return e.Err
}

// Cloner checks out a repository into a directory.
type Cloner interface {
	Clone(ctx context.Context, gitURL, dir string, progress io.Writer) error
}

// GitCloner clones with go-git, so no git binary is needed on the host.
type GitCloner struct {
	// Depth limits the fetched history. Zero fetches everything.
	Depth int
}

// Clone implements Cloner.
func (c GitCloner) Clone(ctx context.Context, gitURL, dir string, progress io.Writer) error {
	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:               gitURL,
		Progress:          progress,
		Depth:             c.Depth,
		RecurseSubmodules: git.DefaultSubmoduleRecursionDepth,
	})
	if err != nil {
		return &CloneError{GitURL: gitURL, Err: err}
	}
	return nil
}

// ValidGitURL reports whether s looks like something git can clone: a URL
// with a known scheme, scp-like user@host:path syntax, or an absolute path.
func ValidGitURL(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, " \t\n") {
		return false
	}
	for _, scheme := range []string{"https://", "http://", "ssh://", "git://", "file://"} {
		if strings.HasPrefix(s, scheme) {
			return len(s) > len(scheme)
		}
	}
	if strings.HasPrefix(s, "/") {
		return true
	}
	// scp-like: user@host:path
	at := strings.Index(s, "@")
	colon := strings.Index(s, ":")
	return at > 0 && colon > at+1 && colon < len(s)-1
}
