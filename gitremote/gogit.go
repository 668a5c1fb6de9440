package gitremote

import (
	"context"

	git "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/storage/memory"

	"github.com/lazarusengine/lazarus/core/fault"
)

// scanTreeGit lists files for remotes outside the REST API's reach by doing a
// shallow, bare, in-memory clone and walking the head tree. Nothing touches
// disk; the storer is garbage once the scan returns.
func (c *Client) scanTreeGit(ctx context.Context, repoURL string) ([]string, error) {
	repo, err := git.CloneContext(ctx, memory.NewStorage(), nil, &git.CloneOptions{
		URL:          repoURL,
		Depth:        1,
		SingleBranch: true,
		Tags:         git.NoTags,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindScan, err, "clone "+repoURL)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fault.Wrap(fault.KindScan, err, "resolve head")
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fault.Wrap(fault.KindScan, err, "read head commit")
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fault.Wrap(fault.KindScan, err, "read head tree")
	}

	var paths []string
	err = tree.Files().ForEach(func(f *object.File) error {
		paths = append(paths, f.Name)
		return nil
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindScan, err, "walk tree")
	}

	c.logger.Info("repository scanned via clone", "url", repoURL, "files", len(paths))
	return paths, nil
}
