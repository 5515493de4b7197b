package runner

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// collectArtifacts copies the job's artifact paths out of the workspace
// before it is torn down. Missing paths are not an error.
func (r *run) collectArtifacts(job *Job) {
	if r.opts.ArtifactRoot == "" || len(job.Artifacts) == 0 {
		return
	}

	runDir := filepath.Base(r.dir)
	if r.result.RunID != 0 {
		runDir = "run-" + strconv.Itoa(r.result.RunID)
	}
	dest := filepath.Join(r.opts.ArtifactRoot, runDir, job.ID)

	for _, pattern := range job.Artifacts {
		matches, err := filepath.Glob(filepath.Join(r.workspace, pattern))
		if err != nil {
			r.log.Warn("bad artifact pattern", "pattern", pattern, "err", err)
			continue
		}
		for _, src := range matches {
			rel, err := filepath.Rel(r.workspace, src)
			if err != nil {
				continue
			}
			target := filepath.Join(dest, rel)
			if err := copyTree(src, target); err != nil {
				r.log.Warn("failed to collect artifact", "path", rel, "err", err)
				continue
			}
			r.result.Artifacts = append(r.result.Artifacts, target)
			r.printf("📎 Artifact: %s\n", target)
		}
	}
}

// copyTree copies a file or directory. Symlinks are skipped.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			return nil
		default:
			return copyFile(path, target)
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copying %s", src)
	}
	return out.Close()
}
