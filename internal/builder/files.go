package builder

import (
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/qobs-build/discforge/internal/msg"
)

// copyFile copies src over dst. When progress is non-nil it is asked for a
// bar sized to the source file.
func copyFile(dst, src string, progress func(total int64) *msg.ProgressBar) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	var w io.Writer = out
	var pb *msg.ProgressBar
	if progress != nil {
		pb = progress(fi.Size())
		w = io.MultiWriter(out, pb)
	}

	if _, err := io.Copy(w, in); err != nil {
		out.Close()
		return err
	}
	if pb != nil {
		pb.Finish()
	}
	return out.Close()
}

// createIfAbsent writes content to path only if nothing exists there yet.
func createIfAbsent(path, content string) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return false, err
	}
	return true, f.Close()
}
