package securefile

import (
	"os"
	"path/filepath"
	"runtime"
)

// WriteOwnerOnly writes data to filename via a temp file + rename with
// mode 0600 on unix. Overwrite also re-applies the mode, because
// os.WriteFile only sets perm on create.
//
// On Windows permission bits are not reliable; the write is still atomic.
func WriteOwnerOnly(filename string, data []byte) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	base := filepath.Base(filename)

	f, err := os.CreateTemp(dir, "."+base+".tmp.*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	ok := false
	defer func() {
		_ = f.Close()
		if !ok {
			_ = os.Remove(tmp)
		}
	}()

	if runtime.GOOS != "windows" {
		if err := f.Chmod(0o600); err != nil {
			return err
		}
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	// os.Rename does not overwrite an existing destination on Windows.
	if runtime.GOOS == "windows" {
		_ = os.Remove(filename)
	}
	if err := os.Rename(tmp, filename); err != nil {
		return err
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(filename, 0o600); err != nil {
			return err
		}
	}
	ok = true
	return nil
}

// ReadOwnerOnly reads filename and tightens its mode to 0600 on unix if a
// previous writer left it looser.
func ReadOwnerOnly(filename string) ([]byte, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if runtime.GOOS != "windows" {
		if fi, err := os.Stat(filename); err == nil && fi.Mode().Perm() != 0o600 {
			_ = os.Chmod(filename, 0o600)
		}
	}
	return b, nil
}
