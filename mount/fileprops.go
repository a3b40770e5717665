package mount

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// FileProps is a snapshot of a directory's mode, ownership, and extended
// attributes, captured from one path and reapplied to another. It is used
// twice: to align a freshly created upper directory with the system layer
// it overlays (MountOverlayPersistent), and by the secure-store extractor
// to restore the properties of the directory it expands into (/adu) after
// tar has run; the extracted files themselves are left as tar wrote them.
type FileProps struct {
	Mode  os.FileMode
	UID   int
	GID   int
	Xattr map[string][]byte
}

// ReadFileProps snapshots mode, uid/gid, and extended attributes from path.
func ReadFileProps(path string) (FileProps, error) {
	var fp FileProps

	info, err := os.Stat(path)
	if err != nil {
		return fp, err
	}

	fp.Mode = info.Mode()
	fp.UID, fp.GID = statOwnership(path)

	names, err := unix.Listxattr(path, nil)
	if err == nil && names >= 0 {
		fp.Xattr = make(map[string][]byte)

		buf := make([]byte, names)
		if n, err := unix.Listxattr(path, buf); err == nil {
			for _, name := range splitNames(buf[:n]) {
				sz, err := unix.Getxattr(path, name, nil)
				if err != nil || sz <= 0 {
					continue
				}

				val := make([]byte, sz)
				if _, err := unix.Getxattr(path, name, val); err == nil {
					fp.Xattr[name] = val
				}
			}
		}
	}

	return fp, nil
}

// Apply reapplies a FileProps snapshot to path.
func (fp FileProps) Apply(path string) error {
	if err := os.Chmod(path, fp.Mode); err != nil {
		return err
	}

	if err := os.Chown(path, fp.UID, fp.GID); err != nil {
		return err
	}

	for name, val := range fp.Xattr {
		if err := unix.Setxattr(path, name, val, 0); err != nil {
			return err
		}
	}

	return nil
}

// alignFileProps copies mode/uid/gid/xattrs from systemDir to upperDir,
// used before the first mount of a persistent overlay so the writable
// layer doesn't present different permissions than the layer it shadows.
func alignFileProps(systemDir, upperDir string) error {
	sysInfo, err := os.Stat(systemDir)
	if err != nil {
		return err
	}

	upInfo, err := os.Stat(upperDir)
	if err != nil {
		return err
	}

	sysUID, sysGID := statOwnership(systemDir)
	upUID, upGID := statOwnership(upperDir)

	if sysInfo.Mode().Perm() == upInfo.Mode().Perm() && sysUID == upUID && sysGID == upGID {
		return nil
	}

	fp, err := ReadFileProps(systemDir)
	if err != nil {
		return err
	}

	return fp.Apply(upperDir)
}

// statOwnership returns a path's uid/gid, or (0, 0) if the underlying Sys()
// value isn't the Linux *syscall.Stat_t this process expects.
func statOwnership(path string) (uid, gid int) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0
	}

	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0
	}

	return int(st.Uid), int(st.Gid)
}

func splitNames(buf []byte) []string {
	var names []string

	start := 0

	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}

			start = i + 1
		}
	}

	return names
}
