package securestore

import (
	"bufio"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/getsolus/fsstack/mount"
)

var mtdEntryRE = regexp.MustCompile(`^(mtd\d+):\s+\S+\s+\S+\s+"([^"]*)"`)

// emmcSectorSize is the fixed block size the eMMC variant's sector offset
// is expressed in (spec §4.7).
const emmcSectorSize = 512

// ExtractMTD implements the MTD variant of spec §4.7: scan /proc/mtd for an
// entry whose name contains mtdLabel ("Secure"); if found, read the header
// and payload from /dev/mtd<N>, otherwise fall back to defaultArchivePath.
// The payload is expanded under targetDir.
func ExtractMTD(procMtdPath, mtdLabel, defaultArchivePath, targetDir, tmpDir string) error {
	source := defaultArchivePath

	if dev, err := findMTDDeviceContaining(procMtdPath, mtdLabel); err == nil {
		source = filepath.Join("/dev", dev)
	}

	f, err := os.Open(source)
	if err != nil {
		return err
	}
	defer f.Close()

	return extractFrom(f, targetDir, tmpDir)
}

// ExtractMMC implements the eMMC variant of spec §4.7: read the header and
// payload at sector*512 of devicePath, expanding under targetDir. The
// intermediate file lives in tmpDir (a tmpfs).
func ExtractMMC(devicePath string, sector int64, targetDir, tmpDir string) error {
	f, err := os.Open(devicePath)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(sector*emmcSectorSize, io.SeekStart); err != nil {
		return err
	}

	return extractFrom(f, targetDir, tmpDir)
}

// extractFrom reads a SecureStoreHeader from r, validates it, streams the
// payload into a temp file in tmpDir, then expands it under targetDir via
// bunzip2 | tar.
func extractFrom(r io.Reader, targetDir, tmpDir string) error {
	header, err := ReadHeader(r)
	if err != nil {
		return err
	}

	if !header.Valid() {
		return &HeaderInvalid{GotType: header.Type, GotSize: header.Size}
	}

	tmp, err := os.CreateTemp(tmpDir, "securestore-*.tar.bz2")
	if err != nil {
		return err
	}

	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := blake3.New()

	if err := copyExactly(io.MultiWriter(tmp, hasher), r, header.Size); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	slog.Debug("securestore: extracted payload", "type", header.Type, "size", header.Size, "blake3", hex.EncodeToString(hasher.Sum(nil)))

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return err
	}

	// tar x -C targetDir can overwrite targetDir's own mode/uid/gid/xattrs
	// if the archive carries an entry for ".". Snapshot beforehand and
	// reapply after, the same snapshot-and-reapply idiom alignFileProps
	// uses for a persistent overlay's upper directory (mount/overlay.go).
	before, propsErr := mount.ReadFileProps(targetDir)

	if err := runExtraction(tmpPath, targetDir); err != nil {
		return err
	}

	if propsErr == nil {
		if err := before.Apply(targetDir); err != nil {
			slog.Warn("securestore: failed to restore target directory properties after extraction", "target", targetDir, "error", err)
		}
	}

	return nil
}

// copyExactly streams exactly n bytes from src to dst in 1 KiB chunks,
// using io.ReadFull per chunk to tolerate short reads, and requiring every
// write to consume the whole chunk it read (spec §4.7 step d).
func copyExactly(dst io.Writer, src io.Reader, n uint64) error {
	const chunkSize = 1024

	buf := make([]byte, chunkSize)

	for remaining := n; remaining > 0; {
		want := uint64(chunkSize)
		if remaining < want {
			want = remaining
		}

		read, err := io.ReadFull(src, buf[:want])
		if err != nil {
			return err
		}

		written, err := dst.Write(buf[:read])
		if err != nil {
			return err
		}

		if written != read {
			return io.ErrShortWrite
		}

		remaining -= uint64(read)
	}

	return nil
}

// runExtraction pipes bunzip2's output directly into tar, avoiding a shell
// intermediary. A non-zero exit from either stage is fatal (spec §4.7
// step e).
func runExtraction(archivePath, targetDir string) error {
	bunzip := exec.Command("bunzip2", "-c", archivePath)
	tarCmd := exec.Command("tar", "x", "-C", targetDir)

	pipe, err := bunzip.StdoutPipe()
	if err != nil {
		return err
	}

	tarCmd.Stdin = pipe
	tarCmd.Stderr = os.Stderr
	bunzip.Stderr = os.Stderr

	if err := tarCmd.Start(); err != nil {
		return err
	}

	if err := bunzip.Run(); err != nil {
		return &ExtractionFailed{ExitErr: err}
	}

	if err := tarCmd.Wait(); err != nil {
		return &ExtractionFailed{ExitErr: err}
	}

	return nil
}

// findMTDDeviceContaining scans /proc/mtd for the first entry whose quoted
// name contains label as a substring (the MTD variant matches "Secure"
// loosely, unlike fw_env.config's exact "UBootEnv" match).
func findMTDDeviceContaining(procMtdPath, label string) (string, error) {
	f, err := os.Open(procMtdPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()

		m := mtdEntryRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		if strings.Contains(strings.ToLower(m[2]), strings.ToLower(label)) {
			return m[1], nil
		}
	}

	return "", os.ErrNotExist
}
