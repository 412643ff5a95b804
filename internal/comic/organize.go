package comic

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// DefaultRenameRule lays files out by publisher, series and volume.
const DefaultRenameRule = "$PUBLISHER/$SERIES/v$VOLUME/$SERIES $ISSUE"

var unsafePathChars = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
)

func component(v, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		v = fallback
	}
	return unsafePathChars.Replace(v)
}

// TargetPath computes where c belongs under targetDir according to rule. The
// original extension is kept.
func TargetPath(c *Comic, targetDir, rule string) string {
	if rule == "" {
		rule = DefaultRenameRule
	}
	ext := filepath.Ext(c.Filename)
	name := strings.TrimSuffix(filepath.Base(c.Filename), ext)
	r := strings.NewReplacer(
		"$PUBLISHER", component(c.Publisher, "Unknown"),
		"$SERIES", component(c.Series, "Unknown"),
		"$VOLUME", component(c.Volume, "0"),
		"$ISSUE", component(c.Issue, "0"),
		"$NAME", component(name, "comic"),
	)
	return filepath.Join(targetDir, filepath.FromSlash(r.Replace(rule))) + ext
}

// MoveFile renames src to dst, copying across devices when needed. An
// existing dst is never overwritten.
func MoveFile(src, dst string) error {
	if src == dst {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("target exists: %s", dst)
	}
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("move %s: %w", src, err)
	}
	if err := copyFile(src, dst); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return out.Close()
}
