package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/certanchor/certanchor/batchproc"
)

// localStamper finishes artifacts on the local filesystem: the source PDF is
// copied into the output directory with the QR image and link text written
// alongside it as sidecar files. Used when no PDF toolchain is configured.
type localStamper struct {
	outDir string
}

func (s *localStamper) Stamp(ctx context.Context, sourcePath, linkText string, qrPNG []byte, pos batchproc.Position) (string, error) {
	if err := os.MkdirAll(s.outDir, 0o755); err != nil {
		return "", err
	}
	base := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	dest := filepath.Join(s.outDir, base+".pdf")
	if err := copyFile(sourcePath, dest); err != nil {
		return "", fmt.Errorf("copy artifact: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.outDir, base+".qr.png"), qrPNG, 0o644); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(s.outDir, base+".link.txt"), []byte(linkText+"\n"), 0o644); err != nil {
		return "", err
	}
	return dest, nil
}

// popplerRasterizer renders page 1 of a PDF to PNG via pdftoppm.
type popplerRasterizer struct{}

func (popplerRasterizer) Rasterize(ctx context.Context, pdfPath string) (string, error) {
	prefix := strings.TrimSuffix(pdfPath, filepath.Ext(pdfPath))
	cmd := exec.CommandContext(ctx, "pdftoppm", "-png", "-f", "1", "-l", "1", "-singlefile", pdfPath, prefix)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("pdftoppm %s: %v: %s", pdfPath, err, strings.TrimSpace(string(out)))
	}
	return prefix + ".png", nil
}

// dirArtifactStore publishes finished artifacts by copying them into a
// directory served by the link host.
type dirArtifactStore struct {
	dir     string
	baseURL string
}

func (d *dirArtifactStore) Upload(ctx context.Context, localPath string) (string, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", err
	}
	name := filepath.Base(localPath)
	if err := copyFile(localPath, filepath.Join(d.dir, name)); err != nil {
		return "", err
	}
	return strings.TrimRight(d.baseURL, "/") + "/artifacts/" + name, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
