package imaging

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"imaging-edge-proxy/receiver/internal/models"
)

// FileOutcome reports the fate of one file in a transfer.
type FileOutcome struct {
	Path string
	Err  error
}

// Sender delivers anonymized files to a node. Implementations report a
// per-file outcome so the dispatcher can distinguish partial failures.
type Sender interface {
	Send(ctx context.Context, node models.Node, files []string) []FileOutcome
	Echo(ctx context.Context, node models.Node) error
}

// StorageSender copies files into the node's mounted storage path.
// Edge deployments mount each node's inbox locally.
type StorageSender struct {
	dialTimeout time.Duration
}

func NewStorageSender() *StorageSender {
	return &StorageSender{dialTimeout: 5 * time.Second}
}

func (s *StorageSender) Send(ctx context.Context, node models.Node, files []string) []FileOutcome {
	outcomes := make([]FileOutcome, 0, len(files))
	for _, src := range files {
		if err := ctx.Err(); err != nil {
			outcomes = append(outcomes, FileOutcome{Path: src, Err: err})
			continue
		}
		dst := filepath.Join(node.StoragePath, filepath.Base(src))
		outcomes = append(outcomes, FileOutcome{Path: src, Err: copyFile(src, dst)})
	}
	return outcomes
}

// Echo verifies the node answers on its DICOM port before a transfer
// starts. Nodes without a host are file-share only and skip the check.
func (s *StorageSender) Echo(ctx context.Context, node models.Node) error {
	if node.Host == "" {
		return nil
	}
	d := net.Dialer{Timeout: s.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", node.Host, node.Port))
	if err != nil {
		return fmt.Errorf("node %s unreachable: %w", node.NodeID, err)
	}
	return conn.Close()
}

func copyFile(src string, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
