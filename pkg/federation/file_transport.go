package federation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"fedtrust/pkg/types"
)

// FileTransport reads log exports from the filesystem, e.g. a shared
// volume or a checked-out repository. Endpoints look like
// file:///srv/peers/acme/events.zst.
type FileTransport struct{}

func NewFileTransport() *FileTransport {
	return &FileTransport{}
}

func (t *FileTransport) FetchRemoteLog(ctx context.Context, endpoint string) ([]types.Event, error) {
	path, err := filePath(endpoint)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, classifyFetchError(ctx, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		return nil, fmt.Errorf("failed to read export: %w", err)
	}

	batch, err := DecodeBatch(data)
	if err != nil {
		return nil, err
	}
	return batch.Events, nil
}

// ExportFile atomically writes the batch to path.
func ExportFile(path string, batch *EventBatch) error {
	data, err := EncodeBatch(batch)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return nil
}

func filePath(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme != "file" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEndpoint, endpoint)
	}
	path := u.Path
	if u.Host != "" {
		// file://relative/path
		path = filepath.Join(u.Host, u.Path)
	}
	if path == "" {
		return "", fmt.Errorf("%w: empty path in %q", ErrUnsupportedEndpoint, endpoint)
	}
	return path, nil
}
