package wire

import (
	"os"
	"path/filepath"
)

// MessageSocketPath derives the control socket path from the shared socket
// prefix. The world and every spawned scene must agree on the prefix.
func MessageSocketPath(prefix string) string {
	return filepath.Join(os.TempDir(), "mosaic-"+prefix+"-msg.sock")
}

// BufferSocketPath derives the buffer transport socket path from the
// shared socket prefix.
func BufferSocketPath(prefix string) string {
	return filepath.Join(os.TempDir(), "mosaic-"+prefix+"-buf.sock")
}
