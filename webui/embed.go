package webui

import (
	"embed"
	"io/fs"
)

// distFS holds the dashboard assets under webui/dist. The checked-in
// tree carries a plain status page; a full dashboard build replaces it.
//
//go:embed dist
var distFS embed.FS

// DistFS returns an fs.FS rooted at the embedded dist directory.
func DistFS() (fs.FS, error) {
	return fs.Sub(distFS, "dist")
}
