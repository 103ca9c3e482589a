// Package web holds the listener and technician pages and their assets.
package web

import (
	"embed"
	"io/fs"
)

//go:embed listener.html technician.html static
var files embed.FS

// Pages returns the HTML pages at the root of the embedded tree.
func Pages() fs.FS { return files }

// Static returns the assets served under /static/.
func Static() fs.FS {
	sub, err := fs.Sub(files, "static")
	if err != nil {
		panic(err)
	}
	return sub
}
