package stub

import (
	"embed"
	"io/fs"
)

//go:embed descriptions/linux/*.ifs descriptions/linux/*.yaml descriptions/darwin/*.tbd descriptions/windows/*.def
var descriptionFS embed.FS

// Descriptions exposes the checked-in ABI descriptions, rooted at the OS
// directories (linux/, darwin/, windows/).
func Descriptions() fs.FS {
	sub, err := fs.Sub(descriptionFS, "descriptions")
	if err != nil {
		panic(err)
	}
	return sub
}
