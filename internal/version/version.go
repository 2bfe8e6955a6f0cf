package version

import "fmt"

// Releases are named after racket-sport strokes, one per major version.
var strokes = []string{
	"serve",
	"clear",
	"drop",
	"smash",
	"drive",
	"lob",
	"flick",
	"volley",
}

const (
	Major = 0
	Minor = 1
	Patch = 0
)

func Codename() string {
	if Major < len(strokes) {
		return strokes[Major]
	}
	return fmt.Sprintf("rally-%d", Major)
}

func String() string {
	return fmt.Sprintf("%s-%d.%d.%d", Codename(), Major, Minor, Patch)
}

func Short() string {
	return fmt.Sprintf("%d.%d", Major, Minor)
}
