package buildversion

import (
	"runtime/debug"
	"sync"
)

const modulePath = "github.com/cheshire-cat-ai/catmesh"

var (
	version     string
	versionOnce sync.Once
)

// GetVersion returns the module version embedded by the go toolchain, or
// "dev" when running from a source checkout.
func GetVersion() string {
	versionOnce.Do(func() {
		version = "dev"

		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		if info.Main.Path == modulePath && info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
			return
		}

		for _, dep := range info.Deps {
			if dep.Path == modulePath {
				version = dep.Version
				return
			}
		}
	})

	return version
}
