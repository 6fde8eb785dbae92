package build

import "fmt"

const (
	// appMajor defines the major version of this binary.
	appMajor uint = 0

	// appMinor defines the minor version of this binary.
	appMinor uint = 3

	// appPatch defines the application patch for this binary.
	appPatch uint = 0

	// appPreRelease may be empty for a release build.
	appPreRelease = "beta"
)

// Version returns the application version as a properly formed string.
func Version() string {
	version := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if appPreRelease != "" {
		version = fmt.Sprintf("%s-%s", version, appPreRelease)
	}

	return version
}
