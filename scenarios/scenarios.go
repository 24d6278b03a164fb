// Package scenarios links every scenario group into the binary.
package scenarios

import (
	_ "github.com/st3v3nmw/bootfuzz/scenarios/join"
)
