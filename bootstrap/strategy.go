package bootstrap

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/ruteri/webapp-instance-provisioning/interfaces"
)

// StrategyAuto defers the choice to the image marker file.
const StrategyAuto = "auto"

// SelectStrategy returns the deployment strategy for this run. An explicit
// strategy wins; "auto" or empty picks prebuilt-image when markerPath exists
// and packaged-script otherwise.
func SelectStrategy(requested, markerPath string) (interfaces.Strategy, error) {
	requested = strings.TrimSpace(requested)
	if requested != "" && !strings.EqualFold(requested, StrategyAuto) {
		return interfaces.ParseStrategy(requested)
	}

	if markerPath == "" {
		return interfaces.StrategyPackagedScript, nil
	}
	_, err := os.Stat(markerPath)
	switch {
	case err == nil:
		return interfaces.StrategyPrebuiltImage, nil
	case errors.Is(err, fs.ErrNotExist):
		return interfaces.StrategyPackagedScript, nil
	default:
		return "", fmt.Errorf("checking image marker %s: %w", markerPath, err)
	}
}
