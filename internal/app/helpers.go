package app

import (
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("app")

// setLogLevel applies level to every named logger.
func setLogLevel(level string) error {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return err
	}
	logging.SetAllLoggers(lvl)
	return nil
}

func logBanner(role, cfgPath, dataDir string) {
	log.Infof("────────────────────────────────────────")
	log.Infof("parley %s", role)
	log.Infof(" Config file : %s", cfgPath)
	log.Infof(" Data folder : %s", dataDir)
	log.Infof("────────────────────────────────────────")
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }
