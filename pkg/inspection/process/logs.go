package process

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/baremetal-lab/inspector/internal/logger"
	"github.com/baremetal-lab/inspector/pkg/inspection"
	"github.com/baremetal-lab/inspector/pkg/inspection/cache"
)

// storeLogs writes the base64-encoded ramdisk log archive a submission may
// carry to the configured directory. Logs are kept for failed submissions,
// and for successful ones when always_store_ramdisk_logs is set.
func (p *Processor) storeLogs(data inspection.Data, nodeInfo *cache.NodeInfo, failed bool) {
	if p.config.RamdiskLogsDir == "" {
		return
	}
	if !failed && !p.config.AlwaysStoreRamdiskLogs {
		return
	}

	encoded, _ := data["logs"].(string)
	if encoded == "" {
		if failed {
			logger.Warn("failed submission carried no ramdisk logs")
		}
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		logger.Error("cannot decode ramdisk logs", logger.Err(err))
		return
	}

	name := p.logFileName(data, nodeInfo)
	if err := os.MkdirAll(p.config.RamdiskLogsDir, 0o755); err != nil {
		logger.Error("cannot create ramdisk logs directory", logger.Err(err))
		return
	}
	path := filepath.Join(p.config.RamdiskLogsDir, name)
	if err := os.WriteFile(path, decoded, 0o644); err != nil {
		logger.Error("cannot write ramdisk logs", "path", path, logger.Err(err))
		return
	}
	logger.Info("ramdisk logs stored", "path", path)
}

// logFileName renders the configured filename template. Unknown fields fall
// back to "unknown" so a malformed submission still gets its logs kept.
func (p *Processor) logFileName(data inspection.Data, nodeInfo *cache.NodeInfo) string {
	uuid := "unknown"
	if nodeInfo != nil {
		uuid = nodeInfo.UUID
	}
	mac := strings.ReplaceAll(inspection.PXEMAC(data), ":", "")
	if mac == "" {
		mac = "unknown"
	}
	bmc := inspection.BMCAddress(data)
	if bmc == "" {
		bmc = "unknown"
	}

	replacer := strings.NewReplacer(
		"{uuid}", uuid,
		"{mac}", mac,
		"{bmc}", bmc,
		"{dt}", time.Now().UTC().Format("20060102-150405"),
	)
	return replacer.Replace(p.config.RamdiskLogsFilenameFormat)
}
