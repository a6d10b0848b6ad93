package genai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

var debugSeq atomic.Uint64

// logDebug writes one model call to stateDir/debug when debug mode is on.
func (c *Client) logDebug(method string, req Request, reply ModelReply) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("Client.logDebug: create debug dir failed", "dir", dir, "error", err)
		return
	}
	entry := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"method":    method,
		"model":     c.model,
		"style":     c.style,
		"params":    req,
		"response":  string(reply.Raw),
		"shape":     reply.Shape,
		"degraded":  reply.Degraded,
	}
	if reply.Err != nil {
		entry["error"] = reply.Err.Error()
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("Client.logDebug: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("genai_%s_%06d.json", time.Now().UTC().Format("20060102T150405"), debugSeq.Add(1))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		slog.Warn("Client.logDebug: write failed", "file", name, "error", err)
	}
}
