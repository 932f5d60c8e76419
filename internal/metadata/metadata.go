package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/withObsrvr/hotbackup/internal/storage"
)

// InfoFile is the name of the backup description written into every backup.
const InfoFile = "hotbackup_info.json"

// Info describes a backup. It is written next to the copied files.
type Info struct {
	ID            string    `json:"uuid"`
	Name          string    `json:"name,omitempty"`
	ToolVersion   string    `json:"tool_version"`
	Command       string    `json:"tool_command,omitempty"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	LockSeconds   float64   `json:"lock_time_seconds"`
	LastLogNumber uint32    `json:"last_log_number"`
	TablesCopied  int       `json:"tables_copied"`
	Partial       bool      `json:"partial"`
	Compressed    bool      `json:"compressed"`
}

// NewInfo builds the description of rec.
func NewInfo(rec BackupRecord) *Info {
	return &Info{
		ID:            rec.ID,
		Name:          rec.Name,
		ToolVersion:   rec.ToolVersion,
		Command:       rec.Command,
		StartTime:     rec.StartTime.UTC(),
		EndTime:       rec.EndTime.UTC(),
		LockSeconds:   rec.LockTime.Seconds(),
		LastLogNumber: rec.LastLogNumber,
		TablesCopied:  rec.TablesCopied,
		Partial:       rec.Partial,
		Compressed:    rec.Compressed,
	}
}

// Write stores the description in the backup.
func (m *Info) Write(ctx context.Context, sink storage.Sink) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal backup info: %w", err)
	}
	out, err := sink.Open(ctx, InfoFile, nil, false)
	if err != nil {
		return fmt.Errorf("create backup info: %w", err)
	}
	if _, err := out.Write(b); err != nil {
		out.Close()
		return fmt.Errorf("write backup info: %w", err)
	}
	return out.Close()
}
