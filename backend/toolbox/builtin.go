package toolbox

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/spf13/afero"
)

type ReadFileInput struct {
	Path string `json:"path" jsonschema:"description=Absolute path of the file to read"`
}

type ListFilesInput struct {
	Path string `json:"path" jsonschema:"description=Absolute path of the directory to list"`
}

type CurrentTimeInput struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA time zone name such as Europe/Vienna. Defaults to UTC"`
}

type DirectoryEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
}

// Builtins returns the tools the gateway ships with. File access goes
// through fs so callers decide what the model can see.
func Builtins(fs afero.Fs, now func() time.Time) []Tool {
	if now == nil {
		now = time.Now
	}

	return []Tool{
		NewTool("read_file", "Read the contents of a file.", func(ctx context.Context, input ReadFileInput) (string, error) {
			if input.Path == "" {
				return "", fmt.Errorf("path is required")
			}
			content, err := afero.ReadFile(fs, input.Path)
			if err != nil {
				return "", err
			}
			return string(content), nil
		}, WithReadonly(true), WithAdditionalCategory("filesystem")),

		NewTool("list_files", "List the files and directories in a directory.", func(ctx context.Context, input ListFilesInput) (string, error) {
			if input.Path == "" {
				return "", fmt.Errorf("path is required")
			}
			infos, err := afero.ReadDir(fs, input.Path)
			if err != nil {
				return "", err
			}

			entries := make([]DirectoryEntry, 0, len(infos))
			for _, info := range infos {
				entry := DirectoryEntry{Name: path.Base(info.Name()), Type: "f", Size: info.Size()}
				if info.IsDir() {
					entry.Type = "d"
					entry.Size = 0
				}
				entries = append(entries, entry)
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

			out, err := json.Marshal(map[string]any{"path": input.Path, "entries": entries})
			if err != nil {
				return "", err
			}
			return string(out), nil
		}, WithReadonly(true), WithAdditionalCategory("filesystem")),

		NewTool("current_time", "Get the current date and time.", func(ctx context.Context, input CurrentTimeInput) (string, error) {
			loc := time.UTC
			if input.Timezone != "" {
				l, err := time.LoadLocation(input.Timezone)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", input.Timezone)
				}
				loc = l
			}
			return now().In(loc).Format(time.RFC3339), nil
		}, WithReadonly(true)),

		evaluateTool(defaultScriptTimeout),
	}
}
