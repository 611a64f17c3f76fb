package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/aluiziolira/go-market-watch/models"
)

// LoadTasks reads the task list from a YAML or JSON file with a top level
// "tasks" key. Prompt files are resolved relative to the task file and
// appended to the task instructions in order.
func LoadTasks(path string) ([]models.Task, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read tasks file %s: %w", path, err)
	}

	var tasks []models.Task
	if err := v.UnmarshalKey("tasks", &tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("tasks file %s defines no tasks", path)
	}

	base := filepath.Dir(path)
	for i := range tasks {
		t := &tasks[i]
		if t.Keyword == "" {
			return nil, fmt.Errorf("task %d: keyword is required", i)
		}
		if t.TaskName == "" {
			t.TaskName = t.Keyword
		}
		if t.MaxPages <= 0 {
			t.MaxPages = 1
		}
		instructions, err := composeInstructions(base, t.Instructions, t.PromptFiles)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", t.TaskName, err)
		}
		t.Instructions = instructions
	}
	return tasks, nil
}

// SelectTasks returns the enabled tasks, or the one named only when set.
func SelectTasks(tasks []models.Task, only string) []models.Task {
	var out []models.Task
	for _, t := range tasks {
		if only != "" {
			if t.TaskName == only {
				out = append(out, t)
			}
			continue
		}
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

func composeInstructions(base, inline string, files []string) (string, error) {
	parts := make([]string, 0, len(files)+1)
	if s := strings.TrimSpace(inline); s != "" {
		parts = append(parts, s)
	}
	for _, f := range files {
		if !filepath.IsAbs(f) {
			f = filepath.Join(base, f)
		}
		data, err := os.ReadFile(f)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
