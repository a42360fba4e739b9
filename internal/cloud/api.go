package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/printwatch/pkg/types"
)

const (
	devicesPath = "/v1/iot-service/api/user/bind"
	tasksPath   = "/v1/user-service/my/tasks"
)

// Devices returns the bound devices as a map of device name to serial.
// Network failures are transient; the caller retries on its next tick.
func (s *Session) Devices(ctx context.Context) (map[string]string, error) {
	var result struct {
		Devices []struct {
			Name  string `json:"name"`
			DevID string `json:"dev_id"`
		} `json:"devices"`
	}
	if err := s.getJSON(ctx, devicesPath, &result); err != nil {
		return nil, fmt.Errorf("devices: %w", err)
	}

	devices := make(map[string]string, len(result.Devices))
	for _, d := range result.Devices {
		if d.Name == "" || d.DevID == "" {
			s.logger.Warn("skipping device without name or id", "name", d.Name, "dev_id", d.DevID)
			continue
		}
		devices[d.Name] = d.DevID
	}
	return devices, nil
}

// taskRecord is one entry of the vendor task list.
type taskRecord struct {
	ID          json.Number `json:"id"`
	DeviceName  string      `json:"deviceName"`
	Title       string      `json:"title"`
	Cover       string      `json:"cover"`
	StartTime   string      `json:"startTime"`
	EndTime     string      `json:"endTime"`
	CostTime    int64       `json:"costTime"` // seconds
	Weight      float64     `json:"weight"`
	IsPrintable bool        `json:"isPrintable"`
	AMS         []struct {
		SourceColor string  `json:"sourceColor"`
		Weight      float64 `json:"weight"`
	} `json:"amsDetailMapping"`
}

// Tasks returns the visible job-tasks, newest first. Records missing an id,
// a device or a parsable start time are logged and skipped.
func (s *Session) Tasks(ctx context.Context) ([]types.Task, error) {
	var result struct {
		Hits []taskRecord `json:"hits"`
	}
	path := tasksPath + "?limit=" + strconv.Itoa(s.cfg.TaskLimit)
	if err := s.getJSON(ctx, path, &result); err != nil {
		return nil, fmt.Errorf("tasks: %w", err)
	}

	tasks := make([]types.Task, 0, len(result.Hits))
	for _, record := range result.Hits {
		task, err := record.task()
		if err != nil {
			s.logger.Warn("skipping malformed task", "id", record.ID.String(), "error", err)
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (r taskRecord) task() (types.Task, error) {
	if r.ID.String() == "" {
		return types.Task{}, fmt.Errorf("missing id")
	}
	if strings.TrimSpace(r.DeviceName) == "" {
		return types.Task{}, fmt.Errorf("missing device name")
	}
	start, err := time.Parse(time.RFC3339, r.StartTime)
	if err != nil {
		return types.Task{}, fmt.Errorf("start time: %w", err)
	}

	end := start.Add(time.Duration(r.CostTime) * time.Second)
	if r.EndTime != "" {
		if parsed, err := time.Parse(time.RFC3339, r.EndTime); err == nil && parsed.After(start) {
			end = parsed
		}
	}

	task := types.Task{
		ID:        types.JobID(r.ID.String()),
		Device:    r.DeviceName,
		Title:     r.Title,
		Cover:     r.Cover,
		StartTime: start.UTC(),
		EndTime:   end.UTC(),
		Weight:    r.Weight,
		Printable: r.IsPrintable,
	}
	for i, slot := range r.AMS {
		if i == types.MaxMaterials {
			break
		}
		task.Materials = append(task.Materials, types.Material{Color: slot.SourceColor, Weight: slot.Weight})
	}
	return task, nil
}

func (s *Session) getJSON(ctx context.Context, path string, out any) error {
	token := s.Token()
	if token == "" {
		return ErrNotLoggedIn
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
