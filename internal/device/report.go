package device

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/printwatch/pkg/types"
)

// ClassifyState maps a vendor gcode_state string onto a RunState. Anything
// unexpected is UNKNOWN, which the loop treats as still running.
func ClassifyState(raw string) types.RunState {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "RUNNING":
		return types.RunRunning
	case "PAUSE", "PAUSED":
		return types.RunPaused
	case "FINISH", "FINISHED":
		return types.RunFinished
	case "FAILED":
		return types.RunFailed
	case "IDLE":
		return types.RunIdle
	default:
		return types.RunUnknown
	}
}

// report is the vendor push message. Every field is optional: devices send
// partial updates that must be merged into the previous snapshot.
type report struct {
	Print *printReport `json:"print"`
}

type printReport struct {
	Command      string       `json:"command"`
	GcodeState   *string      `json:"gcode_state"`
	NozzleTemper *float64     `json:"nozzle_temper"`
	NozzleTarget *float64     `json:"nozzle_target_temper"`
	BedTemper    *float64     `json:"bed_temper"`
	BedTarget    *float64     `json:"bed_target_temper"`
	Percent      *int         `json:"mc_percent"`
	Remaining    *int         `json:"mc_remaining_time"` // minutes
	StartTime    *json.Number `json:"gcode_start_time"`  // unix seconds, often quoted
	Layer        *int         `json:"layer_num"`
	TotalLayers  *int         `json:"total_layer_num"`
	GcodeFile    *string      `json:"gcode_file"`
	SpeedLevel   *int         `json:"spd_lvl"`
	AMS          *amsReport   `json:"ams"`
}

type amsReport struct {
	TrayNow *string `json:"tray_now"`
	Units   []struct {
		Tray []struct {
			Color string `json:"tray_color"`
		} `json:"tray"`
	} `json:"ams"`
}

// noTray is the tray_now value reported when no spool is loaded.
const noTray = 255

// merge applies a partial report to prev and returns the new snapshot.
// ok is false when the message carries no print section.
func merge(prev types.Telemetry, payload []byte, now time.Time) (next types.Telemetry, ok bool, err error) {
	var msg report
	if err := json.Unmarshal(payload, &msg); err != nil {
		return prev, false, err
	}
	if msg.Print == nil {
		return prev, false, nil
	}

	next = prev
	next.SpoolColors = append([]string(nil), prev.SpoolColors...)
	next.ReceivedAt = now

	p := msg.Print
	if p.GcodeState != nil {
		next.RawState = *p.GcodeState
		next.State = ClassifyState(*p.GcodeState)
	} else if next.State == "" {
		next.State = types.RunUnknown
	}
	if p.NozzleTemper != nil {
		next.NozzleTemp = *p.NozzleTemper
	}
	if p.NozzleTarget != nil {
		next.NozzleTarget = *p.NozzleTarget
	}
	if p.BedTemper != nil {
		next.BedTemp = *p.BedTemper
	}
	if p.BedTarget != nil {
		next.BedTarget = *p.BedTarget
	}
	if p.Percent != nil {
		next.Progress = *p.Percent
	}
	if p.Remaining != nil {
		next.Remaining = time.Duration(*p.Remaining) * time.Minute
	}
	if p.StartTime != nil {
		if sec, err := p.StartTime.Int64(); err == nil && sec > 0 {
			next.StartTime = time.Unix(sec, 0).UTC()
		}
	}
	if p.Layer != nil {
		next.Layer = *p.Layer
	}
	if p.TotalLayers != nil {
		next.TotalLayers = *p.TotalLayers
	}
	if p.GcodeFile != nil {
		next.GcodeFile = *p.GcodeFile
	}
	if p.SpeedLevel != nil {
		next.SpeedLevel = *p.SpeedLevel
	}
	if p.AMS != nil {
		applyAMS(&next, p.AMS)
	}
	return next, true, nil
}

func applyAMS(t *types.Telemetry, ams *amsReport) {
	if ams.TrayNow != nil {
		tray, err := strconv.Atoi(*ams.TrayNow)
		switch {
		case err != nil:
		case tray == noTray:
			t.ActiveSpool = -1
			t.SpoolState = "unloaded"
		default:
			t.ActiveSpool = tray
			t.SpoolState = "loaded"
		}
	}
	if len(ams.Units) > 0 {
		var colors []string
		for _, unit := range ams.Units {
			for _, tray := range unit.Tray {
				colors = append(colors, tray.Color)
			}
		}
		t.SpoolColors = colors
	}
}
